package types

import (
	"time"
)

// Record is one row produced by a fetch callable.
type Record map[string]any

// Clone returns a shallow copy of r. Values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	Invalidations  uint64  `json:"invalidations"`
	Sets           uint64  `json:"sets"`
	HitRatePercent float64 `json:"hit_rate_percent"`
	CurrentSize    int     `json:"current_size"`
	MaxSize        int     `json:"max_size"`
}

// AsMap flattens the statistics for export.
func (s CacheStats) AsMap() map[string]float64 {
	return map[string]float64{
		"hits":             float64(s.Hits),
		"misses":           float64(s.Misses),
		"evictions":        float64(s.Evictions),
		"invalidations":    float64(s.Invalidations),
		"sets":             float64(s.Sets),
		"hit_rate_percent": s.HitRatePercent,
		"current_size":     float64(s.CurrentSize),
		"max_size":         float64(s.MaxSize),
	}
}

// HitRate computes the hit rate in percent, 0 when no lookups happened.
func HitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// ResourceType identifies a managed resource.
type ResourceType string

const (
	ResourceCPU         ResourceType = "cpu"
	ResourceMemory      ResourceType = "memory"
	ResourceThreads     ResourceType = "threads"
	ResourceConnections ResourceType = "connections"
)

// ResourceTypes lists every managed resource in a stable order.
func ResourceTypes() []ResourceType {
	return []ResourceType{ResourceCPU, ResourceMemory, ResourceThreads, ResourceConnections}
}

// Usage thresholds in percent.
const (
	DefaultWarningThreshold  = 80.0
	DefaultCriticalThreshold = 90.0
)

// ResourceQuota caps one resource type.
type ResourceQuota struct {
	ResourceType      ResourceType `json:"resource_type" yaml:"resource_type"`
	MaxValue          int64        `json:"max_value" yaml:"max_value"`
	WarningThreshold  float64      `json:"warning_threshold" yaml:"warning_threshold"`
	CriticalThreshold float64      `json:"critical_threshold" yaml:"critical_threshold"`
	AutoScale         bool         `json:"auto_scale" yaml:"auto_scale"`
}

// ResourceUsage is a point-in-time usage sample.
type ResourceUsage struct {
	ResourceType ResourceType `json:"resource_type"`
	CurrentValue int64        `json:"current_value"`
	MaxValue     int64        `json:"max_value"`
	Percentage   float64      `json:"percentage"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NewResourceUsage builds a sample and derives the percentage.
func NewResourceUsage(rt ResourceType, current, max int64, at time.Time) ResourceUsage {
	u := ResourceUsage{ResourceType: rt, CurrentValue: current, MaxValue: max, Timestamp: at}
	if max > 0 {
		u.Percentage = float64(current) / float64(max) * 100
	}
	return u
}

// IsWarning reports usage at or above the warning threshold.
func (u ResourceUsage) IsWarning() bool { return u.Percentage >= DefaultWarningThreshold }

// IsCritical reports usage at or above the critical threshold.
func (u ResourceUsage) IsCritical() bool { return u.Percentage >= DefaultCriticalThreshold }

// ResourceRequest asks for an amount of one resource.
type ResourceRequest struct {
	ResourceType ResourceType
	Amount       int64
}
