package resource

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
	"github.com/dashperf/dashperf/pkg/utils"
)

// Reclaimer frees memory held by a component and returns the number of
// units it released, e.g. expired cache entries.
type Reclaimer func() int

// MemorySample is one reading of the Go runtime's memory statistics.
type MemorySample struct {
	Timestamp    time.Time `json:"timestamp"`
	HeapAllocMB  int64     `json:"heap_alloc_mb"`
	HeapSysMB    int64     `json:"heap_sys_mb"`
	HeapIdleMB   int64     `json:"heap_idle_mb"`
	SysMB        int64     `json:"sys_mb"`
	NumGC        uint32    `json:"num_gc"`
	NumGoroutine int       `json:"num_goroutine"`
}

// MemoryManager reserves memory in MB and runs reclamation passes.
type MemoryManager struct {
	*capacity

	logger      *zap.Logger
	historySize int

	mu         sync.Mutex
	reclaimers map[string]Reclaimer
	samples    []MemorySample
	passes     int64
}

// NewMemoryManager creates a memory manager capped at maxMB.
func NewMemoryManager(maxMB int64, historySize int, opts ...Option) *MemoryManager {
	o := applyOptions(opts)
	if historySize < 1 {
		historySize = 60
	}
	return &MemoryManager{
		capacity:    newCapacity(types.ResourceMemory, maxMB, o.clock),
		logger:      o.logger.Named("memory"),
		historySize: historySize,
		reclaimers:  make(map[string]Reclaimer),
	}
}

// RegisterReclaimer adds or replaces a named reclaimer.
func (m *MemoryManager) RegisterReclaimer(name string, r Reclaimer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaimers[name] = r
}

// Optimize runs every reclaimer, forces a collection, returns freed memory to
// the OS and records a sample.
func (m *MemoryManager) Optimize(ctx context.Context) OptimizeReport {
	report := OptimizeReport{ResourceType: types.ResourceMemory}

	m.mu.Lock()
	names := make([]string, 0, len(m.reclaimers))
	for name := range m.reclaimers {
		names = append(names, name)
	}
	reclaimers := make(map[string]Reclaimer, len(m.reclaimers))
	for k, v := range m.reclaimers {
		reclaimers[k] = v
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		n, err := runReclaimer(name, reclaimers[name])
		if err != nil {
			report.Errors++
			m.logger.Warn("reclaimer failed", zap.String("reclaimer", name), zap.Error(err))
			continue
		}
		report.Reclaimed += int64(n)
		report.Actions = append(report.Actions, fmt.Sprintf("%s reclaimed %d", name, n))
	}

	before := m.Sample()
	runtime.GC()
	debug.FreeOSMemory()
	after := m.Sample()
	report.Actions = append(report.Actions, fmt.Sprintf("gc heap %dMB -> %dMB", before.HeapAllocMB, after.HeapAllocMB))

	m.mu.Lock()
	m.passes++
	m.mu.Unlock()

	m.logger.Debug("memory optimized",
		zap.Int64("reclaimed", report.Reclaimed),
		zap.String("heap_before", utils.FormatBytes(before.HeapAllocMB<<20)),
		zap.String("heap_after", utils.FormatBytes(after.HeapAllocMB<<20)))
	return report
}

func runReclaimer(name string, r Reclaimer) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.NewPanicRecovered("reclaimer."+name, rec)
		}
	}()
	return r(), nil
}

// Sample reads runtime memory statistics and appends them to the history.
func (m *MemoryManager) Sample() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := MemorySample{
		Timestamp:    m.capacity.clock.Now(),
		HeapAllocMB:  utils.BytesToMB(ms.HeapAlloc),
		HeapSysMB:    utils.BytesToMB(ms.HeapSys),
		HeapIdleMB:   utils.BytesToMB(ms.HeapIdle),
		SysMB:        utils.BytesToMB(ms.Sys),
		NumGC:        ms.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.historySize {
		m.samples = m.samples[len(m.samples)-m.historySize:]
	}
	m.mu.Unlock()
	return sample
}

// Samples returns a copy of the sample history, oldest first.
func (m *MemoryManager) Samples() []MemorySample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemorySample(nil), m.samples...)
}

// Statistics implements types.StatsProvider.
func (m *MemoryManager) Statistics() map[string]float64 {
	stats := m.capacity.Statistics()
	m.mu.Lock()
	stats["optimize_passes"] = float64(m.passes)
	stats["reclaimers"] = float64(len(m.reclaimers))
	if n := len(m.samples); n > 0 {
		last := m.samples[n-1]
		stats["heap_alloc_mb"] = float64(last.HeapAllocMB)
		stats["sys_mb"] = float64(last.SysMB)
	}
	m.mu.Unlock()
	return stats
}
