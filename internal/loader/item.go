package loader

import (
	"context"
	"time"
)

// State is the lifecycle state of a loadable item.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateFailed
	StateStale
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// loadable reports whether a preload pass may pick the item up.
func (s State) loadable() bool {
	return s == StateUnloaded || s == StateFailed || s == StateStale
}

// LoaderFunc produces an item's value. It should honour ctx cancellation.
type LoaderFunc func(ctx context.Context, lc LoadContext) (any, error)

// Position places an item on the dashboard's vertical axis.
type Position struct {
	Top    float64
	Height float64
}

// Center returns the vertical midpoint.
func (p Position) Center() float64 { return p.Top + p.Height/2 }

// Viewport is the visible region of the dashboard.
type Viewport struct {
	Top    float64
	Height float64
}

// Center returns the vertical midpoint.
func (v Viewport) Center() float64 { return v.Top + v.Height/2 }

// LoadContext is passed to strategies and loader functions.
type LoadContext struct {
	Viewport *Viewport
	Params   map[string]any
}

// ItemInfo is a snapshot of a registered item.
type ItemInfo struct {
	Key          string
	State        State
	Priority     int
	TTL          time.Duration
	Dependencies []string
	Position     *Position
	CPUBound     bool
	LastError    error
	LastLoadedAt time.Time
	LoadCount    int
}

// ItemOption configures an item at registration.
type ItemOption func(*item)

// WithPriority sets the base priority; higher loads first.
func WithPriority(priority int) ItemOption {
	return func(it *item) { it.priority = priority }
}

// WithTTL marks a loaded value stale after ttl. Zero never expires.
func WithTTL(ttl time.Duration) ItemOption {
	return func(it *item) { it.ttl = ttl }
}

// WithDependencies lists keys that must be loaded first.
func WithDependencies(keys ...string) ItemOption {
	return func(it *item) { it.deps = append([]string(nil), keys...) }
}

// WithPosition records the item's layout position for the viewport strategy.
func WithPosition(top, height float64) ItemOption {
	return func(it *item) { it.position = &Position{Top: top, Height: height} }
}

// WithCPUBound runs the loader under the CPU-bound concurrency limit.
func WithCPUBound() ItemOption {
	return func(it *item) { it.cpuBound = true }
}

type item struct {
	key      string
	fn       LoaderFunc
	priority int
	ttl      time.Duration
	deps     []string
	position *Position
	cpuBound bool

	state        State
	value        any
	lastErr      error
	lastLoadedAt time.Time
	loadCount    int
}

// refresh moves an expired Loaded item to Stale. Caller holds the lock.
func (it *item) refresh(now time.Time) {
	if it.state == StateLoaded && it.ttl > 0 && now.Sub(it.lastLoadedAt) > it.ttl {
		it.state = StateStale
	}
}

func (it *item) info() ItemInfo {
	info := ItemInfo{
		Key:          it.key,
		State:        it.state,
		Priority:     it.priority,
		TTL:          it.ttl,
		Dependencies: append([]string(nil), it.deps...),
		CPUBound:     it.cpuBound,
		LastError:    it.lastErr,
		LastLoadedAt: it.lastLoadedAt,
		LoadCount:    it.loadCount,
	}
	if it.position != nil {
		p := *it.position
		info.Position = &p
	}
	return info
}
