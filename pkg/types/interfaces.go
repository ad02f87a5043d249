package types

import "time"

// StatsProvider is implemented by every component that exports statistics.
type StatsProvider interface {
	// Statistics returns flat counters and ratios keyed by metric name.
	Statistics() map[string]float64
}

// StatsFunc adapts a function to StatsProvider.
type StatsFunc func() map[string]float64

// Statistics implements StatsProvider.
func (f StatsFunc) Statistics() map[string]float64 { return f() }

// Clock supplies the current time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}
