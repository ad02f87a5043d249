package resource

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

// CPUProbe reports observed CPU utilization in percent.
type CPUProbe func(ctx context.Context) (float64, error)

// CPUManager reserves shares of CPU in percent.
type CPUManager struct {
	*capacity

	probe  CPUProbe
	logger *zap.Logger

	lastObserved float64
}

// NewCPUManager creates a CPU manager capped at maxPercent. probe may be nil.
func NewCPUManager(maxPercent int64, probe CPUProbe, opts ...Option) *CPUManager {
	o := applyOptions(opts)
	if maxPercent > 100 {
		maxPercent = 100
	}
	return &CPUManager{
		capacity: newCapacity(types.ResourceCPU, maxPercent, o.clock),
		probe:    probe,
		logger:   o.logger.Named("cpu"),
	}
}

// Optimize samples the probe. A failing probe is logged and ignored.
func (m *CPUManager) Optimize(ctx context.Context) OptimizeReport {
	report := OptimizeReport{ResourceType: types.ResourceCPU}
	report.Actions = append(report.Actions, fmt.Sprintf("goroutines=%d gomaxprocs=%d", runtime.NumGoroutine(), runtime.GOMAXPROCS(0)))

	if m.probe == nil {
		return report
	}
	observed, err := m.safeProbe(ctx)
	if err != nil {
		report.Errors++
		m.logger.Warn("cpu probe failed", zap.Error(err))
		return report
	}
	m.capacity.mu.Lock()
	m.lastObserved = observed
	m.capacity.mu.Unlock()
	report.Actions = append(report.Actions, fmt.Sprintf("observed cpu %.1f%%", observed))
	return report
}

func (m *CPUManager) safeProbe(ctx context.Context) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewPanicRecovered("cpu.probe", r)
		}
	}()
	return m.probe(ctx)
}

// Statistics implements types.StatsProvider.
func (m *CPUManager) Statistics() map[string]float64 {
	stats := m.capacity.Statistics()
	m.capacity.mu.Lock()
	stats["observed_percent"] = m.lastObserved
	m.capacity.mu.Unlock()
	return stats
}
