package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

// AlertLevel grades a threshold crossing.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert records a quota threshold crossing seen by the monitor.
type Alert struct {
	ResourceType types.ResourceType `json:"resource_type"`
	Level        AlertLevel         `json:"level"`
	Percentage   float64            `json:"percentage"`
	Threshold    float64            `json:"threshold"`
	Timestamp    time.Time          `json:"timestamp"`
	Message      string             `json:"message"`
}

// GlobalManager owns one allocator per resource type.
type GlobalManager struct {
	cfg    config.ResourcesConfig
	logger *zap.Logger
	clock  types.Clock

	cpu         *CPUManager
	memory      *MemoryManager
	threads     *ThreadManager
	connections *ConnectionManager
	allocators  map[types.ResourceType]Allocator
	quotas      map[types.ResourceType]types.ResourceQuota

	mu        sync.Mutex
	alerts    []Alert
	history   map[types.ResourceType][]types.ResourceUsage
	optimized map[types.ResourceType]int64
	batches   int64
	rollbacks int64

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewGlobalManager builds the four managers from cfg. A quota's MaxValue,
// when set, overrides the matching Max* field. probe may be nil.
func NewGlobalManager(cfg config.ResourcesConfig, probe CPUProbe, opts ...Option) *GlobalManager {
	o := applyOptions(opts)
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = 5 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 15 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 60
	}

	quotas := map[types.ResourceType]types.ResourceQuota{
		types.ResourceCPU:         {ResourceType: types.ResourceCPU, MaxValue: cfg.MaxCPUPercent},
		types.ResourceMemory:      {ResourceType: types.ResourceMemory, MaxValue: cfg.MaxMemoryMB},
		types.ResourceThreads:     {ResourceType: types.ResourceThreads, MaxValue: cfg.MaxThreads},
		types.ResourceConnections: {ResourceType: types.ResourceConnections, MaxValue: cfg.MaxConnections},
	}
	for _, q := range cfg.Quotas {
		base := quotas[q.ResourceType]
		if q.MaxValue <= 0 {
			q.MaxValue = base.MaxValue
		}
		quotas[q.ResourceType] = q
	}
	for rt, q := range quotas {
		if q.WarningThreshold <= 0 {
			q.WarningThreshold = types.DefaultWarningThreshold
		}
		if q.CriticalThreshold <= 0 {
			q.CriticalThreshold = types.DefaultCriticalThreshold
		}
		quotas[rt] = q
	}

	g := &GlobalManager{
		cfg:         cfg,
		logger:      o.logger.Named("resources"),
		clock:       o.clock,
		cpu:         NewCPUManager(quotas[types.ResourceCPU].MaxValue, probe, opts...),
		memory:      NewMemoryManager(quotas[types.ResourceMemory].MaxValue, cfg.HistorySize, opts...),
		threads:     NewThreadManager(quotas[types.ResourceThreads].MaxValue, cfg.IdleTimeout, opts...),
		connections: NewConnectionManager(quotas[types.ResourceConnections].MaxValue, cfg.IdleTimeout, opts...),
		quotas:      quotas,
		history:     make(map[types.ResourceType][]types.ResourceUsage),
		optimized:   make(map[types.ResourceType]int64),
	}
	g.allocators = map[types.ResourceType]Allocator{
		types.ResourceCPU:         g.cpu,
		types.ResourceMemory:      g.memory,
		types.ResourceThreads:     g.threads,
		types.ResourceConnections: g.connections,
	}
	return g
}

// CPU returns the CPU manager.
func (g *GlobalManager) CPU() *CPUManager { return g.cpu }

// Memory returns the memory manager.
func (g *GlobalManager) Memory() *MemoryManager { return g.memory }

// Threads returns the thread manager.
func (g *GlobalManager) Threads() *ThreadManager { return g.threads }

// Connections returns the connection manager.
func (g *GlobalManager) Connections() *ConnectionManager { return g.connections }

// Allocator returns the allocator for rt.
func (g *GlobalManager) Allocator(rt types.ResourceType) (Allocator, error) {
	a, ok := g.allocators[rt]
	if !ok {
		return nil, errors.NewNotFound("resources", string(rt))
	}
	return a, nil
}

// Quota returns the effective quota for rt.
func (g *GlobalManager) Quota(rt types.ResourceType) (types.ResourceQuota, bool) {
	q, ok := g.quotas[rt]
	return q, ok
}

// Allocate grants one request, waiting up to the configured MaxWaitTime.
func (g *GlobalManager) Allocate(ctx context.Context, req types.ResourceRequest) error {
	a, err := g.Allocator(req.ResourceType)
	if err != nil {
		return err
	}
	return a.Allocate(ctx, req.Amount, g.cfg.MaxWaitTime)
}

// Release returns one grant.
func (g *GlobalManager) Release(req types.ResourceRequest) {
	if a, err := g.Allocator(req.ResourceType); err == nil {
		a.Release(req.Amount)
	}
}

// AllocateBatch grants every request or none. On the first failure every
// earlier grant in the batch is released and a CapacityExceeded error naming
// the failed request is returned.
func (g *GlobalManager) AllocateBatch(ctx context.Context, reqs []types.ResourceRequest) error {
	g.mu.Lock()
	g.batches++
	g.mu.Unlock()

	granted := make([]types.ResourceRequest, 0, len(reqs))
	for _, req := range reqs {
		err := g.Allocate(ctx, req)
		if err == nil {
			granted = append(granted, req)
			continue
		}

		for i := len(granted) - 1; i >= 0; i-- {
			g.Release(granted[i])
		}
		g.mu.Lock()
		g.rollbacks++
		g.mu.Unlock()

		g.logger.Info("batch allocation rolled back",
			zap.String("failed_type", string(req.ResourceType)),
			zap.Int64("amount", req.Amount),
			zap.Int("released", len(granted)),
			zap.Error(err))

		if errors.IsCapacityExceeded(err) {
			return err
		}
		available := int64(0)
		if a, lookupErr := g.Allocator(req.ResourceType); lookupErr == nil {
			u := a.Usage()
			available = u.MaxValue - u.CurrentValue
		}
		return errors.NewCapacityExceeded(string(req.ResourceType), req.Amount, available)
	}
	return nil
}

// ReleaseBatch returns every grant of a batch.
func (g *GlobalManager) ReleaseBatch(reqs []types.ResourceRequest) {
	for _, req := range reqs {
		g.Release(req)
	}
}

// UsageSnapshot returns the current usage of every resource type.
func (g *GlobalManager) UsageSnapshot() map[types.ResourceType]types.ResourceUsage {
	out := make(map[types.ResourceType]types.ResourceUsage, len(g.allocators))
	for rt, a := range g.allocators {
		out[rt] = a.Usage()
	}
	return out
}

// OptimizeAll runs every allocator's Optimize pass.
func (g *GlobalManager) OptimizeAll(ctx context.Context) []OptimizeReport {
	reports := make([]OptimizeReport, 0, len(g.allocators))
	for _, rt := range types.ResourceTypes() {
		reports = append(reports, g.optimize(ctx, rt))
	}
	return reports
}

func (g *GlobalManager) optimize(ctx context.Context, rt types.ResourceType) OptimizeReport {
	report := g.allocators[rt].Optimize(ctx)
	g.mu.Lock()
	g.optimized[rt]++
	g.mu.Unlock()
	return report
}

// Start launches the monitoring loop.
func (g *GlobalManager) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.cancel != nil {
		return errors.NewAlreadyStarted("resource_monitor")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	g.logger.Info("starting resource monitor", zap.Duration("interval", g.cfg.MonitorInterval))
	go g.monitorLoop(loopCtx, g.done)
	return nil
}

// Stop ends the monitoring loop and waits for it.
func (g *GlobalManager) Stop() error {
	g.lifecycleMu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.lifecycleMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	g.logger.Info("resource monitor stopped")
	return nil
}

func (g *GlobalManager) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.CheckOnce(ctx)
		}
	}
}

// CheckOnce samples every resource, records alerts for threshold crossings
// and optimizes any resource at or above its critical threshold.
func (g *GlobalManager) CheckOnce(ctx context.Context) []Alert {
	var raised []Alert
	g.memory.Sample()

	for _, rt := range types.ResourceTypes() {
		usage := g.allocators[rt].Usage()
		quota := g.quotas[rt]
		g.recordUsage(usage)

		level, threshold := AlertLevel(""), 0.0
		switch {
		case usage.Percentage >= quota.CriticalThreshold:
			level, threshold = AlertCritical, quota.CriticalThreshold
		case usage.Percentage >= quota.WarningThreshold:
			level, threshold = AlertWarning, quota.WarningThreshold
		default:
			continue
		}

		alert := Alert{
			ResourceType: rt,
			Level:        level,
			Percentage:   usage.Percentage,
			Threshold:    threshold,
			Timestamp:    usage.Timestamp,
			Message:      fmt.Sprintf("%s usage %.1f%% reached %s threshold %.1f%%", rt, usage.Percentage, level, threshold),
		}
		g.recordAlert(alert)
		raised = append(raised, alert)

		if level == AlertCritical {
			report := g.optimize(ctx, rt)
			g.logger.Warn("critical resource usage optimized",
				zap.String("resource", string(rt)),
				zap.Float64("percentage", usage.Percentage),
				zap.Int64("reclaimed", report.Reclaimed),
				zap.Strings("actions", report.Actions),
				zap.Bool("auto_scale", quota.AutoScale))
		} else {
			g.logger.Info("resource usage warning",
				zap.String("resource", string(rt)),
				zap.Float64("percentage", usage.Percentage))
		}
	}
	return raised
}

func (g *GlobalManager) recordUsage(u types.ResourceUsage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := append(g.history[u.ResourceType], u)
	if len(h) > g.cfg.HistorySize {
		h = h[len(h)-g.cfg.HistorySize:]
	}
	g.history[u.ResourceType] = h
}

func (g *GlobalManager) recordAlert(a Alert) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.alerts = append(g.alerts, a)
	if len(g.alerts) > g.cfg.HistorySize {
		g.alerts = g.alerts[len(g.alerts)-g.cfg.HistorySize:]
	}
}

// Alerts returns recorded alerts, oldest first.
func (g *GlobalManager) Alerts() []Alert {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Alert(nil), g.alerts...)
}

// History returns the recorded usage samples of rt, oldest first.
func (g *GlobalManager) History(rt types.ResourceType) []types.ResourceUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.ResourceUsage(nil), g.history[rt]...)
}

// Close stops monitoring and closes every tracked pool and connection.
func (g *GlobalManager) Close() error {
	err := g.Stop()
	for _, name := range g.threads.Pools() {
		if m, ok := g.threads.pools.take(name); ok {
			err = multierr.Append(err, m.close())
		}
	}
	for _, name := range g.connections.Connections() {
		if m, ok := g.connections.conns.take(name); ok {
			err = multierr.Append(err, m.close())
		}
	}
	return err
}

// Statistics implements types.StatsProvider.
func (g *GlobalManager) Statistics() map[string]float64 {
	stats := make(map[string]float64)
	add := func(prefix string, sp types.StatsProvider) {
		for k, v := range sp.Statistics() {
			stats[prefix+"_"+k] = v
		}
	}
	add(string(types.ResourceCPU), g.cpu)
	add(string(types.ResourceMemory), g.memory)
	add(string(types.ResourceThreads), g.threads)
	add(string(types.ResourceConnections), g.connections)

	g.mu.Lock()
	stats["alerts"] = float64(len(g.alerts))
	stats["batches"] = float64(g.batches)
	stats["rollbacks"] = float64(g.rollbacks)
	for rt, n := range g.optimized {
		stats[string(rt)+"_optimize_runs"] = float64(n)
	}
	g.mu.Unlock()
	return stats
}
