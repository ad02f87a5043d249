package resource

import (
	"context"
	stderr "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type closer struct {
	closed bool
	err    error
}

func (c *closer) Close() error {
	c.closed = true
	return c.err
}

func testConfig() config.ResourcesConfig {
	return config.ResourcesConfig{
		MaxCPUPercent:   80,
		MaxMemoryMB:     100,
		MaxThreads:      4,
		MaxConnections:  2,
		MaxWaitTime:     20 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
		IdleTimeout:     time.Minute,
		HistorySize:     10,
	}
}

func TestAllocateAndRelease(t *testing.T) {
	m := NewThreadManager(4, time.Minute)

	require.NoError(t, m.Allocate(context.Background(), 3, 0))
	u := m.Usage()
	assert.Equal(t, int64(3), u.CurrentValue)
	assert.InDelta(t, 75.0, u.Percentage, 1e-9)
	assert.False(t, u.IsWarning())

	err := m.Allocate(context.Background(), 2, 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsCapacityExceeded(err))
	assert.Equal(t, int64(3), m.Usage().CurrentValue, "a denied request grants nothing")

	m.Release(3)
	assert.Equal(t, int64(0), m.Usage().CurrentValue)
	m.Release(5)
	assert.Equal(t, int64(0), m.Usage().CurrentValue)
}

func TestAllocateRejectsBadAmounts(t *testing.T) {
	m := NewConnectionManager(2, time.Minute)

	assert.True(t, errors.IsValidation(m.Allocate(context.Background(), 0, 0)))
	assert.True(t, errors.IsCapacityExceeded(m.Allocate(context.Background(), 3, time.Second)))
}

func TestAllocateWaitsForRelease(t *testing.T) {
	m := NewMemoryManager(10, 5)
	require.NoError(t, m.Allocate(context.Background(), 10, 0))

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Release(4)
	}()
	require.NoError(t, m.Allocate(context.Background(), 4, time.Second))
	assert.Equal(t, int64(10), m.Usage().CurrentValue)
}

func TestAllocateHonoursCallerCancel(t *testing.T) {
	m := NewThreadManager(1, time.Minute)
	require.NoError(t, m.Allocate(context.Background(), 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Allocate(ctx, 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAllocateBatchIsAtomic(t *testing.T) {
	g := NewGlobalManager(testConfig(), nil)
	before := g.UsageSnapshot()

	// Threads cannot grant 10 slots, so the CPU grant must be undone.
	err := g.AllocateBatch(context.Background(), []types.ResourceRequest{
		{ResourceType: types.ResourceCPU, Amount: 20},
		{ResourceType: types.ResourceThreads, Amount: 10},
		{ResourceType: types.ResourceMemory, Amount: 10},
	})
	require.Error(t, err)
	assert.True(t, errors.IsCapacityExceeded(err))

	after := g.UsageSnapshot()
	for _, rt := range []types.ResourceType{types.ResourceCPU, types.ResourceThreads, types.ResourceMemory} {
		assert.Equal(t, before[rt].CurrentValue, after[rt].CurrentValue, string(rt))
	}
	assert.Equal(t, float64(1), g.Statistics()["rollbacks"])
}

func TestAllocateBatchUnknownTypeRollsBack(t *testing.T) {
	g := NewGlobalManager(testConfig(), nil)

	err := g.AllocateBatch(context.Background(), []types.ResourceRequest{
		{ResourceType: types.ResourceConnections, Amount: 1},
		{ResourceType: "gpu", Amount: 1},
	})
	assert.True(t, errors.IsCapacityExceeded(err))
	assert.Equal(t, int64(0), g.Connections().Usage().CurrentValue)
}

func TestAllocateBatchSuccess(t *testing.T) {
	g := NewGlobalManager(testConfig(), nil)
	reqs := []types.ResourceRequest{
		{ResourceType: types.ResourceCPU, Amount: 40},
		{ResourceType: types.ResourceConnections, Amount: 2},
	}

	require.NoError(t, g.AllocateBatch(context.Background(), reqs))
	assert.Equal(t, int64(40), g.CPU().Usage().CurrentValue)
	assert.Equal(t, int64(2), g.Connections().Usage().CurrentValue)

	g.ReleaseBatch(reqs)
	assert.Equal(t, int64(0), g.CPU().Usage().CurrentValue)
}

func TestQuotaOverridesConfiguredMax(t *testing.T) {
	cfg := testConfig()
	cfg.Quotas = []types.ResourceQuota{{ResourceType: types.ResourceThreads, MaxValue: 10, CriticalThreshold: 95}}
	g := NewGlobalManager(cfg, nil)

	assert.Equal(t, int64(10), g.Threads().Usage().MaxValue)
	q, ok := g.Quota(types.ResourceThreads)
	require.True(t, ok)
	assert.Equal(t, 95.0, q.CriticalThreshold)
	assert.Equal(t, types.DefaultWarningThreshold, q.WarningThreshold)
}

func TestThreadManagerShutsDownIdlePools(t *testing.T) {
	clock := newFakeClock()
	m := NewThreadManager(4, time.Minute, WithClock(clock))

	var shutdown []string
	require.NoError(t, m.RegisterPool("prefetch", func() error { shutdown = append(shutdown, "prefetch"); return nil }))
	require.NoError(t, m.RegisterPool("loader", func() error { shutdown = append(shutdown, "loader"); return nil }))

	clock.Advance(50 * time.Second)
	require.NoError(t, m.TouchPool("loader"))
	clock.Advance(20 * time.Second)

	report := m.Optimize(context.Background())
	assert.Equal(t, []string{"prefetch"}, shutdown)
	assert.Equal(t, int64(1), report.Reclaimed)
	assert.Equal(t, []string{"loader"}, m.Pools())
	assert.True(t, errors.IsNotFound(m.TouchPool("prefetch")))
}

func TestConnectionManagerClosesIdleConnections(t *testing.T) {
	clock := newFakeClock()
	m := NewConnectionManager(2, time.Minute, WithClock(clock))

	ok, bad := &closer{}, &closer{err: stderr.New("reset by peer")}
	require.NoError(t, m.RegisterConnection("a", ok))
	require.NoError(t, m.RegisterConnection("b", bad))
	clock.Advance(2 * time.Minute)

	report := m.Optimize(context.Background())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
	assert.Equal(t, int64(1), report.Reclaimed)
	assert.Equal(t, 1, report.Errors)
	assert.Empty(t, m.Connections())
}

func TestMemoryOptimizeRunsReclaimers(t *testing.T) {
	m := NewMemoryManager(100, 3)
	m.RegisterReclaimer("cache", func() int { return 7 })
	m.RegisterReclaimer("broken", func() int { panic("boom") })

	report := m.Optimize(context.Background())
	assert.Equal(t, int64(7), report.Reclaimed)
	assert.Equal(t, 1, report.Errors)
	assert.NotEmpty(t, report.Actions)

	for i := 0; i < 5; i++ {
		m.Sample()
	}
	assert.Len(t, m.Samples(), 3)
}

func TestCPUProbeFailureIsIgnored(t *testing.T) {
	m := NewCPUManager(80, func(context.Context) (float64, error) { return 0, stderr.New("no sensor") })
	report := m.Optimize(context.Background())
	assert.Equal(t, 1, report.Errors)

	good := NewCPUManager(80, func(context.Context) (float64, error) { return 42, nil })
	good.Optimize(context.Background())
	assert.Equal(t, 42.0, good.Statistics()["observed_percent"])
}

func TestCheckOnceRaisesAlertsAndOptimizes(t *testing.T) {
	clock := newFakeClock()
	g := NewGlobalManager(testConfig(), nil, WithClock(clock))

	var shutdown bool
	require.NoError(t, g.Threads().RegisterPool("idle", func() error { shutdown = true; return nil }))
	clock.Advance(2 * time.Minute)

	require.NoError(t, g.Allocate(context.Background(), types.ResourceRequest{ResourceType: types.ResourceThreads, Amount: 4}))
	require.NoError(t, g.Allocate(context.Background(), types.ResourceRequest{ResourceType: types.ResourceCPU, Amount: 68}))

	alerts := g.CheckOnce(context.Background())
	require.Len(t, alerts, 2)
	levels := map[types.ResourceType]AlertLevel{}
	for _, a := range alerts {
		levels[a.ResourceType] = a.Level
	}
	assert.Equal(t, AlertWarning, levels[types.ResourceCPU])
	assert.Equal(t, AlertCritical, levels[types.ResourceThreads])
	assert.True(t, shutdown, "critical thread usage triggers idle pool shutdown")
	assert.Len(t, g.Alerts(), 2)
	assert.Len(t, g.History(types.ResourceThreads), 1)
}

func TestMonitorLifecycle(t *testing.T) {
	g := NewGlobalManager(testConfig(), nil)
	require.NoError(t, g.Allocate(context.Background(), types.ResourceRequest{ResourceType: types.ResourceConnections, Amount: 2}))

	require.NoError(t, g.Start(context.Background()))
	err := g.Start(context.Background())
	assert.Equal(t, errors.ErrCodeAlreadyStarted, errors.Code(err))

	assert.Eventually(t, func() bool { return len(g.Alerts()) > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, g.Stop())
	require.NoError(t, g.Stop())
}

func TestCloseClosesTrackedMembers(t *testing.T) {
	g := NewGlobalManager(testConfig(), nil)
	conn := &closer{err: stderr.New("already closed")}
	require.NoError(t, g.Connections().RegisterConnection("db", conn))

	err := g.Close()
	assert.True(t, conn.closed)
	assert.Error(t, err)
}
