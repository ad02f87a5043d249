package resource

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

type tracked struct {
	name     string
	lastUsed time.Time
	close    func() error
}

// idleSet tracks named members and closes those unused for longer than the
// idle timeout.
type idleSet struct {
	kind    string
	timeout time.Duration
	clock   types.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	members map[string]*tracked
	closed  int64
}

func newIdleSet(kind string, timeout time.Duration, clock types.Clock, logger *zap.Logger) *idleSet {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &idleSet{kind: kind, timeout: timeout, clock: clock, logger: logger, members: make(map[string]*tracked)}
}

func (s *idleSet) register(name string, closeFn func() error) error {
	if closeFn == nil {
		return errors.NewValidation(s.kind, "close function is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[name] = &tracked{name: name, lastUsed: s.clock.Now(), close: closeFn}
	return nil
}

func (s *idleSet) touch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[name]
	if !ok {
		return errors.NewNotFound(s.kind, name)
	}
	m.lastUsed = s.clock.Now()
	return nil
}

func (s *idleSet) remove(name string) bool {
	_, ok := s.take(name)
	return ok
}

func (s *idleSet) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.members))
	for name := range s.members {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// closeIdle removes idle members under the lock and closes them after it is
// released.
func (s *idleSet) closeIdle(ctx context.Context, rt types.ResourceType, verb string) OptimizeReport {
	report := OptimizeReport{ResourceType: rt}
	now := s.clock.Now()

	s.mu.Lock()
	var idle []*tracked
	for name, m := range s.members {
		if now.Sub(m.lastUsed) > s.timeout {
			idle = append(idle, m)
			delete(s.members, name)
		}
	}
	s.mu.Unlock()

	sort.Slice(idle, func(i, j int) bool { return idle[i].name < idle[j].name })

	var errs error
	for _, m := range idle {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		if err := m.close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", s.kind, m.name, err))
			report.Errors++
			continue
		}
		report.Reclaimed++
		report.Actions = append(report.Actions, fmt.Sprintf("%s idle %s %s", verb, s.kind, m.name))
	}

	s.mu.Lock()
	s.closed += report.Reclaimed
	s.mu.Unlock()

	if errs != nil {
		s.logger.Warn("idle cleanup incomplete", zap.String("kind", s.kind), zap.Error(errs))
	}
	return report
}

func (s *idleSet) stats() (members int, closed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members), s.closed
}

// ThreadManager reserves worker slots and shuts down idle worker pools.
type ThreadManager struct {
	*capacity
	pools *idleSet
}

// NewThreadManager creates a thread manager with maxThreads slots.
func NewThreadManager(maxThreads int64, idleTimeout time.Duration, opts ...Option) *ThreadManager {
	o := applyOptions(opts)
	return &ThreadManager{
		capacity: newCapacity(types.ResourceThreads, maxThreads, o.clock),
		pools:    newIdleSet("pool", idleTimeout, o.clock, o.logger.Named("threads")),
	}
}

// RegisterPool tracks a named pool; shutdown is called when it goes idle.
func (m *ThreadManager) RegisterPool(name string, shutdown func() error) error {
	return m.pools.register(name, shutdown)
}

// TouchPool marks a pool as used now.
func (m *ThreadManager) TouchPool(name string) error { return m.pools.touch(name) }

// UnregisterPool stops tracking a pool without shutting it down.
func (m *ThreadManager) UnregisterPool(name string) bool { return m.pools.remove(name) }

// Pools lists tracked pools.
func (m *ThreadManager) Pools() []string { return m.pools.names() }

// Optimize shuts down pools idle past the idle timeout.
func (m *ThreadManager) Optimize(ctx context.Context) OptimizeReport {
	return m.pools.closeIdle(ctx, types.ResourceThreads, "shut down")
}

// Statistics implements types.StatsProvider.
func (m *ThreadManager) Statistics() map[string]float64 {
	stats := m.capacity.Statistics()
	n, closed := m.pools.stats()
	stats["pools"] = float64(n)
	stats["pools_shut_down"] = float64(closed)
	return stats
}

// ConnectionManager reserves connection slots and closes idle connections.
type ConnectionManager struct {
	*capacity
	conns *idleSet
}

// NewConnectionManager creates a connection manager with maxConnections slots.
func NewConnectionManager(maxConnections int64, idleTimeout time.Duration, opts ...Option) *ConnectionManager {
	o := applyOptions(opts)
	return &ConnectionManager{
		capacity: newCapacity(types.ResourceConnections, maxConnections, o.clock),
		conns:    newIdleSet("connection", idleTimeout, o.clock, o.logger.Named("connections")),
	}
}

// RegisterConnection tracks a named connection.
func (m *ConnectionManager) RegisterConnection(name string, conn io.Closer) error {
	if conn == nil {
		return errors.NewValidation("connection", "closer is required")
	}
	return m.conns.register(name, conn.Close)
}

// TouchConnection marks a connection as used now.
func (m *ConnectionManager) TouchConnection(name string) error { return m.conns.touch(name) }

// Connections lists tracked connections.
func (m *ConnectionManager) Connections() []string { return m.conns.names() }

// Optimize closes connections idle past the idle timeout.
func (m *ConnectionManager) Optimize(ctx context.Context) OptimizeReport {
	return m.conns.closeIdle(ctx, types.ResourceConnections, "closed")
}

// Statistics implements types.StatsProvider.
func (m *ConnectionManager) Statistics() map[string]float64 {
	stats := m.capacity.Statistics()
	n, closed := m.conns.stats()
	stats["connections"] = float64(n)
	stats["connections_closed"] = float64(closed)
	return stats
}

func (s *idleSet) take(name string) (*tracked, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[name]
	if ok {
		delete(s.members, name)
	}
	return m, ok
}
