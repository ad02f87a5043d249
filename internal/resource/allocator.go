package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

// OptimizeReport lists what an Optimize pass did.
type OptimizeReport struct {
	ResourceType types.ResourceType `json:"resource_type"`
	Actions      []string           `json:"actions"`
	// Reclaimed counts the units freed: cache entries, pools or connections.
	Reclaimed int64 `json:"reclaimed"`
	Errors    int   `json:"errors"`
}

// Allocator grants and reclaims one resource type.
type Allocator interface {
	Type() types.ResourceType
	// Allocate waits up to maxWait for amount to be free. On timeout nothing
	// is granted and a CapacityExceeded error is returned.
	Allocate(ctx context.Context, amount int64, maxWait time.Duration) error
	Release(amount int64)
	Usage() types.ResourceUsage
	Optimize(ctx context.Context) OptimizeReport
}

// Option configures a manager.
type Option func(*options)

type options struct {
	logger *zap.Logger
	clock  types.Clock
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func applyOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), clock: wallClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = wallClock{}
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source used for idle tracking and samples.
func WithClock(clock types.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// capacity is the weighted semaphore shared by every allocator.
type capacity struct {
	rt    types.ResourceType
	max   int64
	sem   *semaphore.Weighted
	clock types.Clock

	mu   sync.Mutex
	used int64

	granted  atomic.Int64
	denied   atomic.Int64
	released atomic.Int64
	waitNs   atomic.Int64
}

func newCapacity(rt types.ResourceType, max int64, clock types.Clock) *capacity {
	if max < 1 {
		max = 1
	}
	return &capacity{rt: rt, max: max, sem: semaphore.NewWeighted(max), clock: clock}
}

func (c *capacity) Type() types.ResourceType { return c.rt }

func (c *capacity) Allocate(ctx context.Context, amount int64, maxWait time.Duration) error {
	if amount <= 0 {
		return errors.NewValidation("amount", "must be positive")
	}
	if amount > c.max {
		c.denied.Add(1)
		return errors.NewCapacityExceeded(string(c.rt), amount, c.available())
	}

	start := time.Now()
	if maxWait <= 0 {
		if !c.sem.TryAcquire(amount) {
			c.denied.Add(1)
			return errors.NewCapacityExceeded(string(c.rt), amount, c.available())
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, maxWait)
		err := c.sem.Acquire(waitCtx, amount)
		cancel()
		if err != nil {
			c.denied.Add(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.NewCapacityExceeded(string(c.rt), amount, c.available())
		}
	}
	c.waitNs.Add(int64(time.Since(start)))

	c.mu.Lock()
	c.used += amount
	c.mu.Unlock()
	c.granted.Add(1)
	return nil
}

// Release returns capacity. Releasing more than is held releases what is held.
func (c *capacity) Release(amount int64) {
	c.mu.Lock()
	if amount > c.used {
		amount = c.used
	}
	c.used -= amount
	c.mu.Unlock()

	if amount > 0 {
		c.sem.Release(amount)
		c.released.Add(1)
	}
}

func (c *capacity) available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max - c.used
}

func (c *capacity) Usage() types.ResourceUsage {
	c.mu.Lock()
	used := c.used
	c.mu.Unlock()
	return types.NewResourceUsage(c.rt, used, c.max, c.clock.Now())
}

func (c *capacity) Statistics() map[string]float64 {
	u := c.Usage()
	granted := c.granted.Load()
	avgWait := 0.0
	if granted > 0 {
		avgWait = float64(c.waitNs.Load()) / float64(granted) / float64(time.Millisecond)
	}
	return map[string]float64{
		"current":     float64(u.CurrentValue),
		"max":         float64(u.MaxValue),
		"percentage":  u.Percentage,
		"granted":     float64(granted),
		"denied":      float64(c.denied.Load()),
		"released":    float64(c.released.Load()),
		"avg_wait_ms": avgWait,
	}
}
