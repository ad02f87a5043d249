package query

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/pkg/errors"
)

// BatchFunc executes one batch. It must return one result per key, in key
// order.
type BatchFunc[K any, R any] func(ctx context.Context, batchKey string, keys []K) ([]R, error)

// BatchConfig bounds a batch by size and by wait time.
type BatchConfig struct {
	MaxBatchSize int
	MaxWaitTime  time.Duration
}

type outcome[R any] struct {
	value R
	err   error
}

type call[K any, R any] struct {
	key  K
	done chan outcome[R]
}

type pendingBatch[K any, R any] struct {
	key   string
	calls []call[K, R]
	timer *time.Timer
	start time.Time
}

// BatchExecutor coalesces calls that share a batch key into one BatchFunc
// invocation. A batch runs when it reaches MaxBatchSize or MaxWaitTime after
// its first call, whichever comes first.
type BatchExecutor[K any, R any] struct {
	cfg    BatchConfig
	fn     BatchFunc[K, R]
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingBatch[K, R]
	stopped bool
	// inflight counts detached batches that have not finished; idle is
	// signalled on b.mu when it drops to zero.
	inflight int
	idle     *sync.Cond

	submitted   atomic.Int64
	batches     atomic.Int64
	batched     atomic.Int64
	failures    atomic.Int64
	sizeFlushes atomic.Int64
	timerFlush  atomic.Int64
	waitNs      atomic.Int64
}

// NewBatchExecutor creates an executor around fn.
func NewBatchExecutor[K any, R any](cfg BatchConfig, fn BatchFunc[K, R], logger *zap.Logger) *BatchExecutor[K, R] {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = 10 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &BatchExecutor[K, R]{
		cfg:     cfg,
		fn:      fn,
		logger:  logger.Named("batch"),
		pending: make(map[string]*pendingBatch[K, R]),
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Submit adds key to the pending batch for batchKey and waits for its
// result. When ctx ends first the caller stops waiting; the batch still runs.
func (b *BatchExecutor[K, R]) Submit(ctx context.Context, batchKey string, key K) (R, error) {
	var zero R
	done := make(chan outcome[R], 1)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return zero, errors.NewNotStarted("batch_executor")
	}
	pb, ok := b.pending[batchKey]
	if !ok {
		pb = &pendingBatch[K, R]{key: batchKey, start: time.Now()}
		b.pending[batchKey] = pb
		pb.timer = time.AfterFunc(b.cfg.MaxWaitTime, func() { b.flushOnTimer(pb) })
	}
	pb.calls = append(pb.calls, call[K, R]{key: key, done: done})
	b.submitted.Add(1)

	var full *pendingBatch[K, R]
	if len(pb.calls) >= b.cfg.MaxBatchSize {
		full = b.detach(pb)
		b.sizeFlushes.Add(1)
	}
	b.mu.Unlock()

	if full != nil {
		b.launch(full)
	}

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		if stderr.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, errors.NewTimeout("batch.wait", time.Since(pb.start), ctx.Err())
		}
		return zero, ctx.Err()
	}
}

// detach removes pb from the pending set. Caller holds b.mu. Returns nil when
// pb was already flushed.
func (b *BatchExecutor[K, R]) detach(pb *pendingBatch[K, R]) *pendingBatch[K, R] {
	if b.pending[pb.key] != pb {
		return nil
	}
	delete(b.pending, pb.key)
	pb.timer.Stop()
	b.inflight++
	return pb
}

func (b *BatchExecutor[K, R]) finish() {
	b.mu.Lock()
	b.inflight--
	if b.inflight == 0 {
		b.idle.Broadcast()
	}
	b.mu.Unlock()
}

func (b *BatchExecutor[K, R]) flushOnTimer(pb *pendingBatch[K, R]) {
	b.mu.Lock()
	ready := b.detach(pb)
	b.mu.Unlock()
	if ready != nil {
		b.timerFlush.Add(1)
		b.execute(ready)
	}
}

func (b *BatchExecutor[K, R]) launch(pb *pendingBatch[K, R]) {
	go b.execute(pb)
}

func (b *BatchExecutor[K, R]) execute(pb *pendingBatch[K, R]) {
	defer b.finish()

	batchID := uuid.New().String()
	keys := make([]K, len(pb.calls))
	for i, c := range pb.calls {
		keys[i] = c.key
	}

	b.batches.Add(1)
	b.batched.Add(int64(len(keys)))
	b.waitNs.Add(int64(time.Since(pb.start)))

	results, err := b.run(pb.key, keys)
	if err == nil && len(results) != len(keys) {
		err = errors.NewInternal("batch.execute", fmt.Errorf("batch returned %d results for %d keys", len(results), len(keys)))
	}
	if err != nil {
		b.failures.Add(1)
		b.logger.Warn("batch failed",
			zap.String("batch_id", batchID),
			zap.String("batch_key", pb.key),
			zap.Int("size", len(keys)),
			zap.Error(err))
		for _, c := range pb.calls {
			c.done <- outcome[R]{err: err}
		}
		return
	}

	b.logger.Debug("batch executed",
		zap.String("batch_id", batchID),
		zap.String("batch_key", pb.key),
		zap.Int("size", len(keys)))
	for i, c := range pb.calls {
		c.done <- outcome[R]{value: results[i]}
	}
}

func (b *BatchExecutor[K, R]) run(batchKey string, keys []K) (results []R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewPanicRecovered("batch."+batchKey, r)
		}
	}()
	results, err = b.fn(context.Background(), batchKey, keys)
	if err != nil {
		err = errors.NewUpstreamFailure("batch.execute", batchKey, err)
	}
	return results, err
}

// Flush runs every pending batch now and waits until no batch is running,
// including batches detached by concurrent submissions meanwhile.
func (b *BatchExecutor[K, R]) Flush() {
	b.mu.Lock()
	var ready []*pendingBatch[K, R]
	for _, pb := range b.pending {
		if d := b.detach(pb); d != nil {
			ready = append(ready, d)
		}
	}
	b.mu.Unlock()

	for _, pb := range ready {
		b.launch(pb)
	}

	b.mu.Lock()
	for b.inflight > 0 {
		b.idle.Wait()
	}
	b.mu.Unlock()
}

// SetMaxWaitTime changes the window of batches opened from now on.
func (b *BatchExecutor[K, R]) SetMaxWaitTime(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.cfg.MaxWaitTime = d
	b.mu.Unlock()
}

// Stop rejects further submissions and flushes what is pending.
func (b *BatchExecutor[K, R]) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.Flush()
}

// Statistics implements types.StatsProvider.
func (b *BatchExecutor[K, R]) Statistics() map[string]float64 {
	batches := b.batches.Load()
	avgSize, avgWait := 0.0, 0.0
	if batches > 0 {
		avgSize = float64(b.batched.Load()) / float64(batches)
		avgWait = float64(b.waitNs.Load()) / float64(batches) / float64(time.Millisecond)
	}

	b.mu.Lock()
	pending := 0
	for _, pb := range b.pending {
		pending += len(pb.calls)
	}
	b.mu.Unlock()

	return map[string]float64{
		"submitted":          float64(b.submitted.Load()),
		"batches":            float64(batches),
		"failures":           float64(b.failures.Load()),
		"size_flushes":       float64(b.sizeFlushes.Load()),
		"timer_flushes":      float64(b.timerFlush.Load()),
		"average_batch_size": avgSize,
		"average_wait_ms":    avgWait,
		"pending":            float64(pending),
	}
}
