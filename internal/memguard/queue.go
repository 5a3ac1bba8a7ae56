package memguard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSafeThreshold caps admission at 70% of the configured heap limit.
	DefaultSafeThreshold = 0.70

	// DefaultReserveBytes is held back above the safe threshold headroom.
	DefaultReserveBytes = 384 * 1024 * 1024 // within the 256-512MB band

	// DefaultCheckInterval is how long admission waits before rechecking
	// memory pressure.
	DefaultCheckInterval = 200 * time.Millisecond

	// DefaultMinConcurrency is always admitted even under pressure, so small
	// jobs keep making progress (fail-forward) instead of deadlocking.
	DefaultMinConcurrency = 2
)

// QueueConfig configures a MemoryAwareQueue's admission rule.
type QueueConfig struct {
	Monitor        *MemoryMonitor
	SafeThreshold  float64       // fraction of HeapLimit, e.g. 0.70
	ReserveBytes   uint64        // held back above SafeThreshold
	CheckInterval  time.Duration // backoff between admission rechecks
	MinConcurrency int           // always-admitted floor
}

func (c *QueueConfig) setDefaults() {
	if c.SafeThreshold <= 0 {
		c.SafeThreshold = DefaultSafeThreshold
	}
	if c.ReserveBytes == 0 {
		c.ReserveBytes = DefaultReserveBytes
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = DefaultMinConcurrency
	}
}

// MemoryAwareQueue is the single source of truth for concurrent-work
// admission (§5): no other component self-limits concurrency. Tasks report
// an estimated memory footprint; admission is granted iff
// heap_used + estimate + reserve < safe_threshold * heap_limit, except that
// MinConcurrency tasks are always let through regardless of pressure.
type MemoryAwareQueue struct {
	cfg QueueConfig

	mu      sync.Mutex
	running int
}

// NewMemoryAwareQueue builds a queue against the given config, filling in
// the §5 defaults for any zero fields.
func NewMemoryAwareQueue(cfg QueueConfig) *MemoryAwareQueue {
	cfg.setDefaults()
	return &MemoryAwareQueue{cfg: cfg}
}

// Task is a unit of admitted work: Estimate is the task's projected memory
// footprint in bytes, used only for the admission decision, not enforced.
type Task struct {
	Estimate uint64
	Run      func(ctx context.Context) error
}

// Run admits and executes tasks concurrently, respecting the memory
// admission rule, and returns the first error encountered (if any), exactly
// like errgroup.Group.Wait. A worker failure marks that task failed and
// frees its accounted memory; siblings continue running.
func (q *MemoryAwareQueue) Run(ctx context.Context, tasks []Task) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, t := range tasks {
		t := t
		if err := q.admit(ctx, t.Estimate); err != nil {
			return err
		}

		q.mu.Lock()
		q.running++
		q.mu.Unlock()

		g.Go(func() error {
			defer func() {
				q.mu.Lock()
				q.running--
				q.mu.Unlock()
			}()
			return t.Run(ctx)
		})
	}

	return g.Wait()
}

// admit blocks until the task can be admitted under the memory rule, or the
// context is cancelled.
func (q *MemoryAwareQueue) admit(ctx context.Context, estimate uint64) error {
	for {
		q.mu.Lock()
		running := q.running
		q.mu.Unlock()

		if running < q.cfg.MinConcurrency {
			return nil
		}

		if q.cfg.Monitor == nil {
			return nil
		}

		stats := q.cfg.Monitor.Stats()
		safeLimit := uint64(float64(stats.HeapLimit) * q.cfg.SafeThreshold)
		if stats.HeapLimit == 0 || stats.HeapUsed+estimate+q.cfg.ReserveBytes < safeLimit {
			return nil
		}

		q.cfg.Monitor.ApplyBackpressure()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.cfg.CheckInterval):
		}
	}
}
