package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/wessley-qa/pkg/metrics"
)

// ErrRunnerClosed is returned by Close on a runner that was already closed.
var ErrRunnerClosed = errors.New("qa: runner closed")

// cancelGrace bounds how long Close waits for cancelled tasks to return.
const cancelGrace = time.Second

// Task is background work executed after a response is returned.
type Task func(ctx context.Context) error

type job struct {
	name string
	task Task
}

// Runner executes background tasks on a fixed worker pool with a bounded
// queue. Submit never blocks; when the queue is full the task is dropped.
type Runner struct {
	queue   chan job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRunner starts workers goroutines draining a queue of the given size.
func NewRunner(workers, queue int, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		queue:   make(chan job, queue),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: m,
	}
	r.wg.Add(workers)
	for range workers {
		go r.work()
	}
	return r
}

// Submit enqueues task and reports whether it was accepted.
func (r *Runner) Submit(name string, task Task) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(name, "closed")
		return false
	}
	n := r.pending.Add(1)
	select {
	case r.queue <- job{name: name, task: task}:
		r.metrics.QueueDepth(int(n))
		return true
	default:
		r.pending.Add(-1)
		r.drop(name, "queue full")
		return false
	}
}

func (r *Runner) drop(name, reason string) {
	r.metrics.TaskDropped()
	r.logger.Warn("qa: background task dropped", "task", name, "reason", reason)
}

func (r *Runner) work() {
	defer r.wg.Done()
	for j := range r.queue {
		r.metrics.QueueDepth(int(r.pending.Add(-1)))
		if r.ctx.Err() != nil {
			r.drop(j.name, "shutdown")
			continue
		}
		r.exec(j)
	}
}

func (r *Runner) exec(j job) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("qa: background task panicked", "task", j.name, "panic", fmt.Sprint(p))
		}
	}()
	if err := j.task(r.ctx); err != nil {
		r.logger.Warn("qa: background task failed", "task", j.name, "err", err)
	}
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks are cancelled, tasks still queued are dropped
// without starting, and ctx's error is returned once the workers have exited
// or cancelGrace has passed.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		select {
		case <-done:
		case <-time.After(cancelGrace):
			r.logger.Warn("qa: background tasks ignored cancellation", "pending", r.pending.Load())
		}
		return ctx.Err()
	}
}
