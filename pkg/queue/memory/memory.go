// Package memory is an in-process task queue backed by a bounded worker pool.
// Tasks pass through the wire codec so handlers see exactly what a broker
// would deliver. Intended for development, tests and single-node deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wilhg/footprint/internal/metrics"
	"github.com/wilhg/footprint/pkg/queue"
)

// Queue implements queue.Enqueuer and queue.Consumer.
type Queue struct {
	pool        *pool[[]byte]
	workers     int
	maxAttempts int
	log         *zap.Logger

	mu   sync.Mutex
	dead [][]byte
}

var (
	_ queue.Enqueuer = (*Queue)(nil)
	_ queue.Consumer = (*Queue)(nil)
)

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the number of worker goroutines (default 4).
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithMaxAttempts bounds deliveries per task before dead-lettering (default 3).
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// New returns a queue holding up to capacity pending tasks.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &Queue{pool: newPool[[]byte](capacity), workers: 4, maxAttempts: 3, log: zap.NewNop()}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue submits t without blocking. It fails with queue.ErrFull when at capacity.
func (q *Queue) Enqueue(ctx context.Context, t queue.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := queue.Encode(t)
	if err != nil {
		return err
	}
	return q.submit(b)
}

func (q *Queue) submit(b []byte) error {
	ok, closed := q.pool.submit(b)
	switch {
	case closed:
		return queue.ErrClosed
	case !ok:
		return fmt.Errorf("%w: %d tasks pending", queue.ErrFull, q.Cap())
	}
	metrics.QueueDepth.WithLabelValues("memory").Set(float64(q.pool.size()))
	return nil
}

// Start launches the workers and returns immediately.
func (q *Queue) Start(ctx context.Context, h queue.Handler) {
	q.pool.start(ctx, q.workers, func(ctx context.Context, b []byte) {
		q.process(ctx, h, b)
	})
}

// Run starts the workers and blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, h queue.Handler) error {
	q.Start(ctx, h)
	<-ctx.Done()
	q.pool.wg.Wait()
	if n := q.pool.size(); n > 0 {
		q.log.Warn("memory queue stopped with pending tasks", zap.Int("pending", n))
	}
	return nil
}

// Drain stops accepting tasks, lets workers finish everything queued, and waits.
func (q *Queue) Drain() { q.pool.drain() }

// Len returns the number of pending tasks.
func (q *Queue) Len() int { return q.pool.size() }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.pool.capacity() }

// Pending decodes the tasks currently waiting, without removing them.
// Only meaningful before Start.
func (q *Queue) Pending() []queue.Task {
	q.pool.mu.RLock()
	defer q.pool.mu.RUnlock()
	if q.pool.closed {
		return nil
	}
	n := q.pool.size()
	out := make([]queue.Task, 0, n)
	for i := 0; i < n; i++ {
		select {
		case b := <-q.pool.queue:
			if t, err := queue.Decode(b); err == nil {
				out = append(out, t)
			}
			q.pool.queue <- b
		default:
			return out
		}
	}
	return out
}

// Dead returns tasks that exhausted their attempts or could not be decoded.
func (q *Queue) Dead() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *Queue) process(ctx context.Context, h queue.Handler, b []byte) {
	metrics.QueueDepth.WithLabelValues("memory").Set(float64(q.pool.size()))
	t, err := queue.Decode(b)
	if err != nil {
		q.log.Error("dropping malformed task", zap.Error(err))
		q.deadLetter(b)
		return
	}
	err = h.Handle(ctx, t)
	if err == nil {
		metrics.TasksProcessed.WithLabelValues("memory", "ok").Inc()
		return
	}
	t.Attempt++
	log := q.log.With(zap.String("task_id", t.ID), zap.Int("attempt", t.Attempt), zap.Error(err))
	if t.Attempt >= q.maxAttempts || errors.Is(err, queue.ErrMalformed) {
		metrics.TasksProcessed.WithLabelValues("memory", "dead").Inc()
		log.Error("task failed permanently")
		q.deadLetter(b)
		return
	}
	metrics.TasksProcessed.WithLabelValues("memory", "retry").Inc()
	log.Warn("task failed, retrying")
	nb, encErr := queue.Encode(t)
	if encErr != nil || q.submit(nb) != nil {
		log.Error("task could not be requeued")
		q.deadLetter(b)
	}
}

func (q *Queue) deadLetter(b []byte) {
	q.mu.Lock()
	q.dead = append(q.dead, b)
	q.mu.Unlock()
}
