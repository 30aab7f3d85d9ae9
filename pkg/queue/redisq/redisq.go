// Package redisq is a reliable Redis list queue. Workers move each payload
// into a processing list while handling it, so a crashed worker's tasks can be
// recovered with Recover.
package redisq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wilhg/footprint/internal/metrics"
	"github.com/wilhg/footprint/pkg/queue"
)

// Queue implements queue.Enqueuer and queue.Consumer over three lists:
// <name>, <name>:processing and <name>:dead.
type Queue struct {
	rdb         redis.UniversalClient
	key         string
	processing  string
	dead        string
	workers     int
	maxAttempts int
	poll        time.Duration
	log         *zap.Logger
}

var (
	_ queue.Enqueuer = (*Queue)(nil)
	_ queue.Consumer = (*Queue)(nil)
)

// Option configures a Queue.
type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithPollTimeout bounds each blocking pop, and so how quickly Run notices cancellation.
func WithPollTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// New returns a queue named name on rdb.
func New(rdb redis.UniversalClient, name string, opts ...Option) *Queue {
	if name == "" {
		name = "footprint:tasks"
	}
	q := &Queue{
		rdb:         rdb,
		key:         name,
		processing:  name + ":processing",
		dead:        name + ":dead",
		workers:     2,
		maxAttempts: 3,
		poll:        time.Second,
		log:         zap.NewNop(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue pushes t onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, t queue.Task) error {
	b, err := queue.Encode(t)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.key, b).Err()
}

// Len returns the number of pending tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) { return q.rdb.LLen(ctx, q.key).Result() }

// Dead returns the raw dead-lettered payloads.
func (q *Queue) Dead(ctx context.Context) ([]string, error) {
	return q.rdb.LRange(ctx, q.dead, 0, -1).Result()
}

// Recover moves tasks left in the processing list back to pending. Call it
// before Run when no other consumer is active.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.RPopLPush(ctx, q.processing, q.key).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Run consumes with the configured number of workers until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, h queue.Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, h)
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) work(ctx context.Context, h queue.Handler) {
	for ctx.Err() == nil {
		raw, err := q.rdb.BRPopLPush(ctx, q.key, q.processing, q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("redis pop failed", zap.Error(err))
			select {
			case <-time.After(q.poll):
			case <-ctx.Done():
				return
			}
			continue
		}
		q.process(ctx, h, raw)
	}
}

func (q *Queue) process(ctx context.Context, h queue.Handler, raw string) {
	// Acknowledgement must not be lost to a cancelled ctx.
	ack := context.WithoutCancel(ctx)
	t, err := queue.Decode([]byte(raw))
	if err != nil {
		q.log.Error("dropping malformed task", zap.Error(err))
		q.move(ack, raw, q.dead, raw)
		metrics.TasksProcessed.WithLabelValues("redis", "dead").Inc()
		return
	}
	err = h.Handle(ctx, t)
	if err == nil {
		if err := q.rdb.LRem(ack, q.processing, 1, raw).Err(); err != nil {
			q.log.Warn("redis ack failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		metrics.TasksProcessed.WithLabelValues("redis", "ok").Inc()
		return
	}
	t.Attempt++
	log := q.log.With(zap.String("task_id", t.ID), zap.Int("attempt", t.Attempt), zap.Error(err))
	if t.Attempt >= q.maxAttempts || errors.Is(err, queue.ErrMalformed) {
		log.Error("task failed permanently")
		q.move(ack, raw, q.dead, raw)
		metrics.TasksProcessed.WithLabelValues("redis", "dead").Inc()
		return
	}
	log.Warn("task failed, retrying")
	next, encErr := queue.Encode(t)
	if encErr != nil {
		q.move(ack, raw, q.dead, raw)
		return
	}
	q.move(ack, raw, q.key, string(next))
	metrics.TasksProcessed.WithLabelValues("redis", "retry").Inc()
}

// move atomically removes raw from processing and pushes payload onto dest.
func (q *Queue) move(ctx context.Context, raw, dest, payload string) {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, raw)
		p.LPush(ctx, dest, payload)
		return nil
	})
	if err != nil {
		q.log.Error("redis move failed", zap.String("dest", dest), zap.Error(err))
	}
}
