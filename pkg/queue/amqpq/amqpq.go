// Package amqpq publishes and consumes deferred tasks on a durable RabbitMQ
// queue with a dead-letter exchange.
package amqpq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/wilhg/footprint/internal/metrics"
	"github.com/wilhg/footprint/pkg/queue"
)

const attemptsHeader = "x-footprint-attempts"

// Queue implements queue.Enqueuer and queue.Consumer.
type Queue struct {
	conn        *amqp.Connection
	name        string
	prefetch    int
	maxAttempts int
	log         *zap.Logger

	mu  sync.Mutex
	pub *amqp.Channel
}

var (
	_ queue.Enqueuer = (*Queue)(nil)
	_ queue.Consumer = (*Queue)(nil)
)

// Option configures a Queue.
type Option func(*Queue)

func WithPrefetch(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.prefetch = n
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

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// Dial connects to uri and declares the queue topology:
// <name> dead-letters into the <name>.dlx fanout exchange bound to <name>.dead.
func Dial(uri, name string, opts ...Option) (*Queue, error) {
	if name == "" {
		name = "footprint.tasks"
	}
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	q := &Queue{conn: conn, name: name, prefetch: 8, maxAttempts: 3, log: zap.NewNop()}
	for _, o := range opts {
		o(q)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	if err := q.declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	q.pub = ch
	return q, nil
}

func (q *Queue) deadLetterExchange() string { return q.name + ".dlx" }

// DeadQueue is the name of the dead-letter queue.
func (q *Queue) DeadQueue() string { return q.name + ".dead" }

func (q *Queue) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(q.deadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(q.DeadQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(q.DeadQueue(), "", q.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange": q.deadLetterExchange(),
	}
	if _, err := ch.QueueDeclare(q.name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.name, err)
	}
	return nil
}

// Close closes the publishing channel and the connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		_ = q.pub.Close()
	}
	return q.conn.Close()
}

// Enqueue publishes t as a persistent message.
func (q *Queue) Enqueue(ctx context.Context, t queue.Task) error {
	b, err := queue.Encode(t)
	if err != nil {
		return err
	}
	return q.publish(ctx, t, b)
}

func (q *Queue) publish(ctx context.Context, t queue.Task, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    t.ID,
		Timestamp:    t.EnqueuedAt,
		Headers:      amqp.Table{attemptsHeader: int32(t.Attempt)},
		Body:         body,
	})
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (q *Queue) Run(ctx context.Context, h queue.Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.name, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp: delivery channel closed")
			}
			q.process(ctx, h, d)
		}
	}
}

func (q *Queue) process(ctx context.Context, h queue.Handler, d amqp.Delivery) {
	t, err := queue.Decode(d.Body)
	if err != nil {
		q.log.Error("dropping malformed task", zap.Error(err))
		_ = d.Nack(false, false)
		metrics.TasksProcessed.WithLabelValues("amqp", "dead").Inc()
		return
	}
	if v, ok := d.Headers[attemptsHeader].(int32); ok {
		t.Attempt = int(v)
	}
	err = h.Handle(ctx, t)
	if err == nil {
		_ = d.Ack(false)
		metrics.TasksProcessed.WithLabelValues("amqp", "ok").Inc()
		return
	}
	t.Attempt++
	log := q.log.With(zap.String("task_id", t.ID), zap.Int("attempt", t.Attempt), zap.Error(err))
	if t.Attempt >= q.maxAttempts || errors.Is(err, queue.ErrMalformed) {
		log.Error("task failed permanently")
		_ = d.Nack(false, false)
		metrics.TasksProcessed.WithLabelValues("amqp", "dead").Inc()
		return
	}
	// Redeliver with a bumped attempt header; the original is acked only once the copy is published.
	body, encErr := queue.Encode(t)
	if encErr == nil {
		encErr = q.publish(context.WithoutCancel(ctx), t, body)
	}
	if encErr != nil {
		log.Error("task could not be republished", zap.NamedError("publish_error", encErr))
		_ = d.Nack(false, true)
		return
	}
	log.Warn("task failed, retrying")
	_ = d.Ack(false)
	metrics.TasksProcessed.WithLabelValues("amqp", "retry").Inc()
}
