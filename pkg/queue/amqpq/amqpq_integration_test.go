//go:build integration

package amqpq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/wilhg/footprint/pkg/queue"
)

func startRabbit(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	rc, err := tcrabbit.Run(ctx, "rabbitmq:3.13-management-alpine")
	if err != nil {
		t.Skipf("skip: cannot start rabbitmq: %v", err)
	}
	t.Cleanup(func() { _ = rc.Terminate(ctx) })
	uri, err := rc.AmqpURL(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return uri
}

func TestPublishConsumeAndDeadLetter(t *testing.T) {
	uri := startRabbit(t)
	q, err := Dial(uri, "footprint.test", WithMaxAttempts(2))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var okCalls, failCalls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, queue.HandlerFunc(func(ctx context.Context, task queue.Task) error {
			if task.OwnerID == "bad" {
				if failCalls.Add(1) == 2 {
					close(done)
				}
				return errors.New("boom")
			}
			okCalls.Add(1)
			return nil
		}))
	}()

	if err := q.Enqueue(ctx, queue.NewTask("Document", "good", nil)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, queue.NewTask("Document", "bad", nil)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for retries")
	}

	ch, err := q.conn.Channel()
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	deadline := time.Now().Add(10 * time.Second)
	for {
		info, err := ch.QueueDeclarePassive(q.DeadQueue(), true, false, false, false, nil)
		if err != nil {
			t.Fatal(err)
		}
		if info.Messages == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dead-letter queue has %d messages, want 1", info.Messages)
		}
		time.Sleep(100 * time.Millisecond)
	}
	if okCalls.Load() != 1 {
		t.Fatalf("ok calls=%d want 1", okCalls.Load())
	}
}
