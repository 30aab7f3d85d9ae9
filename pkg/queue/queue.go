// Package queue defines the deferred tracking task, its wire codec, and the
// interfaces adapters implement. Delivery is at-least-once: handlers must
// tolerate duplicates and out-of-order execution.
package queue

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrMalformed marks a payload that can never be processed.
	ErrMalformed = errors.New("queue: malformed task")
	// ErrFull is returned when a bounded queue cannot accept more tasks.
	ErrFull = errors.New("queue: full")
	// ErrClosed is returned when enqueueing into a drained queue.
	ErrClosed = errors.New("queue: closed")
)

// Task is one serialized tracking request.
type Task struct {
	ID         string         `json:"id"`
	OwnerType  string         `json:"owner_type"`
	OwnerID    string         `json:"owner_id"`
	Attributes map[string]any `json:"attributes"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	// Attempt counts previous failed deliveries.
	Attempt int `json:"attempt,omitempty"`
}

// NewTask builds a task with a fresh id.
func NewTask(ownerType, ownerID string, attrs map[string]any) Task {
	if attrs == nil {
		attrs = map[string]any{}
	}
	return Task{
		ID:         uuid.NewString(),
		OwnerType:  ownerType,
		OwnerID:    ownerID,
		Attributes: attrs,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Enqueuer submits tasks for later execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) error
}

// Handler executes a task. A returned error makes the adapter retry or dead-letter it.
type Handler interface {
	Handle(ctx context.Context, t Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t Task) error

func (f HandlerFunc) Handle(ctx context.Context, t Task) error { return f(ctx, t) }

// Consumer runs a handler until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context, h Handler) error
}

//go:embed task.schema.json
var taskSchema []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		var doc any
		if err := json.Unmarshal(taskSchema, &doc); err != nil {
			schemaErr = err
			return
		}
		if err := c.AddResource("mem://task.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("mem://task.schema.json")
	})
	return schema, schemaErr
}

// Encode serializes t. Attribute values must be JSON-representable.
func Encode(t Task) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, nil
}

// Decode parses and validates an encoded task.
func Decode(b []byte) (Task, error) {
	sch, err := compiled()
	if err != nil {
		return Task{}, fmt.Errorf("queue: task schema: %w", err)
	}
	var inst any
	if err := json.Unmarshal(b, &inst); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := sch.Validate(inst); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return t, nil
}
