package memory

import (
	"context"
	"sync"
)

// pool is a fixed-size goroutine pool with a bounded input queue.
type pool[T any] struct {
	mu      sync.RWMutex
	closed  bool
	queue   chan T
	process func(ctx context.Context, t T)
	wg      sync.WaitGroup
}

func newPool[T any](capacity int) *pool[T] {
	return &pool[T]{queue: make(chan T, capacity)}
}

// start launches n workers. Workers exit when ctx is done or the pool is drained.
func (p *pool[T]) start(ctx context.Context, n int, fn func(context.Context, T)) {
	p.process = fn
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
}

func (p *pool[T]) run(ctx context.Context) {
	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, item)
		case <-ctx.Done():
			return
		}
	}
}

// submit enqueues without blocking. It reports false when full or drained.
func (p *pool[T]) submit(item T) (ok, closed bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, true
	}
	select {
	case p.queue <- item:
		return true, false
	default:
		return false, false
	}
}

// drain closes the queue and waits for all workers to finish.
func (p *pool[T]) drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *pool[T]) size() int { return len(p.queue) }

func (p *pool[T]) capacity() int { return cap(p.queue) }
