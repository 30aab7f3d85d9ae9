// Package fake provides a scriptable geo.Locator for tests.
package fake

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/wilhg/footprint/pkg/adapters/geo"
)

// Locator returns a fixed result and records every call.
// Set Delay to simulate a slow backend; with Stubborn it ignores ctx while waiting.
type Locator struct {
	Result   geo.Location
	Err      error
	Delay    time.Duration
	Stubborn bool

	mu     sync.Mutex
	calls  []Call
	closed bool
}

// Call is one recorded Locate invocation.
type Call struct {
	IP         string
	HadRequest bool
}

// New returns a locator that always resolves to loc.
func New(loc geo.Location) *Locator { return &Locator{Result: loc} }

// Failing returns a locator that always fails with err.
func Failing(err error) *Locator { return &Locator{Err: err} }

func (l *Locator) Locate(ctx context.Context, ip string, r *http.Request) (geo.Location, error) {
	l.mu.Lock()
	l.calls = append(l.calls, Call{IP: ip, HadRequest: r != nil})
	l.mu.Unlock()

	if l.Delay > 0 {
		if l.Stubborn {
			time.Sleep(l.Delay)
		} else {
			select {
			case <-time.After(l.Delay):
			case <-ctx.Done():
				return geo.Location{}, ctx.Err()
			}
		}
	}
	if l.Err != nil {
		return geo.Location{}, l.Err
	}
	return l.Result, nil
}

// Calls returns the number of Locate invocations so far.
func (l *Locator) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// History returns a copy of the recorded calls.
func (l *Locator) History() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

// Close marks the locator closed.
func (l *Locator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Closed reports whether Close was called.
func (l *Locator) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
