package tracker

import "sync/atomic"

// Settings is the process-wide tracking configuration. Construct one at
// startup and share it; changes are visible to the next Track call.
type Settings struct {
	async atomic.Bool
}

// NewSettings returns settings with the given async mode.
func NewSettings(async bool) *Settings {
	s := &Settings{}
	s.async.Store(async)
	return s
}

// Async reports whether Track hands records off to the task queue.
func (s *Settings) Async() bool { return s.async.Load() }

// SetAsync switches tracking mode. Records already queued are unaffected.
func (s *Settings) SetAsync(v bool) { s.async.Store(v) }

// Reset restores the defaults.
func (s *Settings) Reset() { s.async.Store(false) }
