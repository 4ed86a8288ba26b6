package raft

import (
	"sync"
	"time"
)

// Timer schedules cancelable operations that run on the driver goroutine.
// Scheduling under an existing key replaces the pending operation, so
// rescheduling an election timeout on a heartbeat automatically cancels the
// stale one. Canceling an unknown key is a no-op.
type Timer struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	submit  func(op func()) bool
	closed  bool
}

// NewTimer creates a timer whose expired operations are handed to submit,
// which must route them onto the driver goroutine.
func NewTimer(submit func(op func()) bool) *Timer {
	return &Timer{
		pending: make(map[string]*time.Timer),
		submit:  submit,
	}
}

// Schedule adds an operation under the given key, replacing any pending
// operation with the same key (last write wins). When retry is set, an
// operation returning an error is rescheduled with the same delay.
func (t *Timer) Schedule(key string, delay time.Duration, retry bool, op func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if existing, ok := t.pending[key]; ok {
		existing.Stop()
	}
	var handle *time.Timer
	handle = time.AfterFunc(delay, func() {
		t.mu.Lock()
		// A replace or cancel may have raced with expiry.
		if t.closed || t.pending[key] != handle {
			t.mu.Unlock()
			return
		}
		delete(t.pending, key)
		t.mu.Unlock()
		t.submit(func() {
			if err := op(); err != nil && retry {
				t.Schedule(key, delay, retry, op)
			}
		})
	})
	t.pending[key] = handle
}

// Cancel removes the pending operation under key, if any.
func (t *Timer) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if handle, ok := t.pending[key]; ok {
		handle.Stop()
		delete(t.pending, key)
	}
}

func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, handle := range t.pending {
		handle.Stop()
		delete(t.pending, key)
	}
}
