package raft

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

// directSubmit runs timer operations inline, standing in for the driver
// queue.
func directSubmit(op func()) bool {
	op()
	return true
}

func Test_TimerFires(t *testing.T) {
	timer := NewTimer(directSubmit)
	defer timer.Close()
	fired := make(chan struct{})
	timer.Schedule("a", 5*time.Millisecond, false, func() error {
		close(fired)
		return nil
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("operation never fired")
	}
}

func Test_TimerScheduleReplaces(t *testing.T) {
	timer := NewTimer(directSubmit)
	defer timer.Close()
	first := atomic.NewBool(false)
	fired := make(chan struct{})
	timer.Schedule("key", 10*time.Millisecond, false, func() error {
		first.Store(true)
		return nil
	})
	timer.Schedule("key", 30*time.Millisecond, false, func() error {
		close(fired)
		return nil
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("replacement never fired")
	}
	// The replaced operation must not run, even though its delay elapsed.
	assert.False(t, first.Load())
}

func Test_TimerCancel(t *testing.T) {
	timer := NewTimer(directSubmit)
	defer timer.Close()
	ran := atomic.NewBool(false)
	timer.Schedule("key", 10*time.Millisecond, false, func() error {
		ran.Store(true)
		return nil
	})
	timer.Cancel("key")
	// Canceling a key that was never scheduled is a no-op.
	timer.Cancel("missing")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
}

func Test_TimerRetriesOnError(t *testing.T) {
	timer := NewTimer(directSubmit)
	defer timer.Close()
	attempts := atomic.NewInt32(0)
	done := make(chan struct{})
	timer.Schedule("key", time.Millisecond, true, func() error {
		if attempts.Inc() < 3 {
			return errors.New("again")
		}
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retries never completed")
	}
	assert.Equal(t, int32(3), attempts.Load())
}
