// Package presence tracks typing indicators: the sender-side debounce that
// decides when to announce typing, and the receiver-side set of who is typing.
package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultIdleTimeout is how long after the last keystroke typing is cleared
const DefaultIdleTimeout = 2 * time.Second

// Tracker turns a stream of keystrokes into typing start/stop transitions.
//
// The emit callback runs with the tracker locked so transitions are reported
// in order. It must not call back into the Tracker.
type Tracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	emit    func(typing bool)

	typing bool
	timer  *clock.Timer
	gen    uint64
	closed bool
}

// NewTracker creates an idle tracker. A nil clock uses wall time and a
// non-positive timeout uses DefaultIdleTimeout.
func NewTracker(clk clock.Clock, timeout time.Duration, emit func(typing bool)) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &Tracker{
		clock:   clk,
		timeout: timeout,
		emit:    emit,
	}
}

// Keystroke reports the current input contents after a key press. Non-empty
// input starts typing (once) and re-arms the idle timer; empty input stops
// typing immediately.
func (t *Tracker) Keystroke(input string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if input == "" {
		t.stopLocked()
		return
	}

	if !t.typing {
		t.typing = true
		t.emit(true)
	}
	t.armLocked()
}

// Reset forces the tracker idle, e.g. after the message was sent
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Typing reports the current state
func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Stop cancels the timer without emitting. The tracker ignores further input.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cancelLocked()
	t.typing = false
}

func (t *Tracker) armLocked() {
	t.cancelLocked()
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		// A keystroke after this timer was armed superseded it
		if gen != t.gen || t.closed {
			return
		}
		t.timer = nil
		if t.typing {
			t.typing = false
			t.emit(false)
		}
	})
}

func (t *Tracker) stopLocked() {
	t.cancelLocked()
	if t.typing {
		t.typing = false
		t.emit(false)
	}
}

func (t *Tracker) cancelLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
