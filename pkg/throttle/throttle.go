// Package throttle provides the delivery-rate primitives the extension
// host needs: per-key sliding-window limits with FIFO queueing, so that
// for a given (extensionId, event) pair at most maximumCount deliveries
// happen within any window of durationMs, and excess deliveries queue in
// emission order until the next slot opens.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/corvidlabs/pixolith/pkg/clock"
)

// Window bounds the delivery rate for one throttle key. A zero window
// (Duration 0 or MaxCount 0) disables the rate bound but keeps the FIFO
// queue, so per-key ordering and ack-gating still hold.
type Window struct {
	Duration time.Duration
	MaxCount int
}

// Limiter enforces sliding-window delivery limits per key.
type Limiter struct {
	clock clock.Clock

	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	// tail is the completion channel of the most recently enqueued
	// delivery; each new delivery waits on its predecessor's channel,
	// giving strict FIFO through the queue.
	tail <-chan struct{}
	// times holds the start instants of deliveries inside the current
	// window, oldest first.
	times []time.Time
}

// NewLimiter creates a Limiter. c may be nil, in which case the real
// clock is used.
func NewLimiter(c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real{}
	}
	return &Limiter{clock: c, keys: make(map[string]*keyState)}
}

// Do runs fn for key under the window constraint. It blocks until every
// earlier Do call for the same key has returned (FIFO) and a window slot
// is free, then invokes fn. Because fn is expected to cover the full
// delivery round trip, send plus acknowledgment, the next queued
// delivery for the key cannot start until the extension has processed
// this one. ctx cancellation while queued or waiting for a slot returns
// ctx.Err() without invoking fn.
func (l *Limiter) Do(ctx context.Context, key string, w Window, fn func() error) error {
	l.mu.Lock()
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{}
		l.keys[key] = st
	}
	prev := st.tail
	done := make(chan struct{})
	st.tail = done
	l.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Hand the queue position on only once the predecessor has
			// finished, so later callers still wait for every earlier call.
			go func() {
				<-prev
				close(done)
			}()
			return ctx.Err()
		}
	}
	defer close(done)

	if err := l.waitForSlot(ctx, st, w); err != nil {
		return err
	}
	return fn()
}

func (l *Limiter) waitForSlot(ctx context.Context, st *keyState, w Window) error {
	if w.Duration <= 0 || w.MaxCount <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.clock.Now()
		cutoff := now.Add(-w.Duration)
		for len(st.times) > 0 && !st.times[0].After(cutoff) {
			st.times = st.times[1:]
		}
		if len(st.times) < w.MaxCount {
			st.times = append(st.times, now)
			l.mu.Unlock()
			return nil
		}
		wait := st.times[0].Add(w.Duration).Sub(now)
		l.mu.Unlock()

		select {
		case <-l.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Forget drops the queue and window history for key, used when the
// extension is uninstalled.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.keys, key)
	l.mu.Unlock()
}
