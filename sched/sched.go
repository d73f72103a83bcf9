// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package sched implements the single cooperative task-handler model:
// one logical thread drains a FIFO message queue, and every blocking
// wait (receive delay, receive window, ACK timer, incomplete timer,
// poll timer, retry backoff) is expressed as a cancellable one-shot
// timer that posts a message back onto the queue rather than blocking
// the handler.
//
// sched.Loop generalizes the common receive-with-timeout shape — a
// worker goroutine signals completion over a channel while the caller
// selects against time.After — into the one reusable primitive every
// timer in this repository is built from.
package sched

import (
	"context"
	"sync"
	"time"
)

// Msg is anything that can be posted to a Loop's queue.
type Msg interface{}

// Handler processes one message pulled off the queue.
type Handler func(Msg)

// Loop is a single-goroutine FIFO message pump. All core state is only
// ever touched from inside the handler, eliminating intra-core locking;
// the queue itself is the only synchronization primitive.
type Loop struct {
	queue   chan Msg
	handler Handler
}

// NewLoop creates a Loop with the given queue depth and handler.
func NewLoop(queueDepth int, handler Handler) *Loop {
	return &Loop{
		queue:   make(chan Msg, queueDepth),
		handler: handler,
	}
}

// Post enqueues msg for processing by Run. Safe to call from timer
// callbacks or bearer ingress goroutines — it never touches core state
// itself.
func (l *Loop) Post(msg Msg) {
	l.queue <- msg
}

// Run drains the queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case m := <-l.queue:
			l.handler(m)
		case <-ctx.Done():
			return
		}
	}
}

// Timer is a cancellable one-shot timer bound to a particular state
// machine slot. A generation counter on the slot lets the handler
// silently ignore an expiry message that arrives after the slot has
// already been freed and possibly reused.
type Timer struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

// TimerExpired is the message type posted when a Timer fires.
type TimerExpired struct {
	SlotID     interface{}
	Generation uint64
	Kind       string
}

// Schedule starts a Timer that, after d, posts TimerExpired{slotID,
// generation, kind} onto loop's queue — unless Cancel was already called.
func Schedule(loop *Loop, d time.Duration, slotID interface{}, generation uint64, kind string) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		cancelled := t.cancelled
		t.mu.Unlock()
		if cancelled {
			return
		}
		loop.Post(TimerExpired{SlotID: slotID, Generation: generation, Kind: kind})
	})
	return t
}

// Cancel stops the timer. Safe to call multiple times and safe to race
// with an in-flight expiry (the expiry goroutine re-checks cancelled
// under the same mutex before posting).
func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.timer.Stop()
}

// Reset reschedules the timer for d from now, clearing any pending
// cancellation.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	t.cancelled = false
	t.mu.Unlock()
	t.timer.Reset(d)
}
