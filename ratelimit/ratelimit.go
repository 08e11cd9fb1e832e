// Package ratelimit bounds outbound provider calls two ways at once: a
// strict sliding-window rate (at most N dispatches in any rolling one-second
// window) and a cap on simultaneous in-flight calls. One Limiter exists per
// provider and is shared by reference across all workers, so the limits hold
// globally no matter how many jobs run.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const window = time.Second

// Limiter admits callers in arrival order. Admission records the scheduled
// dispatch time in a ring of the last perSecond dispatches; a new dispatch
// may happen no earlier than one window after the oldest entry, which is
// exactly the sliding-window bound.
type Limiter struct {
	perSecond int
	slots     *semaphore.Weighted

	mu    sync.Mutex
	times []time.Time
	head  int

	now func() time.Time
}

// New builds a limiter admitting perSecond dispatches per rolling second
// with at most maxInFlight calls executing at once. Values below 1 are
// clamped to 1.
func New(perSecond, maxInFlight int) *Limiter {
	if perSecond < 1 {
		perSecond = 1
	}

	if maxInFlight < 1 {
		maxInFlight = 1
	}

	return &Limiter{
		perSecond: perSecond,
		slots:     semaphore.NewWeighted(int64(maxInFlight)),
		times:     make([]time.Time, 0, perSecond),
		now:       time.Now,
	}
}

// Acquire blocks until an in-flight slot is free and the rate window has
// capacity, then returns a release function that must be called when the
// call finishes. Waiters are served first-come-first-served. If ctx is
// cancelled while waiting, the slot is returned; a reservation already made
// in the window stays there, keeping the bound conservative.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	at := l.reserve()

	if d := at.Sub(l.now()); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			l.slots.Release(1)

			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() { l.slots.Release(1) }, nil
}

// reserve schedules the next dispatch time: no earlier than now, than the
// most recent reservation, and than one window after the perSecond-th most
// recent dispatch.
func (l *Limiter) reserve() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	at := l.now()

	if n := len(l.times); n < l.perSecond {
		if n > 0 && l.times[n-1].After(at) {
			at = l.times[n-1]
		}

		l.times = append(l.times, at)

		return at
	}

	if oldest := l.times[l.head].Add(window); oldest.After(at) {
		at = oldest
	}

	if latest := l.times[(l.head+l.perSecond-1)%l.perSecond]; latest.After(at) {
		at = latest
	}

	l.times[l.head] = at
	l.head = (l.head + 1) % l.perSecond

	return at
}
