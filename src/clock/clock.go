// Package clock abstracts time so timeouts and backoff can be driven
// deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is a Clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced Clock. It is safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
	added   chan struct{}
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake creates a Fake clock. A zero t starts at 2001-09-09 to keep
// clear of zero-time edge cases.
func NewFake(t time.Time) *Fake {
	if t.IsZero() {
		t = time.Unix(1000000000, 0)
	}
	return &Fake{current: t, added: make(chan struct{}, 1)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// After returns a channel that fires once the clock is advanced past d.
// A non-positive d fires immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.current
		return ch
	}
	f.waiters = append(f.waiters, waiter{deadline: f.current.Add(d), ch: ch})
	select {
	case f.added <- struct{}{}:
	default:
	}
	return ch
}

// Advance moves the clock forward and fires every timer whose deadline
// has been reached, earliest first.
func (f *Fake) Advance(d time.Duration) {
	if d < 0 {
		panic("clock.Fake.Advance: duration must be non-negative")
	}
	f.mu.Lock()
	f.current = f.current.Add(d)
	now := f.current

	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	kept := f.waiters[:0]
	var due []waiter
	for _, w := range f.waiters {
		if !w.deadline.After(now) {
			due = append(due, w)
		} else {
			kept = append(kept, w)
		}
	}
	f.waiters = kept
	f.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}

// Pending returns the number of timers that have not fired yet.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// BlockUntil waits until at least n timers are pending or the real-time
// limit passes. It reports whether the count was reached. Tests use it to
// avoid advancing before the code under test has armed its timer.
func (f *Fake) BlockUntil(n int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for {
		if f.Pending() >= n {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-f.added:
		case <-time.After(min(remaining, 10*time.Millisecond)):
		}
	}
}
