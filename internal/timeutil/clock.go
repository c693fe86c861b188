// Package timeutil abstracts the clock behind the orchestrator's
// deadline logic — the group assembler's partial-group sweep, the task
// queue's stuck-job watchdog, the retention sweeper, and the worker
// pools' poll/drain timing — so all of it can be driven deterministically
// from a MockClock in tests instead of sleeping wall-clock time. The
// surface is deliberately the five operations those callers use and
// nothing more.
package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Clock is the injectable time source.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration

	// Expired reports whether budget has elapsed since since. This is
	// the one shape every deadline sweep in the orchestrator shares (a
	// bucket past its partial-group deadline, a group held past its
	// stuck threshold, an artifact past its retention window), so it
	// lives on the clock rather than being repeated at each call site.
	Expired(since time.Time, budget time.Duration) bool

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker

	// NewTimer returns a timer firing once after d.
	NewTimer(d time.Duration) Timer
}

// Ticker delivers repeated ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer delivers a single tick.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock is the production Clock, backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                 { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) Expired(since time.Time, budget time.Duration) bool {
	return time.Since(since) >= budget
}

func (RealClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
func (RealClock) NewTimer(d time.Duration) Timer   { return realTimer{time.NewTimer(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// MockClock is a manually driven Clock. Time moves only when Advance or
// Set is called; Advance walks forward through every pending timer and
// ticker deadline in order, so a single large Advance fires a ticker as
// many times as real time would have (up to its channel's capacity),
// and interleaved timers fire in deadline order rather than the order
// they were created.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*mockWaiter
}

// mockWaiter is one pending timer or ticker registration. A period of
// zero means one-shot.
type mockWaiter struct {
	mu      sync.Mutex
	ch      chan time.Time
	next    time.Time
	period  time.Duration
	stopped bool
}

// NewMockClock creates a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mock's current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the duration since t, per the mock's current time.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Expired reports whether budget has elapsed since since, per the
// mock's current time.
func (c *MockClock) Expired(since time.Time, budget time.Duration) bool {
	return c.Now().Sub(since) >= budget
}

// Set jumps the clock to t without firing anything, for tests that only
// care about Now/Expired reads.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d, firing every timer and ticker
// deadline passed along the way in chronological order.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	waiters := append([]*mockWaiter(nil), c.waiters...)
	c.mu.Unlock()

	for {
		w, deadline := earliestDue(waiters, target)
		if w == nil {
			break
		}
		c.mu.Lock()
		c.now = deadline
		c.mu.Unlock()
		w.fire(deadline)
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// earliestDue picks the unstopped waiter with the soonest deadline not
// after target, ties broken by registration order.
func earliestDue(waiters []*mockWaiter, target time.Time) (*mockWaiter, time.Time) {
	sort.SliceStable(waiters, func(i, j int) bool {
		return waiters[i].deadline().Before(waiters[j].deadline())
	})
	for _, w := range waiters {
		w.mu.Lock()
		due := !w.stopped && !w.next.After(target)
		deadline := w.next
		w.mu.Unlock()
		if due {
			return w, deadline
		}
	}
	return nil, time.Time{}
}

// NewTicker registers a repeating waiter.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	return mockTicker{c.register(d, d)}
}

// mockTicker adapts mockWaiter's Stop() bool to Ticker's plain Stop.
type mockTicker struct{ *mockWaiter }

func (t mockTicker) Stop() { t.mockWaiter.Stop() }

// NewTimer registers a one-shot waiter.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	return c.register(d, 0)
}

func (c *MockClock) register(delay, period time.Duration) *mockWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWaiter{
		ch:     make(chan time.Time, 1),
		next:   c.now.Add(delay),
		period: period,
	}
	c.waiters = append(c.waiters, w)
	return w
}

func (w *mockWaiter) deadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// fire delivers one tick (dropped if the receiver has not drained the
// previous one, matching time.Ticker) and schedules the next period or
// retires a one-shot.
func (w *mockWaiter) fire(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.ch <- at:
	default:
	}
	if w.period > 0 {
		w.next = at.Add(w.period)
	} else {
		w.stopped = true
	}
}

func (w *mockWaiter) C() <-chan time.Time { return w.ch }

// Stop retires the waiter; as Timer it reports whether it had not yet
// fired.
func (w *mockWaiter) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	active := !w.stopped
	w.stopped = true
	return active
}
