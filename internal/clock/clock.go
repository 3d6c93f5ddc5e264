// Package clock abstracts wall time and cancellable timers so polling and
// response timeouts can run against virtual time in tests.
package clock

import (
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It reports false if the timer already fired or was stopped.
	Stop() bool
}

// Clock provides the current time and schedule-after callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall-clock implementation.
type Real struct {
	clock bclock.Clock
}

// New returns the wall clock.
func New() Clock {
	return Real{clock: bclock.New()}
}

func (r Real) wall() bclock.Clock {
	if r.clock == nil {
		return bclock.New()
	}
	return r.clock
}

// Now returns the current local time.
func (r Real) Now() time.Time {
	return r.wall().Now()
}

// AfterFunc runs f in its own goroutine after d.
func (r Real) AfterFunc(d time.Duration, f func()) Timer {
	return r.wall().AfterFunc(d, f)
}

// Fake is a virtual clock backed by a mock clock. Advance and Set fire due
// timers one deadline at a time and return only after their callbacks have
// finished, so timers armed from a callback fire within the same call.
type Fake struct {
	mock *bclock.Mock

	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	fake      *Fake
	timer     *bclock.Timer
	when      time.Time
	done      chan struct{}
	cancelled chan struct{}
	stopped   bool
}

// NewFake creates a virtual clock starting at now.
func NewFake(now time.Time) *Fake {
	mock := bclock.NewMock()
	mock.Set(now)
	return &Fake{mock: mock}
}

// Now returns the virtual time.
func (c *Fake) Now() time.Time {
	return c.mock.Now()
}

// AfterFunc schedules f to run once virtual time reaches now+d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{
		fake:      c,
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t.when = c.mock.Now().Add(d)
	t.timer = c.mock.AfterFunc(d, func() {
		defer close(t.done)
		f()
	})
	c.pending = append(c.pending, t)
	return t
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune()
	return len(c.pending)
}

// Advance moves virtual time forward by d, firing due timers.
func (c *Fake) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves virtual time to target, firing due timers. Time never moves backwards.
func (c *Fake) Set(target time.Time) {
	for {
		t := c.nextDue(target)
		if t == nil {
			break
		}

		c.mock.Set(t.when)
		select {
		case <-t.done:
		case <-t.cancelled:
		}
	}

	if target.After(c.mock.Now()) {
		c.mock.Set(target)
	}
}

// nextDue removes and returns the earliest live timer due at or before
// target, in arming order for equal deadlines.
func (c *Fake) nextDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune()

	next := -1
	for i, t := range c.pending {
		if t.when.After(target) {
			continue
		}
		if next < 0 || t.when.Before(c.pending[next].when) {
			next = i
		}
	}
	if next < 0 {
		return nil
	}

	t := c.pending[next]
	c.pending = append(c.pending[:next], c.pending[next+1:]...)
	return t
}

// prune drops fired and stopped timers. Callers hold c.mu.
func (c *Fake) prune() {
	live := c.pending[:0]
	for _, t := range c.pending {
		if t.stopped || t.fired() {
			continue
		}
		live = append(live, t)
	}
	c.pending = live
}

func (t *fakeTimer) fired() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *fakeTimer) Stop() bool {
	if !t.timer.Stop() {
		return false
	}

	t.fake.mu.Lock()
	t.stopped = true
	t.fake.mu.Unlock()

	close(t.cancelled)
	return true
}
