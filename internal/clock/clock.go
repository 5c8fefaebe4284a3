// Package clock abstracts timers so reconnect backoff and delivery timeouts can
// be driven deterministically.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is the part of *time.Timer callers need.
type Timer interface {
	Stop() bool
}

// AfterFunc arms f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Std is AfterFunc backed by time.AfterFunc.
func Std(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake is a manual clock. Timers fire only from Advance, on the caller's goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*FakeTimer
}

// FakeTimer is a timer armed on a Fake.
type FakeTimer struct {
	Delay   time.Duration
	at      time.Time
	seq     int
	fn      func()
	clock   *Fake
	stopped bool
	fired   bool
}

// NewFake returns a fake clock reading now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t without firing timers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// AfterFunc arms fn to fire once the clock has advanced by d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &FakeTimer{Delay: d, at: f.now.Add(d), seq: f.seq, fn: fn, clock: f}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var due []*FakeTimer
		for _, t := range f.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			f.now = target
			f.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		if next.at.After(f.now) {
			f.now = next.at
		}
		f.mu.Unlock()
		next.fn()
	}
}

// Pending returns the armed timers that have neither fired nor been stopped.
func (f *Fake) Pending() []*FakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*FakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// Stop disarms the timer and reports whether it was armed.
func (t *FakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Stopped reports whether Stop disarmed the timer.
func (t *FakeTimer) Stopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}
