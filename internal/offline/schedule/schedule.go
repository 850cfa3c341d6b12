// Package schedule abstracts timers so the sync driver can run on a real
// clock in production and on a test-controlled virtual clock in tests.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs callbacks on a clock.
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time

	// ScheduleRecurring calls fn every interval until the returned cancel
	// function is called. Calls never overlap.
	ScheduleRecurring(interval time.Duration, fn func()) (cancel func())

	// AfterFunc calls fn once after d unless cancelled first.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Real is a Scheduler backed by the wall clock.
type Real struct{}

// NewReal returns the wall-clock scheduler.
func NewReal() Real {
	return Real{}
}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// ScheduleRecurring starts a ticker goroutine.
func (Real) ScheduleRecurring(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Virtual is a manually advanced clock. Callbacks fire synchronously from
// Advance, in due-time order, on the caller's goroutine.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*virtualTimer
	nextID int
}

type virtualTimer struct {
	id        int
	at        time.Time
	interval  time.Duration
	fn        func()
	cancelled bool
}

// NewVirtual returns a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// ScheduleRecurring registers fn to fire every interval of virtual time.
func (v *Virtual) ScheduleRecurring(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		return func() {}
	}
	return v.add(interval, interval, fn)
}

// AfterFunc registers fn to fire once after d of virtual time.
func (v *Virtual) AfterFunc(d time.Duration, fn func()) func() {
	return v.add(d, 0, fn)
}

func (v *Virtual) add(after, interval time.Duration, fn func()) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	t := &virtualTimer{id: v.nextID, at: v.now.Add(after), interval: interval, fn: fn}
	v.timers = append(v.timers, t)
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		t.cancelled = true
	}
}

// Advance moves the clock forward by d, firing every callback that falls
// due on the way.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		fn := v.popDue(target)
		if fn == nil {
			return
		}
		fn()
	}
}

// popDue advances to the next due timer at or before target and returns its
// callback, or moves to target and returns nil.
func (v *Virtual) popDue(target time.Time) func() {
	v.mu.Lock()
	defer v.mu.Unlock()

	live := v.timers[:0]
	for _, t := range v.timers {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	v.timers = live

	sort.SliceStable(v.timers, func(i, j int) bool {
		if v.timers[i].at.Equal(v.timers[j].at) {
			return v.timers[i].id < v.timers[j].id
		}
		return v.timers[i].at.Before(v.timers[j].at)
	})

	if len(v.timers) == 0 || v.timers[0].at.After(target) {
		v.now = target
		return nil
	}

	t := v.timers[0]
	v.now = t.at
	if t.interval > 0 {
		t.at = t.at.Add(t.interval)
	} else {
		v.timers = v.timers[1:]
	}
	return t.fn
}

// Pending returns the number of live timers.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for _, t := range v.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}
