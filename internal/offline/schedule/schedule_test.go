package schedule

import (
	"sync/atomic"
	"testing"
	"time"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtual_Recurring(t *testing.T) {
	v := NewVirtual(start)
	var fired []time.Time
	cancel := v.ScheduleRecurring(10*time.Second, func() {
		fired = append(fired, v.Now())
	})

	v.Advance(35 * time.Second)
	if len(fired) != 3 {
		t.Fatalf("fired %d times, want 3", len(fired))
	}
	for i, at := range fired {
		want := start.Add(time.Duration(i+1) * 10 * time.Second)
		if !at.Equal(want) {
			t.Errorf("fire %d at %v, want %v", i, at, want)
		}
	}
	if got := v.Now(); !got.Equal(start.Add(35 * time.Second)) {
		t.Errorf("Now() = %v, want start+35s", got)
	}

	cancel()
	v.Advance(time.Minute)
	if len(fired) != 3 {
		t.Errorf("fired after cancel: %d", len(fired))
	}
	if v.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", v.Pending())
	}
}

func TestVirtual_AfterFuncOrdering(t *testing.T) {
	v := NewVirtual(start)
	var order []string
	v.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	v.AfterFunc(time.Second, func() { order = append(order, "a") })
	cancel := v.AfterFunc(time.Second, func() { order = append(order, "cancelled") })
	cancel()

	v.Advance(time.Second)
	if len(order) != 1 || order[0] != "a" {
		t.Fatalf("order after 1s = %v, want [a]", order)
	}
	v.Advance(time.Second)
	if len(order) != 2 || order[1] != "b" {
		t.Fatalf("order after 2s = %v, want [a b]", order)
	}
}

func TestVirtual_CallbackSchedules(t *testing.T) {
	v := NewVirtual(start)
	var n int
	var again func()
	again = func() {
		n++
		if n < 3 {
			v.AfterFunc(time.Second, again)
		}
	}
	v.AfterFunc(time.Second, again)

	v.Advance(10 * time.Second)
	if n != 3 {
		t.Errorf("chain fired %d times, want 3", n)
	}
}

func TestReal_Recurring(t *testing.T) {
	var n atomic.Int32
	cancel := NewReal().ScheduleRecurring(5*time.Millisecond, func() { n.Add(1) })
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("recurring callback fired %d times in 2s", n.Load())
		}
		time.Sleep(time.Millisecond)
	}
}
