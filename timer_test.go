package bmq

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerBasic(t *testing.T) {
	b := newTestInstance(t, Config{GeneralThreads: 1, BatchThreads: 1})

	var ticks atomic.Int32
	b.AddTimer(func() { ticks.Add(1) }, 5*time.Millisecond)
	startInstance(t, b)

	if !waitFor(t, 2*time.Second, func() bool { return ticks.Load() > 3 }) {
		t.Fatalf("timer ticked %d times, want > 3", ticks.Load())
	}
}

func TestTimerSquelch(t *testing.T) {
	b := newTestInstance(t, Config{GeneralThreads: 3, BatchThreads: 3})

	var first atomic.Bool
	first.Store(true)
	var done atomic.Bool
	var ticks atomic.Int32

	// With squelch on, the tick must not reschedule until the first slow
	// invocation finishes; exactly one tick lands before done.
	b.AddTimer(func() {
		if first.CompareAndSwap(true, false) {
			time.Sleep(30 * time.Millisecond)
			ticks.Add(1)
			done.Store(true)
		} else if !done.Load() {
			ticks.Add(1)
		}
	}, 5*time.Millisecond, true)
	startInstance(t, b)

	if !waitFor(t, 2*time.Second, done.Load) {
		t.Fatal("squelched timer never completed")
	}
	if got := ticks.Load(); got != 1 {
		t.Errorf("squelched timer ticked %d times during the slow run, want 1", got)
	}

	// With squelch off, ticks keep scheduling while one invocation blocks.
	var first2 atomic.Bool
	first2.Store(true)
	var done2 atomic.Bool
	var ticks2 atomic.Int32
	b.AddTimer(func() {
		if first2.CompareAndSwap(true, false) {
			time.Sleep(40 * time.Millisecond)
			done2.Store(true)
		} else if !done2.Load() {
			ticks2.Add(1)
		}
	}, 5*time.Millisecond)

	if !waitFor(t, 2*time.Second, done2.Load) {
		t.Fatal("unsquelched timer never completed")
	}
	if got := ticks2.Load(); got <= 2 {
		t.Errorf("unsquelched timer ticked %d times during the slow run, want > 2", got)
	}
}

func TestTimerCancel(t *testing.T) {
	b := newTestInstance(t, Config{GeneralThreads: 1, BatchThreads: 1})

	var ticks atomic.Int32

	// Added and cancelled before Start: must never fire.
	dead := b.AddTimer(func() { ticks.Add(1000) }, 5*time.Millisecond)
	b.CancelTimer(dead)

	// Cancels itself from its own handler after three ticks.
	var id TimerID
	id = b.AddTimer(func() {
		if ticks.Add(1) == 3 {
			b.CancelTimer(id)
		}
	}, 5*time.Millisecond)

	startInstance(t, b)

	if !waitFor(t, 2*time.Second, func() bool { return ticks.Load() >= 3 }) {
		t.Fatalf("timer ticked %d times, want 3", ticks.Load())
	}
	// Give a cancelled timer room to misfire before checking it stopped.
	time.Sleep(50 * time.Millisecond)
	if got := ticks.Load(); got != 3 {
		t.Errorf("ticks = %d after cancel, want exactly 3", got)
	}
}

func TestCancelTimerIdempotent(t *testing.T) {
	b := newTestInstance(t, Config{})
	id := b.AddTimer(func() {}, time.Second)
	b.CancelTimer(id)
	b.CancelTimer(id)
	startInstance(t, b)
	b.CancelTimer(id)
}
