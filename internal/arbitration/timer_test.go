package arbitration

import (
	"sync/atomic"
	"testing"
	"time"
)

type claimRecorder struct {
	timer   *AppEventTimer
	claimed atomic.Int32
}

func (c *claimRecorder) onFire(gen uint64) {
	if c.timer.claim(gen) {
		c.claimed.Add(1)
	}
}

func newTestTimer() (*AppEventTimer, *claimRecorder, *manualScheduler) {
	s := &manualScheduler{}
	rec := &claimRecorder{}
	timer := NewAppEventTimer(s, rec.onFire)
	rec.timer = timer
	return timer, rec, s
}

func TestTimerFiresOnce(t *testing.T) {
	timer, rec, s := newTestTimer()

	timer.Schedule(time.Second)
	if !timer.Pending() {
		t.Fatal("expected timer to be pending after Schedule")
	}

	s.FireLive()
	s.FireAll()

	if rec.claimed.Load() != 1 {
		t.Errorf("expected one claimed firing, got %d", rec.claimed.Load())
	}
	if timer.Pending() {
		t.Error("timer should be disarmed after firing")
	}
}

func TestTimerCancelPreventsFiring(t *testing.T) {
	timer, rec, s := newTestTimer()

	timer.Schedule(time.Second)
	timer.Cancel()

	// The callback runs anyway, as if it had already been dequeued.
	s.FireAll()

	if rec.claimed.Load() != 0 {
		t.Errorf("cancelled timer must not be claimed, got %d", rec.claimed.Load())
	}
	if timer.Pending() {
		t.Error("cancelled timer should not be pending")
	}
}

func TestTimerCancelIdempotent(t *testing.T) {
	timer, _, _ := newTestTimer()

	timer.Cancel()
	timer.Schedule(time.Second)
	timer.Cancel()
	timer.Cancel()

	if timer.Pending() {
		t.Error("timer should not be pending")
	}
}

func TestTimerRescheduleReplacesPrevious(t *testing.T) {
	timer, rec, s := newTestTimer()

	first := timer.Schedule(time.Second)
	second := timer.Schedule(time.Second)

	if first == second {
		t.Fatal("reschedule must produce a new generation")
	}

	if n := s.FireLive(); n != 1 {
		t.Errorf("expected only the latest arming to be live, got %d", n)
	}
	s.FireAll()

	if rec.claimed.Load() != 1 {
		t.Errorf("expected exactly one claimed firing, got %d", rec.claimed.Load())
	}
}

func TestTimerWallClock(t *testing.T) {
	var fired atomic.Int32
	var timer *AppEventTimer
	timer = NewAppEventTimer(nil, func(gen uint64) {
		if timer.claim(gen) {
			fired.Add(1)
		}
	})

	timer.Schedule(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	if fired.Load() != 1 {
		t.Errorf("expected wall clock timer to fire once, got %d", fired.Load())
	}
}
