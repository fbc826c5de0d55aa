package arbitration

import (
	"sync"
	"time"
)

// Stopper cancels a scheduled callback
type Stopper interface {
	Stop() bool
}

// Scheduler runs f once after d
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// AppEventTimer bounds the wait for a handshake. At most one firing is live;
// every Schedule or Cancel bumps the generation so an in-flight callback from
// an older arming can never be claimed.
type AppEventTimer struct {
	scheduler Scheduler
	onFire    func(gen uint64)

	mu      sync.Mutex
	gen     uint64
	armed   bool
	pending Stopper
}

// NewAppEventTimer creates a timer that calls onFire with the arming generation
func NewAppEventTimer(s Scheduler, onFire func(gen uint64)) *AppEventTimer {
	if s == nil {
		s = wallScheduler{}
	}
	return &AppEventTimer{scheduler: s, onFire: onFire}
}

// Schedule cancels any live firing and arms a new one
func (t *AppEventTimer) Schedule(d time.Duration) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked()
	gen := t.gen
	t.armed = true
	t.pending = t.scheduler.AfterFunc(d, func() { t.onFire(gen) })
	return gen
}

// Cancel disarms the timer. Safe to call repeatedly.
func (t *AppEventTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

func (t *AppEventTimer) cancelLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.armed = false
	t.gen++
}

// claim consumes the firing for gen. False for any cancelled or replaced arming.
func (t *AppEventTimer) claim(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed || gen != t.gen {
		return false
	}
	t.armed = false
	t.pending = nil
	return true
}

// Pending reports whether a firing is armed
func (t *AppEventTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}
