package broadcast

import (
	"sync"
	"time"
)

// Clock abstracts time for the engine so tests can drive timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// CancellableTimer holds at most one pending callback.
//
// Arm replaces any pending callback. A callback that already started racing
// with Disarm or a newer Arm is suppressed by the generation check.
type CancellableTimer struct {
	clock Clock

	mu  sync.Mutex
	t   Timer
	gen uint64
}

func NewCancellableTimer(c Clock) *CancellableTimer {
	if c == nil {
		c = SystemClock{}
	}
	return &CancellableTimer{clock: c}
}

func (ct *CancellableTimer) Arm(d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.t != nil {
		ct.t.Stop()
	}
	ct.gen++
	gen := ct.gen
	ct.t = ct.clock.AfterFunc(d, func() {
		ct.mu.Lock()
		if ct.gen != gen {
			ct.mu.Unlock()
			return
		}
		ct.t = nil
		ct.mu.Unlock()
		fn()
	})
}

// Disarm cancels the pending callback. It reports whether one was pending.
func (ct *CancellableTimer) Disarm() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.gen++
	if ct.t == nil {
		return false
	}
	ct.t.Stop()
	ct.t = nil
	return true
}

func (ct *CancellableTimer) Armed() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.t != nil
}
