package sync

import (
	stdsync "sync"
	"time"

	"github.com/matheus3301/roomsync/internal/clock"
)

// throttle runs fire at most once per interval. A trigger inside the
// interval schedules one trailing call at the end of it; further triggers
// fold into that call. fire must read the latest state itself.
type throttle struct {
	clk      clock.Clock
	interval time.Duration
	fire     func()

	mu      stdsync.Mutex
	last    time.Time
	fired   bool
	timer   clock.Timer
	stopped bool
}

func newThrottle(clk clock.Clock, interval time.Duration, fire func()) *throttle {
	return &throttle{clk: clk, interval: interval, fire: fire}
}

// Trigger requests a call.
func (t *throttle) Trigger() {
	t.mu.Lock()
	if t.stopped || t.timer != nil {
		t.mu.Unlock()
		return
	}
	now := t.clk.Now()
	wait := t.interval - now.Sub(t.last)
	if !t.fired || wait <= 0 {
		t.last = now
		t.fired = true
		t.mu.Unlock()
		t.fire()
		return
	}
	t.timer = t.clk.AfterFunc(wait, func() {
		t.mu.Lock()
		t.timer = nil
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.last = t.clk.Now()
		t.mu.Unlock()
		t.fire()
	})
	t.mu.Unlock()
}

// Stop cancels a pending trailing call and ignores later triggers.
func (t *throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// pending reports whether a trailing call is scheduled.
func (t *throttle) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
