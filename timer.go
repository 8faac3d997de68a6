package netstack

import (
	"sync"
	"time"
)

// Timer fires callback once per interval, compared against the last
// fire time on every timerList.tick.
type Timer struct {
	Name     string
	Interval time.Duration
	lastFire time.Time
	Callback func()
}

// timerList is append-only after Stack.Run, guarded by mu.
type timerList struct {
	mu      sync.RWMutex
	timers  []*Timer
	started bool
}

func newTimerList() *timerList {
	return &timerList{}
}

func (l *timerList) freeze() {
	l.mu.Lock()
	l.started = true
	now := time.Now()
	for _, t := range l.timers {
		t.lastFire = now
	}
	l.mu.Unlock()
}

// Register adds a periodic timer. It may be called at any time; unlike
// devices/protocols/routes, timers are safe to add after Run since each
// Timer is independent and tick() only ever reads the current slice
// under the list mutex.
func (l *timerList) Register(t *Timer) {
	l.mu.Lock()
	t.lastFire = time.Now()
	l.timers = append(l.timers, t)
	l.mu.Unlock()
}

// tick compares now against each timer's last fire time and fires (and
// updates) every expired timer. Firing happens outside the list lock so
// a callback may itself register a new timer without deadlocking.
func (l *timerList) tick(now time.Time) {
	l.mu.RLock()
	due := make([]*Timer, 0, len(l.timers))
	for _, t := range l.timers {
		if now.Sub(t.lastFire) >= t.Interval {
			due = append(due, t)
		}
	}
	l.mu.RUnlock()

	for _, t := range due {
		l.mu.Lock()
		t.lastFire = now
		l.mu.Unlock()
		t.Callback()
	}
}

// runTicker drives tick on a fixed cadence until stop is closed. The
// cadence is independent of any single timer's interval; it only needs
// to be finer than the finest-grained registered timer (the ARP sweep,
// at 1s, per §4.9).
func (l *timerList) runTicker(stop <-chan struct{}, cadence time.Duration) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.tick(now)
		case <-stop:
			return
		}
	}
}
