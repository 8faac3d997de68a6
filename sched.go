package netstack

import "sync"

// WaitContext is the (condvar, interrupt flag, waiter count) tuple §5
// and §9 specify for every UDP/TCP PCB. Unlike a self-contained condition
// variable, WaitContext does not own its own lock: the caller supplies
// the same mutex that already protects the endpoint's state (sndWnd,
// recvQ, state, ...), and every method below must be called with that
// mutex held. This makes "check the condition" and "begin waiting on
// it" atomic under a single lock, which is the only way to avoid losing
// a Wake/Interrupt that arrives in the gap between the two.
//
// Sleep takes advantage of sync.Cond's Wait contract: it atomically
// unlocks the caller's mutex, blocks, and relocks before returning, so
// the caller never observes the mutex unlocked except while genuinely
// asleep.
//
// Grounded on the teacher's ProbeRequest (neighbour.go), which pairs a
// sync.Mutex with a channel of waiters for a single in-flight ARP/ND
// probe; WaitContext generalizes that one-shot pattern into a reusable,
// repeatedly-sleepable primitive shared by every UDP and TCP endpoint.
type WaitContext struct {
	cond        *sync.Cond
	waiters     int
	interrupted bool
}

// NewWaitContext returns a ready-to-use WaitContext whose condition
// variable is guarded by mu. mu must be the same mutex the caller holds
// while checking whatever condition it is sleeping on (typically the
// owning PCB table's mutex), and every WaitContext method must be
// called with mu already held.
func NewWaitContext(mu *sync.Mutex) *WaitContext {
	return &WaitContext{cond: sync.NewCond(mu)}
}

// Sleep blocks the calling goroutine until Wake or Interrupt is called.
// The caller must hold mu (the mutex passed to NewWaitContext) before
// calling Sleep, and will hold it again once Sleep returns; Sleep itself
// releases mu only for the duration of the actual wait.
func (w *WaitContext) Sleep() {
	w.waiters++
	w.cond.Wait()
	w.waiters--
}

// Wake broadcasts to every sleeper without marking the context
// interrupted, used for ordinary state-change notifications (new data
// queued, window opened, state machine advanced). The caller must hold
// mu.
func (w *WaitContext) Wake() {
	w.cond.Broadcast()
}

// Interrupt sets the interrupt flag and wakes every sleeper; a woken
// sleeper observing Interrupted() true must treat the call as EINTR.
// The caller must hold mu.
func (w *WaitContext) Interrupt() {
	w.interrupted = true
	w.cond.Broadcast()
}

// Interrupted reports whether Interrupt has been called on this
// context. The caller must hold mu.
func (w *WaitContext) Interrupted() bool {
	return w.interrupted
}

// Reset clears the interrupt flag, used when a freed PCB slot is
// reused. The caller must hold mu.
func (w *WaitContext) Reset() {
	w.interrupted = false
}

// Waiters reports the number of goroutines currently asleep in Sleep.
// Release paths do not consult it: udpTable.Close and tcpTable.Close
// wake the context and free the slot at once, whatever the count;
// release is not deferred until the sleepers have left.
// The caller must hold mu.
func (w *WaitContext) Waiters() int {
	return w.waiters
}
