package netstack

import (
	"sync"
	"testing"
	"time"
)

// TestWaitContextWakeReleasesSleeper exercises the same lock discipline
// every real call site uses: the sleeper holds mu up to the moment it
// calls Sleep, and Sleep only gives mu back up once it is registered in
// cond.Wait. That means the Wake below cannot acquire mu (and therefore
// cannot run) until the sleeper is genuinely waiting, so there is no gap
// in which this Wake could be broadcast to zero waiters and lost.
func TestWaitContextWakeReleasesSleeper(t *testing.T) {
	var mu sync.Mutex
	w := NewWaitContext(&mu)
	locked := make(chan struct{})
	done := make(chan struct{})

	go func() {
		mu.Lock()
		close(locked)
		w.Sleep()
		mu.Unlock()
		close(done)
	}()

	<-locked
	mu.Lock()
	w.Wake()
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Wake to release the sleeper")
	}

	mu.Lock()
	interrupted := w.Interrupted()
	mu.Unlock()
	if interrupted {
		t.Fatal("Wake should not mark the context interrupted")
	}
}

// TestWaitContextInterrupt is the Interrupt analogue of the above: the
// goroutine below only ever relinquishes mu from inside Sleep, so the
// Interrupt call below cannot land before it is registered as a waiter.
func TestWaitContextInterrupt(t *testing.T) {
	var mu sync.Mutex
	w := NewWaitContext(&mu)
	locked := make(chan struct{})
	done := make(chan struct{})

	go func() {
		mu.Lock()
		close(locked)
		w.Sleep()
		interrupted := w.Interrupted()
		mu.Unlock()
		if !interrupted {
			t.Error("expected Interrupted() to report true inside the woken sleeper")
		}
		close(done)
	}()

	<-locked
	mu.Lock()
	w.Interrupt()
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Interrupt to release the sleeper")
	}
}

func TestWaitContextReset(t *testing.T) {
	var mu sync.Mutex
	w := NewWaitContext(&mu)

	mu.Lock()
	w.Interrupt()
	if !w.Interrupted() {
		t.Fatal("expected interrupted after Interrupt")
	}
	w.Reset()
	if w.Interrupted() {
		t.Fatal("expected Reset to clear the interrupt flag")
	}
	mu.Unlock()
}

// TestWaitContextMultipleWaitersAllWake verifies Wake broadcasts to
// every sleeper, not just one, matching the fan-out a shared PCB-table
// mutex implies (several goroutines can be parked in Receive/RecvFrom
// on the same PCB).
func TestWaitContextMultipleWaitersAllWake(t *testing.T) {
	var mu sync.Mutex
	w := NewWaitContext(&mu)
	const n = 4
	done := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		go func() {
			mu.Lock()
			w.Sleep()
			mu.Unlock()
			done <- struct{}{}
		}()
	}

	mu.Lock()
	for w.Waiters() < n {
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
	}
	w.Wake()
	mu.Unlock()

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for waiter %d to wake", i)
		}
	}
}

func TestTimerListFiresAfterInterval(t *testing.T) {
	l := newTimerList()
	fired := make(chan struct{}, 1)
	l.Register(&Timer{
		Name:     "fast",
		Interval: 5 * time.Millisecond,
		Callback: func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		},
	})
	l.freeze()

	stop := make(chan struct{})
	go l.runTicker(stop, time.Millisecond)
	defer close(stop)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the timer to fire")
	}
}

func TestEventBusRaiseInvokesEverySubscriber(t *testing.T) {
	b := newEventBus()
	var calls int
	b.Subscribe(func(any) { calls++ }, nil)
	b.Subscribe(func(any) { calls++ }, nil)
	b.Raise()
	if calls != 2 {
		t.Fatalf("expected 2 subscriber invocations, got %d", calls)
	}
}
