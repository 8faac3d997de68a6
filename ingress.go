package netstack

import "sync"

// ingressQueue is a per-protocol FIFO of pending packets, per §3's
// "ingress queue entry" and §4.2's ordering guarantee: within a single
// protocol, frames are delivered to the handler in the order enqueued.
type ingressQueue struct {
	mu      sync.Mutex
	entries []*Packet
}

func newIngressQueue() *ingressQueue {
	return &ingressQueue{}
}

func (q *ingressQueue) push(p *Packet) {
	q.mu.Lock()
	q.entries = append(q.entries, p)
	q.mu.Unlock()
}

// drain removes and returns every currently queued packet, oldest first,
// leaving the queue empty.
func (q *ingressQueue) drain() []*Packet {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	out := q.entries
	q.entries = nil
	q.mu.Unlock()
	return out
}

// InputHandler is the hardware-to-stack ingress entry point named in §4.2
// and §6: a driver (or, for loopback, the local transmit path) calls this
// once per received frame. It locates the protocol entry for et; if
// present, queues the packet and raises the soft-IRQ. Unknown EtherTypes
// are silently dropped.
func (s *Stack) InputHandler(et EtherType, p *Packet) {
	proto, ok := s.protocols.l2For(et)
	if !ok {
		DropPacket(p)
		return
	}
	proto.queue.push(p)
	s.raiseSoftIRQ()
}

// raiseSoftIRQ schedules a drain of every protocol queue. It coalesces:
// if a drain is already pending, this call is a no-op, since the pending
// drain will see every entry queued up to that point. A drain that is
// already running does not absorb the call: the signal stays pending and
// another drain follows the running one.
func (s *Stack) raiseSoftIRQ() {
	select {
	case s.softIRQCh <- struct{}{}:
	default:
	}
}

// softIRQLoop is the dedicated soft-IRQ goroutine: non-preemptive and
// single-threaded per §4.2, it drains every registered L2 protocol's
// queue in registration order each time it wakes, invoking each queued
// packet's handler once.
func (s *Stack) softIRQLoop() {
	for {
		select {
		case <-s.softIRQCh:
			s.drainQueues()
		case <-s.stop:
			return
		}
	}
}

func (s *Stack) drainQueues() {
	for _, proto := range s.protocols.l2Queues() {
		for _, p := range proto.queue.drain() {
			proto.handler(p)
		}
	}
}
