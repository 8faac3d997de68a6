package netstack

import (
	"sync"

	"github.com/pkg/errors"
)

// ProtocolHandler processes one ingress entry pulled off an L2 protocol's
// queue. It runs on the soft-IRQ goroutine, single-threaded and
// non-preemptive, per §4.2.
type ProtocolHandler func(p *Packet)

// IPProtocolHandler processes a datagram already validated and addressed
// to a local interface, dispatched by IP protocol number per §4.5. Unlike
// L2 protocols it has no queue of its own: IPv4Input calls it directly,
// synchronously, while already running on the soft-IRQ goroutine.
type IPProtocolHandler func(pkt *Packet, hdr IPv4Header, iface *Interface, payload []byte)

type l2Protocol struct {
	handler ProtocolHandler
	queue   *ingressQueue
}

// protocolRegistry holds the L2 (EtherType) and L3 (IP protocol number)
// dispatch tables described in §3 "Protocol registration" and §4.1.
// Both are append-only after Stack.Run; duplicate registration of the
// same key is rejected.
type protocolRegistry struct {
	mu      sync.RWMutex
	l2      map[EtherType]*l2Protocol
	l2Order []EtherType
	l3      map[uint8]IPProtocolHandler
}

func newProtocolRegistry() *protocolRegistry {
	return &protocolRegistry{
		l2: make(map[EtherType]*l2Protocol),
		l3: make(map[uint8]IPProtocolHandler),
	}
}

// RegisterL2 adds an EtherType handler and its backing ingress queue.
func (r *protocolRegistry) RegisterL2(et EtherType, handler ProtocolHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.l2[et]; exists {
		return errors.Wrapf(ErrProtocolExists, "ethertype=0x%04x", uint16(et))
	}
	r.l2[et] = &l2Protocol{handler: handler, queue: newIngressQueue()}
	r.l2Order = append(r.l2Order, et)
	return nil
}

func (r *protocolRegistry) l2For(et EtherType) (*l2Protocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.l2[et]
	return p, ok
}

// l2Queues returns every registered L2 protocol's queue in registration
// order, the order the soft-IRQ handler drains them in.
func (r *protocolRegistry) l2Queues() []*l2Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*l2Protocol, 0, len(r.l2Order))
	for _, et := range r.l2Order {
		out = append(out, r.l2[et])
	}
	return out
}

// RegisterL3 adds an IP protocol-number handler.
func (r *protocolRegistry) RegisterL3(proto uint8, handler IPProtocolHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.l3[proto]; exists {
		return errors.Wrapf(ErrProtocolExists, "ip-proto=%d", proto)
	}
	r.l3[proto] = handler
	return nil
}

func (r *protocolRegistry) l3For(proto uint8) (IPProtocolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.l3[proto]
	return h, ok
}
