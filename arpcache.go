package netstack

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ARP operation codes and the fixed hardware/protocol type pair this
// stack ever emits (Ethernet over IPv4).
const (
	ARPOperationRequest     = uint16(1)
	ARPOperationReply       = uint16(2)
	ARPHardwareTypeEthernet = uint16(1)

	ARPFrameMinSize = 28
)

// ARP is a byte-slice view of the 28-byte Ethernet/IPv4 ARP message
// §4.4/§6 describe (no other hardware/protocol pair is supported, so the
// layout is fixed rather than length-prefixed). Grounded on the teacher's
// standalone arp.go accessor set, carried over unchanged since the wire
// layout itself didn't change; it lives here rather than in its own file
// because every reader and writer of an ARP frame in this stack is
// arpCache itself.
type ARP []byte

func (a ARP) HardwareType() uint16 {
	return binary.BigEndian.Uint16(a[0:])
}

func (a ARP) SetHardwareType(t uint16) {
	binary.BigEndian.PutUint16(a[0:], t)
}

func (a ARP) ProtocolType() uint16 {
	return binary.BigEndian.Uint16(a[2:])
}

func (a ARP) SetProtocolType(t uint16) {
	binary.BigEndian.PutUint16(a[2:], t)
}

func (a ARP) HardwareAddrLen() uint8 {
	return a[4]
}

func (a ARP) SetHardwareAddrLen(l uint8) {
	a[4] = l
}

func (a ARP) ProtocolAddrLen() uint8 {
	return a[5]
}

func (a ARP) SetProtocolAddrLen(l uint8) {
	a[5] = l
}

func (a ARP) Operation() uint16 {
	return binary.BigEndian.Uint16(a[6:])
}

func (a ARP) SetOperation(o uint16) {
	binary.BigEndian.PutUint16(a[6:], o)
}

func (a ARP) SenderHardwareAddress() MacAddress {
	return MacAddress(a[8:14])
}

func (a ARP) SetSenderHardwareAddress(m MacAddress) {
	copy(a[8:14], m)
}

func (a ARP) SenderProtocolAddress() net.IP {
	return net.IP(a[14:18])
}

func (a ARP) SetSenderProtocolAddress(ip net.IP) {
	copy(a[14:18], ip.To4())
}

func (a ARP) TargetHardwareAddress() MacAddress {
	return MacAddress(a[18:24])
}

func (a ARP) SetTargetHardwareAddress(m MacAddress) {
	copy(a[18:24], m)
}

func (a ARP) TargetProtocolAddress() net.IP {
	return net.IP(a[24:28])
}

func (a ARP) SetTargetProtocolAddress(ip net.IP) {
	copy(a[24:28], ip.To4())
}

// arpState is the per-entry lifecycle from §3/§4.4.
type arpState int

const (
	arpFree arpState = iota
	arpIncomplete
	arpResolved
	arpStatic
)

const (
	arpCacheSize     = 32
	arpEntryTimeout  = 30 * time.Second
	arpSweepInterval = 1 * time.Second
)

// ResolveResult is the outcome of an address-resolution attempt, per
// §4.4's Resolve API.
type ResolveResult int

const (
	ResolveFound ResolveResult = iota
	ResolveIncomplete
	ResolveError
)

type arpEntry struct {
	state   arpState
	proto   net.IP
	hw      MacAddress
	updated time.Time
}

// arpCache is the fixed-capacity (32-entry) ARP cache plus resolver
// described in §3 and §4.4. Grounded on the teacher's neighbour.go
// (ProbeRequest map + cache slice), reworked into an IPv4-only state
// machine with explicit FREE/INCOMPLETE/RESOLVED/STATIC states — the
// teacher's version folds IPv6 neighbour discovery into the same table,
// which this stack's IPv4-only scope doesn't need.
type arpCache struct {
	stack *Stack

	mu      sync.Mutex
	entries [arpCacheSize]arpEntry

	// requests deduplicates concurrent Resolve calls for the same
	// target address into a single REQUEST broadcast, grounded on
	// golang.org/x/sync/singleflight as used elsewhere in the example
	// pack for exactly this "many callers, one in-flight operation"
	// shape.
	requests singleflight.Group
}

func newARPCache(s *Stack) *arpCache {
	return &arpCache{stack: s}
}

func (c *arpCache) findLocked(proto net.IP) (int, bool) {
	for i := range c.entries {
		if c.entries[i].state != arpFree && c.entries[i].proto.Equal(proto) {
			return i, true
		}
	}
	return -1, false
}

// allocateLocked returns a FREE slot, evicting the RESOLVED/INCOMPLETE
// entry with the oldest timestamp if the cache is full. STATIC entries
// are never evicted.
func (c *arpCache) allocateLocked() int {
	for i := range c.entries {
		if c.entries[i].state == arpFree {
			return i
		}
	}
	oldest := -1
	for i := range c.entries {
		if c.entries[i].state == arpStatic {
			continue
		}
		if oldest == -1 || c.entries[i].updated.Before(c.entries[oldest].updated) {
			oldest = i
		}
	}
	return oldest
}

// merge updates an existing entry for proto with hw, refreshing its
// timestamp and promoting INCOMPLETE to RESOLVED. It reports whether an
// entry was found and updated (the §4.4 step-2 "merge flag").
func (c *arpCache) merge(proto net.IP, hw MacAddress) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.findLocked(proto)
	if !ok {
		return false
	}
	e := &c.entries[idx]
	if e.state == arpStatic {
		return true
	}
	e.hw = append(e.hw[:0], hw...)
	e.state = arpResolved
	e.updated = time.Now()
	return true
}

// insertResolved adds (or refreshes) a RESOLVED entry for proto, per
// §4.4 step 3.
func (c *arpCache) insertResolved(proto net.IP, hw MacAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.findLocked(proto)
	if !ok {
		idx = c.allocateLocked()
		if idx == -1 {
			return
		}
	}
	c.entries[idx] = arpEntry{
		state:   arpResolved,
		proto:   append(net.IP{}, proto...),
		hw:      append(MacAddress{}, hw...),
		updated: time.Now(),
	}
}

// InsertStatic installs a permanent, never-evicted, never-expired entry.
func (c *arpCache) InsertStatic(proto net.IP, hw MacAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.findLocked(proto)
	if !ok {
		idx = c.allocateLocked()
		if idx == -1 {
			return
		}
	}
	c.entries[idx] = arpEntry{
		state:   arpStatic,
		proto:   append(net.IP{}, proto...),
		hw:      append(MacAddress{}, hw...),
		updated: time.Now(),
	}
}

// sweep is the ARP cache's timer callback, registered at a 1-second
// interval per §4.9. It frees any RESOLVED entry whose timestamp is
// older than the 30-second timeout; STATIC entries are exempt.
func (c *arpCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == arpResolved && now.Sub(e.updated) >= arpEntryTimeout {
			*e = arpEntry{}
		}
	}
}

// Resolve implements §4.4's Resolve API. It returns ResolveFound with hw
// populated when a RESOLVED/STATIC entry exists; otherwise it ensures an
// INCOMPLETE entry exists, broadcasts (or re-broadcasts) a REQUEST, and
// returns ResolveIncomplete. ResolveError is returned when iface isn't
// Ethernet-over-IPv4.
func (c *arpCache) Resolve(iface *Interface, proto net.IP) (MacAddress, ResolveResult) {
	if iface == nil || iface.Device == nil || iface.Family != AddressFamilyIPv4 {
		return nil, ResolveError
	}

	proto = proto.To4()

	c.mu.Lock()
	idx, ok := c.findLocked(proto)
	if ok && (c.entries[idx].state == arpResolved || c.entries[idx].state == arpStatic) {
		hw := append(MacAddress{}, c.entries[idx].hw...)
		c.mu.Unlock()
		return hw, ResolveFound
	}
	if !ok {
		idx = c.allocateLocked()
		if idx != -1 {
			c.entries[idx] = arpEntry{
				state:   arpIncomplete,
				proto:   append(net.IP{}, proto...),
				updated: time.Now(),
			}
		}
	}
	c.mu.Unlock()

	key := proto.String()
	c.requests.Do(key, func() (any, error) {
		c.sendRequest(iface, proto)
		return nil, nil
	})

	return nil, ResolveIncomplete
}

func (c *arpCache) sendRequest(iface *Interface, target net.IP) {
	dev := iface.Device
	frame := make(ARP, ARPFrameMinSize)
	frame.SetHardwareType(ARPHardwareTypeEthernet)
	frame.SetProtocolType(uint16(EtherTypeIPv4))
	frame.SetHardwareAddrLen(MacAddressLength)
	frame.SetProtocolAddrLen(net.IPv4len)
	frame.SetOperation(ARPOperationRequest)
	frame.SetSenderHardwareAddress(dev.HWAddr)
	frame.SetSenderProtocolAddress(iface.Unicast)
	frame.SetTargetHardwareAddress(EmptyMacAddress)
	frame.SetTargetProtocolAddress(target)

	if err := c.stack.EthernetTransmit(dev, BroadcastMacAddress, EtherTypeARP, frame); err != nil {
		Log().Named("arp").Debugw("request transmit failed", "target", target, "err", err)
	}
}

// ARPInput is the L2 ingress handler for EtherTypeARP, implementing the
// four-step process of §4.4. DropPacket is only called on the branches
// that actually drop the frame; a frame that is fully processed releases
// the packet via Done so dev.Stats.RXDrop only ever counts real drops.
func (s *Stack) ARPInput(p *Packet) {
	if len(p.Payload) < ARPFrameMinSize {
		Log().Named("arp").Debugw("short frame", "len", len(p.Payload))
		DropPacket(p)
		return
	}
	msg := ARP(p.Payload[:ARPFrameMinSize])
	if msg.HardwareType() != ARPHardwareTypeEthernet ||
		msg.ProtocolType() != uint16(EtherTypeIPv4) ||
		msg.HardwareAddrLen() != MacAddressLength ||
		msg.ProtocolAddrLen() != net.IPv4len {
		DropPacket(p)
		return
	}

	dev := p.SrcDevice
	iface, ok := dev.interfaceFor(AddressFamilyIPv4)
	if !ok {
		DropPacket(p)
		return
	}

	sha := append(MacAddress{}, msg.SenderHardwareAddress()...)
	spa := append(net.IP{}, msg.SenderProtocolAddress()...)
	tpa := append(net.IP{}, msg.TargetProtocolAddress()...)
	op := msg.Operation()
	p.Done()

	merged := s.arp.merge(spa, sha)
	if iface.Unicast.Equal(tpa) && !merged {
		s.arp.insertResolved(spa, sha)
	}

	if op == ARPOperationRequest && iface.Unicast.Equal(tpa) {
		reply := make(ARP, ARPFrameMinSize)
		reply.SetHardwareType(ARPHardwareTypeEthernet)
		reply.SetProtocolType(uint16(EtherTypeIPv4))
		reply.SetHardwareAddrLen(MacAddressLength)
		reply.SetProtocolAddrLen(net.IPv4len)
		reply.SetOperation(ARPOperationReply)
		reply.SetSenderHardwareAddress(dev.HWAddr)
		reply.SetSenderProtocolAddress(iface.Unicast)
		reply.SetTargetHardwareAddress(sha)
		reply.SetTargetProtocolAddress(spa)

		if err := s.EthernetTransmit(dev, sha, EtherTypeARP, reply); err != nil {
			Log().Named("arp").Debugw("reply transmit failed", "err", err)
		}
	}
}
