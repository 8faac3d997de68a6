package netstack

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

const (
	udpTableSize     = 16
	udpHeaderLen     = 8
	udpEphemeralLow  = 49152
	udpEphemeralHigh = 65535
)

// Endpoint is an (address, port) pair, the application-facing unit
// §6 calls "endpoint".
type Endpoint struct {
	Addr net.IP
	Port uint16
}

func (e Endpoint) isWildcardAddr() bool {
	return e.Addr == nil || e.Addr.Equal(net.IPv4zero)
}

func (e Endpoint) matches(other Endpoint) bool {
	return e.Port == other.Port && (e.isWildcardAddr() || other.isWildcardAddr() || e.Addr.Equal(other.Addr))
}

func (e Endpoint) String() string {
	addr := "0.0.0.0"
	if e.Addr != nil {
		addr = e.Addr.String()
	}
	return addr + ":" + strconv.Itoa(int(e.Port))
}

type pcbState int

const (
	pcbFree pcbState = iota
	pcbOpen
	pcbClosing
)

type udpRecvEntry struct {
	from Endpoint
	data []byte
}

// udpPCB is the per-endpoint state described in §3: state, bound local
// endpoint, receive queue, and a wait context.
type udpPCB struct {
	state pcbState
	local Endpoint
	recvQ []udpRecvEntry
	wait  *WaitContext
}

// udpTable is the fixed-length (16-entry) UDP endpoint table of §4.7,
// guarded by a single mutex per §5. Grounded on the original
// implementation's udp.c PCB array and the teacher's condvar-less
// worker-pool style (workers.go) generalized through WaitContext.
type udpTable struct {
	stack *Stack
	mu    sync.Mutex
	pcbs  [udpTableSize]udpPCB
}

func newUDPTable(s *Stack) *udpTable {
	return &udpTable{stack: s}
}

// Open allocates the first FREE slot and returns its index as the
// application's socket handle.
func (t *udpTable) Open() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.pcbs {
		if t.pcbs[i].state == pcbFree {
			t.pcbs[i] = udpPCB{state: pcbOpen, wait: NewWaitContext(&t.mu)}
			return i, nil
		}
	}
	return -1, ErrPoolExhausted
}

func (t *udpTable) get(id int) (*udpPCB, error) {
	if id < 0 || id >= udpTableSize {
		return nil, ErrEndpointRange
	}
	pcb := &t.pcbs[id]
	if pcb.state == pcbFree {
		return nil, ErrEndpointFree
	}
	return pcb, nil
}

// Bind assigns local to the endpoint, rejecting a pair already bound
// elsewhere, per §4.7.
func (t *udpTable) Bind(id int, local Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pcb, err := t.get(id)
	if err != nil {
		return err
	}
	for i := range t.pcbs {
		if i == id || t.pcbs[i].state == pcbFree {
			continue
		}
		if t.pcbs[i].local.Port == local.Port && t.pcbs[i].local.Addr.Equal(local.Addr) {
			return errors.Wrapf(ErrAddressInUse, "endpoint=%s", local)
		}
	}
	pcb.local = local
	return nil
}

// pickEphemeralLocked scans [49152, 65535] for the first port not bound
// on addr, per §4.7/S4.
func (t *udpTable) pickEphemeralLocked(addr net.IP) (uint16, error) {
	for port := udpEphemeralLow; port <= udpEphemeralHigh; port++ {
		used := false
		for i := range t.pcbs {
			if t.pcbs[i].state == pcbFree {
				continue
			}
			if int(t.pcbs[i].local.Port) == port && t.pcbs[i].local.Addr.Equal(addr) {
				used = true
				break
			}
		}
		if !used {
			return uint16(port), nil
		}
	}
	return 0, errors.Wrap(ErrPoolExhausted, "no ephemeral port available")
}

// SendTo implements §4.7's sendto: it completes an unbound endpoint's
// local address/port, builds the datagram with a pseudo-header-inclusive
// checksum, and hands it to IP.
func (t *udpTable) SendTo(id int, data []byte, dst Endpoint) (int, error) {
	t.mu.Lock()
	pcb, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}

	if pcb.local.Addr == nil || pcb.local.Addr.Equal(net.IPv4zero) {
		route, ok := t.stack.routes.Lookup(dst.Addr)
		if !ok {
			t.mu.Unlock()
			return 0, errors.Wrapf(ErrNoRoute, "dst=%s", dst.Addr)
		}
		srcAddr := route.Iface.Unicast
		if pcb.local.Port == 0 {
			port, err := t.pickEphemeralLocked(srcAddr)
			if err != nil {
				t.mu.Unlock()
				return 0, err
			}
			pcb.local.Port = port
		}
		pcb.local.Addr = srcAddr
	} else if pcb.local.Port == 0 {
		port, err := t.pickEphemeralLocked(pcb.local.Addr)
		if err != nil {
			t.mu.Unlock()
			return 0, err
		}
		pcb.local.Port = port
	}
	local := pcb.local
	t.mu.Unlock()

	total := udpHeaderLen + len(data)
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], local.Port)
	binary.BigEndian.PutUint16(buf[2:4], dst.Port)
	binary.BigEndian.PutUint16(buf[4:6], uint16(total))
	binary.BigEndian.PutUint16(buf[6:8], 0)
	copy(buf[udpHeaderLen:], data)

	pseudo := PseudoHeaderIPv4(local.Addr, dst.Addr, IPProtocolUDP, uint16(total))
	checksum := ChecksumWithPseudoHeader(pseudo, buf, nil)
	binary.BigEndian.PutUint16(buf[6:8], checksum)

	if err := t.stack.IPv4Output(local.Addr, dst.Addr, IPProtocolUDP, buf); err != nil {
		return 0, err
	}
	return len(data), nil
}

// RecvFrom implements §4.7's recvfrom: pop a queued datagram if one is
// present, else sleep on the endpoint context, retrying on ordinary
// wakeup and surfacing EINTR/closed per §4.7 and §5.
func (t *udpTable) RecvFrom(id int, buf []byte) (int, Endpoint, error) {
	t.mu.Lock()
	for {
		pcb, err := t.get(id)
		if err != nil {
			t.mu.Unlock()
			return 0, Endpoint{}, err
		}
		if len(pcb.recvQ) > 0 {
			entry := pcb.recvQ[0]
			pcb.recvQ = pcb.recvQ[1:]
			t.mu.Unlock()
			n := copy(buf, entry.data)
			return n, entry.from, nil
		}
		if pcb.state == pcbClosing {
			t.mu.Unlock()
			t.Close(id)
			return 0, Endpoint{}, errors.Wrap(ErrEndpointFree, "endpoint closing")
		}

		// Close zeroes the slot (and its wait field) while we sleep, so
		// keep our own reference to the context we slept on.
		wait := pcb.wait
		wait.Sleep()
		if wait.Interrupted() {
			t.mu.Unlock()
			return 0, Endpoint{}, errors.Wrap(ErrInterrupted, "recvfrom")
		}
	}
}

// Close clears the slot: queued datagrams are discarded and sleepers
// woken before release, resolving §9's open question on the release-path
// waiter guard by waking unconditionally rather than gating on a
// waiter-count comparison.
func (t *udpTable) Close(id int) error {
	t.mu.Lock()
	pcb, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if pcb.wait != nil {
		pcb.wait.Wake()
	}
	t.pcbs[id] = udpPCB{}
	t.mu.Unlock()

	return nil
}

func (t *udpTable) interruptAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		if t.pcbs[i].state != pcbFree {
			t.pcbs[i].state = pcbClosing
			t.pcbs[i].wait.Interrupt()
		}
	}
}

// input implements §4.7's ingress selection: after the checksum and
// declared-length checks pass, the datagram is delivered to the first
// endpoint whose local port matches and whose local address equals the
// destination, is wildcard, or whose destination is the wildcard.
func (t *udpTable) input(pkt *Packet, hdr IPv4Header, iface *Interface, payload []byte) {
	if len(payload) < udpHeaderLen {
		Log().Named("udp").Debugw("too short", "len", len(payload))
		return
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	if int(length) != len(payload) {
		Log().Named("udp").Debugw("length mismatch", "declared", length, "have", len(payload))
		return
	}

	pseudo := PseudoHeaderIPv4(hdr.SrcAddress(), hdr.DstAddress(), IPProtocolUDP, length)
	if !ChecksumValidWithPseudoHeader(pseudo, payload) {
		Log().Named("udp").Debugw("bad checksum")
		return
	}

	from := Endpoint{Addr: append(net.IP{}, hdr.SrcAddress()...), Port: srcPort}
	to := Endpoint{Addr: append(net.IP{}, hdr.DstAddress()...), Port: dstPort}
	data := append([]byte{}, payload[udpHeaderLen:]...)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		pcb := &t.pcbs[i]
		if pcb.state != pcbOpen {
			continue
		}
		if pcb.local.Port != dstPort {
			continue
		}
		if !pcb.local.isWildcardAddr() && !pcb.local.Addr.Equal(to.Addr) && !to.isWildcardAddr() {
			continue
		}
		pcb.recvQ = append(pcb.recvQ, udpRecvEntry{from: from, data: data})
		pcb.wait.Wake()
		return
	}
	Log().Named("udp").Debugw("no matching endpoint", "dst", to)
}
