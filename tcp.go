package netstack

import (
	"encoding/binary"
	"math/rand"
	"net"
	"sync"

	"github.com/pkg/errors"
)

const (
	tcpTableSize     = 16
	tcpHeaderLen     = 20
	tcpRecvBufSize   = 65535
)

// TCP flag bits, byte 13 of the header per §6.
const (
	tcpFlagFIN uint8 = 0x01
	tcpFlagSYN uint8 = 0x02
	tcpFlagRST uint8 = 0x04
	tcpFlagPSH uint8 = 0x08
	tcpFlagACK uint8 = 0x10
	tcpFlagURG uint8 = 0x20
)

// TCPHeader is the 20-byte fixed header of §6 (no options emitted).
type TCPHeader []byte

func (h TCPHeader) SrcPort() uint16 { return binary.BigEndian.Uint16(h[0:2]) }

func (h TCPHeader) SetSrcPort(v uint16) { binary.BigEndian.PutUint16(h[0:2], v) }

func (h TCPHeader) DstPort() uint16 { return binary.BigEndian.Uint16(h[2:4]) }

func (h TCPHeader) SetDstPort(v uint16) { binary.BigEndian.PutUint16(h[2:4], v) }

func (h TCPHeader) SeqNum() uint32 { return binary.BigEndian.Uint32(h[4:8]) }

func (h TCPHeader) SetSeqNum(v uint32) { binary.BigEndian.PutUint32(h[4:8], v) }

func (h TCPHeader) AckNum() uint32 { return binary.BigEndian.Uint32(h[8:12]) }

func (h TCPHeader) SetAckNum(v uint32) { binary.BigEndian.PutUint32(h[8:12], v) }

func (h TCPHeader) DataOffset() uint8 { return h[12] >> 4 }

func (h TCPHeader) HeaderLen() int { return int(h.DataOffset()) * 4 }

func (h TCPHeader) SetDataOffset(words uint8) { h[12] = words << 4 }

func (h TCPHeader) Flags() uint8 { return h[13] }

func (h TCPHeader) SetFlags(f uint8) { h[13] = f }

func (h TCPHeader) Window() uint16 { return binary.BigEndian.Uint16(h[14:16]) }

func (h TCPHeader) SetWindow(v uint16) { binary.BigEndian.PutUint16(h[14:16], v) }

func (h TCPHeader) Checksum() uint16 { return binary.BigEndian.Uint16(h[16:18]) }

func (h TCPHeader) SetChecksum(v uint16) { binary.BigEndian.PutUint16(h[16:18], v) }

func (h TCPHeader) UrgentPointer() uint16 { return binary.BigEndian.Uint16(h[18:20]) }

func (h TCPHeader) SetUrgentPointer(v uint16) { binary.BigEndian.PutUint16(h[18:20], v) }

// tcpState is the subset of RFC 793 states named in §3; only LISTEN,
// SYN_RECEIVED and ESTABLISHED processing is implemented per §4.8's
// "implemented subset" — the rest exist so a PCB's state field always
// holds a name from the full RFC vocabulary, matching how the original
// implementation's enum is defined even though most values are unused.
type tcpState int

const (
	tcpFree tcpState = iota
	tcpClosed
	tcpListen
	tcpSynSent
	tcpSynReceived
	tcpEstablished
	tcpFinWait1
	tcpFinWait2
	tcpClosingState
	tcpTimeWait
	tcpCloseWait
	tcpLastAck
)

// tcpSegment is the normalized ingress record of §4.8.
type tcpSegment struct {
	localEP, foreignEP Endpoint
	seq, ack           uint32
	len                uint32
	wnd                uint16
	up                 uint16
	flags              uint8
	payload            []byte
}

// tcpPCB is the per-connection state of §3: send/receive variables, a
// fixed 65535-byte receive buffer, and a wait context.
type tcpPCB struct {
	state      tcpState
	local      Endpoint
	foreign    Endpoint
	hasForeign bool

	sndUna, sndNxt uint32
	sndWnd         uint16
	sndWl1, sndWl2 uint32
	iss            uint32

	rcvNxt uint32
	rcvWnd uint16
	irs    uint32

	mss uint16

	buf []byte

	wait *WaitContext
}

// tcpTable is the fixed-length (16-entry) TCP PCB table of §4.8, guarded
// by one mutex per §5. Grounded on the original implementation's
// tcp.c PCB array and RFC 793 "segment arrives" processing; the teacher
// repo has no TCP of its own, so the state-machine shape follows the
// spec's §4.8 narrative directly.
type tcpTable struct {
	stack *Stack
	mu    sync.Mutex
	pcbs  [tcpTableSize]tcpPCB
}

func newTCPTable(s *Stack) *tcpTable {
	return &tcpTable{stack: s}
}

func (t *tcpTable) get(id int) (*tcpPCB, error) {
	if id < 0 || id >= tcpTableSize {
		return nil, ErrEndpointRange
	}
	pcb := &t.pcbs[id]
	if pcb.state == tcpFree {
		return nil, ErrEndpointFree
	}
	return pcb, nil
}

// OpenRFC793 implements §4.8's passive-open application API: allocate a
// PCB, set local and optional foreign endpoint, transition to LISTEN,
// and sleep until the state changes.
func (t *tcpTable) OpenRFC793(local Endpoint, foreign *Endpoint) (int, error) {
	t.mu.Lock()
	idx := -1
	for i := range t.pcbs {
		if t.pcbs[i].state == tcpFree {
			idx = i
			break
		}
	}
	if idx == -1 {
		t.mu.Unlock()
		return -1, ErrPoolExhausted
	}
	pcb := &t.pcbs[idx]
	*pcb = tcpPCB{
		state:  tcpListen,
		local:  local,
		wait:   NewWaitContext(&t.mu),
		rcvWnd: tcpRecvBufSize,
		buf:    make([]byte, tcpRecvBufSize),
	}
	if foreign != nil {
		pcb.foreign = *foreign
		pcb.hasForeign = true
	}

	for {
		pcb.wait.Sleep()
		if pcb.wait.Interrupted() {
			t.mu.Unlock()
			t.Close(idx)
			return -1, errors.Wrap(ErrInterrupted, "open_rfc793")
		}

		switch pcb.state {
		case tcpEstablished:
			t.mu.Unlock()
			return idx, nil
		case tcpListen, tcpSynReceived:
			continue
		default:
			t.mu.Unlock()
			t.Close(idx)
			return -1, errors.New("connection failed")
		}
	}
}

// Send implements §4.8's send loop: pace outgoing data against the
// peer's advertised window, blocking when the window is exhausted.
func (t *tcpTable) Send(id int, data []byte) (int, error) {
	sent := 0
	t.mu.Lock()
	defer t.mu.Unlock()
	for sent < len(data) {
		pcb, err := t.get(id)
		if err != nil {
			if sent > 0 {
				return sent, nil
			}
			return 0, err
		}
		if pcb.state != tcpEstablished {
			return sent, errors.New("connection not established")
		}

		capacity := int32(pcb.sndWnd) - int32(pcb.sndNxt-pcb.sndUna)
		if capacity <= 0 {
			pcb.wait.Sleep()
			if pcb.wait.Interrupted() {
				if sent > 0 {
					return sent, nil
				}
				return 0, errors.Wrap(ErrInterrupted, "send")
			}
			continue
		}

		n := len(data) - sent
		if n > int(pcb.mss) {
			n = int(pcb.mss)
		}
		if n > int(capacity) {
			n = int(capacity)
		}
		chunk := data[sent : sent+n]
		seq := pcb.sndNxt
		ack := pcb.rcvNxt
		wnd := pcb.rcvWnd
		local, foreign := pcb.local, pcb.foreign
		pcb.sndNxt += uint32(n)

		t.mu.Unlock()
		sendErr := t.sendSegmentRaw(local, foreign, seq, ack, tcpFlagACK|tcpFlagPSH, wnd, chunk)
		t.mu.Lock()
		if sendErr != nil {
			if sent > 0 {
				return sent, nil
			}
			return 0, sendErr
		}
		sent += n
	}
	return sent, nil
}

// Receive implements §4.8's receive: deliver buffered bytes or sleep
// until more arrive.
func (t *tcpTable) Receive(id int, buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		pcb, err := t.get(id)
		if err != nil {
			return 0, err
		}
		if pcb.state != tcpEstablished {
			return 0, errors.New("connection not established")
		}
		buffered := len(pcb.buf) - int(pcb.rcvWnd)
		if buffered > 0 {
			n := len(buf)
			if n > buffered {
				n = buffered
			}
			copy(buf, pcb.buf[:n])
			copy(pcb.buf, pcb.buf[n:])
			pcb.rcvWnd += uint16(n)
			return n, nil
		}

		pcb.wait.Sleep()
		if pcb.wait.Interrupted() {
			return 0, errors.Wrap(ErrInterrupted, "receive")
		}
	}
}

// Close sends RST to the foreign endpoint, when the PCB has one, and
// releases the PCB; there is no graceful close (FIN_WAIT/TIME_WAIT).
func (t *tcpTable) Close(id int) error {
	t.mu.Lock()
	pcb, err := t.get(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	local, foreign, hasForeign := pcb.local, pcb.foreign, pcb.hasForeign
	seq := pcb.sndNxt
	if pcb.wait != nil {
		pcb.wait.Wake()
	}
	t.pcbs[id] = tcpPCB{}
	t.mu.Unlock()

	if hasForeign {
		return t.sendSegmentRaw(local, foreign, seq, 0, tcpFlagRST, 0, nil)
	}
	return nil
}

func (t *tcpTable) interruptAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pcbs {
		if t.pcbs[i].state != tcpFree {
			t.pcbs[i].wait.Interrupt()
		}
	}
}

// findLocked implements §4.8's endpoint selection: exact local+foreign
// match takes priority; a LISTEN endpoint with an exact foreign binding
// is preferred over one with a wildcard foreign.
func (t *tcpTable) findLocked(local, foreign Endpoint) (*tcpPCB, bool) {
	var listenExact, listenWildcard *tcpPCB
	for i := range t.pcbs {
		pcb := &t.pcbs[i]
		if pcb.state == tcpFree {
			continue
		}
		if pcb.local.Port != local.Port {
			continue
		}
		if !pcb.local.isWildcardAddr() && !pcb.local.Addr.Equal(local.Addr) {
			continue
		}
		if pcb.state != tcpListen {
			if pcb.foreign.Port == foreign.Port && pcb.foreign.Addr.Equal(foreign.Addr) {
				return pcb, true
			}
			continue
		}
		if pcb.hasForeign {
			if pcb.foreign.Port == foreign.Port && pcb.foreign.Addr.Equal(foreign.Addr) {
				listenExact = pcb
			}
		} else {
			listenWildcard = pcb
		}
	}
	if listenExact != nil {
		return listenExact, true
	}
	if listenWildcard != nil {
		return listenWildcard, true
	}
	return nil, false
}

// seqInWindow reports whether x lies in [low, low+size) using unsigned
// wraparound-safe comparison.
func seqInWindow(x, low, size uint32) bool {
	return x-low < size
}

// acceptable implements §4.8/property-7's RFC 793 acceptability test.
func acceptable(seg tcpSegment, rcvNxt uint32, rcvWnd uint16) bool {
	wnd := uint32(rcvWnd)
	if seg.len == 0 {
		if wnd == 0 {
			return seg.seq == rcvNxt
		}
		return seqInWindow(seg.seq, rcvNxt, wnd)
	}
	if wnd == 0 {
		return false
	}
	return seqInWindow(seg.seq, rcvNxt, wnd) || seqInWindow(seg.seq+seg.len-1, rcvNxt, wnd)
}

func computeMSS(iface *Interface) uint16 {
	mss := iface.Device.MTU - ipv4HeaderMinLen - tcpHeaderLen
	if mss < 0 {
		mss = 0
	}
	return uint16(mss)
}

// sendSegmentRaw builds and checksum-seals a TCP segment and hands it to
// IP. Used both by PCB-bearing sends and the no-PCB RST replies of
// §4.8's "no matching endpoint" rule.
func (t *tcpTable) sendSegmentRaw(local, foreign Endpoint, seq, ack uint32, flags uint8, wnd uint16, payload []byte) error {
	total := tcpHeaderLen + len(payload)
	buf := make([]byte, total)
	h := TCPHeader(buf)
	h.SetSrcPort(local.Port)
	h.SetDstPort(foreign.Port)
	h.SetSeqNum(seq)
	h.SetAckNum(ack)
	h.SetDataOffset(tcpHeaderLen / 4)
	h.SetFlags(flags)
	h.SetWindow(wnd)
	h.SetUrgentPointer(0)
	h.SetChecksum(0)
	copy(buf[tcpHeaderLen:], payload)

	pseudo := PseudoHeaderIPv4(local.Addr, foreign.Addr, IPProtocolTCP, uint16(total))
	h.SetChecksum(ChecksumWithPseudoHeader(pseudo, buf, nil))

	return t.stack.IPv4Output(local.Addr, foreign.Addr, IPProtocolTCP, buf)
}

// normalizeSegment builds a tcpSegment from a validated wire header, per
// §4.8's "segment normalisation".
func normalizeSegment(th TCPHeader, hlen int, srcIP, dstIP net.IP) tcpSegment {
	payload := []byte(th)[hlen:]
	length := uint32(len(payload))
	flags := th.Flags()
	if flags&tcpFlagSYN != 0 {
		length++
	}
	if flags&tcpFlagFIN != 0 {
		length++
	}
	return tcpSegment{
		localEP:   Endpoint{Addr: append(net.IP{}, dstIP...), Port: th.DstPort()},
		foreignEP: Endpoint{Addr: append(net.IP{}, srcIP...), Port: th.SrcPort()},
		seq:       th.SeqNum(),
		ack:       th.AckNum(),
		len:       length,
		wnd:       th.Window(),
		up:        th.UrgentPointer(),
		flags:     flags,
		payload:   payload,
	}
}

// input is the L3 ingress handler for IPProtocolTCP, implementing
// §4.8's "segment arrives" processing.
func (t *tcpTable) input(pkt *Packet, hdr IPv4Header, iface *Interface, payload []byte) {
	if len(payload) < tcpHeaderLen {
		Log().Named("tcp").Debugw("too short", "len", len(payload))
		return
	}
	th := TCPHeader(payload)
	hlen := th.HeaderLen()
	if hlen < tcpHeaderLen || hlen > len(payload) {
		Log().Named("tcp").Debugw("bad header length", "hlen", hlen)
		return
	}

	pseudo := PseudoHeaderIPv4(hdr.SrcAddress(), hdr.DstAddress(), IPProtocolTCP, uint16(len(payload)))
	if !ChecksumValidWithPseudoHeader(pseudo, payload) {
		Log().Named("tcp").Debugw("bad checksum")
		return
	}

	src, dst := hdr.SrcAddress(), hdr.DstAddress()
	if src.Equal(net.IPv4bcast) || dst.Equal(net.IPv4bcast) ||
		src.Equal(iface.Broadcast) || dst.Equal(iface.Broadcast) {
		Log().Named("tcp").Debugw("broadcast address in segment, dropping")
		return
	}

	seg := normalizeSegment(th, hlen, src, dst)

	t.mu.Lock()
	pcb, found := t.findLocked(seg.localEP, seg.foreignEP)
	if !found || pcb.state == tcpClosed {
		t.mu.Unlock()
		if seg.flags&tcpFlagRST != 0 {
			return
		}
		if seg.flags&tcpFlagACK == 0 {
			t.sendSegmentRaw(seg.localEP, seg.foreignEP, 0, seg.seq+seg.len, tcpFlagRST|tcpFlagACK, 0, nil)
		} else {
			t.sendSegmentRaw(seg.localEP, seg.foreignEP, seg.ack, 0, tcpFlagRST, 0, nil)
		}
		return
	}

	switch pcb.state {
	case tcpListen:
		t.processListen(pcb, seg, iface)
		return
	case tcpSynSent:
		t.mu.Unlock()
		return
	}

	if !acceptable(seg, pcb.rcvNxt, pcb.rcvWnd) {
		local, foreign, nxt, rcvNxt, rcvWnd := pcb.local, pcb.foreign, pcb.sndNxt, pcb.rcvNxt, pcb.rcvWnd
		t.mu.Unlock()
		if seg.flags&tcpFlagRST == 0 {
			t.sendSegmentRaw(local, foreign, nxt, rcvNxt, tcpFlagACK, rcvWnd, nil)
		}
		return
	}

	if seg.flags&tcpFlagACK == 0 {
		t.mu.Unlock()
		return
	}

	switch pcb.state {
	case tcpSynReceived:
		if seg.ack > pcb.sndUna && seg.ack <= pcb.sndNxt {
			pcb.sndUna = seg.ack
			pcb.state = tcpEstablished
			pcb.wait.Wake()
		} else {
			local, foreign := pcb.local, pcb.foreign
			t.mu.Unlock()
			t.sendSegmentRaw(local, foreign, seg.ack, 0, tcpFlagRST, 0, nil)
			return
		}
	case tcpEstablished:
		switch {
		case seg.ack > pcb.sndUna && seg.ack <= pcb.sndNxt:
			pcb.sndUna = seg.ack
			if pcb.sndWl1 < seg.seq || (pcb.sndWl1 == seg.seq && pcb.sndWl2 <= seg.ack) {
				pcb.sndWnd = seg.wnd
				pcb.sndWl1 = seg.seq
				pcb.sndWl2 = seg.ack
			}
			pcb.wait.Wake()
		case seg.ack > pcb.sndNxt:
			local, foreign, nxt, rcvNxt, rcvWnd := pcb.local, pcb.foreign, pcb.sndNxt, pcb.rcvNxt, pcb.rcvWnd
			t.mu.Unlock()
			t.sendSegmentRaw(local, foreign, nxt, rcvNxt, tcpFlagACK, rcvWnd, nil)
			return
		}

		if len(seg.payload) > 0 {
			buffered := len(pcb.buf) - int(pcb.rcvWnd)
			n := copy(pcb.buf[buffered:], seg.payload)
			pcb.rcvNxt += uint32(n)
			pcb.rcvWnd -= uint16(n)
			pcb.wait.Wake()

			local, foreign, nxt, rcvNxt, rcvWnd := pcb.local, pcb.foreign, pcb.sndNxt, pcb.rcvNxt, pcb.rcvWnd
			t.mu.Unlock()
			t.sendSegmentRaw(local, foreign, nxt, rcvNxt, tcpFlagACK, rcvWnd, nil)
			return
		}
	}
	t.mu.Unlock()
}

// processListen handles a segment against a LISTEN PCB per §4.8. Called
// with t.mu held; it unlocks before sending any reply and always
// returns unlocked.
func (t *tcpTable) processListen(pcb *tcpPCB, seg tcpSegment, iface *Interface) {
	if seg.flags&tcpFlagRST != 0 {
		t.mu.Unlock()
		return
	}
	if seg.flags&tcpFlagACK != 0 {
		local, foreign := pcb.local, pcb.foreign
		if !pcb.hasForeign {
			foreign = seg.foreignEP
		}
		t.mu.Unlock()
		t.sendSegmentRaw(local, foreign, seg.ack, 0, tcpFlagRST, 0, nil)
		return
	}
	if seg.flags&tcpFlagSYN == 0 {
		t.mu.Unlock()
		return
	}

	pcb.foreign = seg.foreignEP
	pcb.hasForeign = true
	pcb.irs = seg.seq
	pcb.rcvNxt = seg.seq + 1
	pcb.rcvWnd = uint16(len(pcb.buf))
	pcb.iss = rand.Uint32()
	pcb.sndNxt = pcb.iss + 1
	pcb.sndUna = pcb.iss
	pcb.sndWnd = seg.wnd
	pcb.sndWl1 = seg.seq
	pcb.sndWl2 = seg.ack
	pcb.mss = computeMSS(iface)
	pcb.state = tcpSynReceived
	pcb.wait.Wake()

	local, foreign, iss, rcvNxt, rcvWnd := pcb.local, pcb.foreign, pcb.iss, pcb.rcvNxt, pcb.rcvWnd
	t.mu.Unlock()

	t.sendSegmentRaw(local, foreign, iss, rcvNxt, tcpFlagSYN|tcpFlagACK, rcvWnd, nil)
}
