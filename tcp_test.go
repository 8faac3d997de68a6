package netstack

import "testing"

func TestSeqInWindowWraparound(t *testing.T) {
	// window [low, low+size) wrapping past the uint32 boundary
	low := uint32(0xfffffff0)
	size := uint32(32)

	if !seqInWindow(low, low, size) {
		t.Fatal("expected the window's own low edge to be in-window")
	}
	if !seqInWindow(low+16, low, size) {
		t.Fatal("expected a value past the wrap to be in-window")
	}
	if seqInWindow(low+size, low, size) {
		t.Fatal("expected the value one past the window to be out of window")
	}
	if seqInWindow(low-1, low, size) {
		t.Fatal("expected the value one before the window to be out of window")
	}
}

func TestAcceptableZeroLengthZeroWindow(t *testing.T) {
	rcvNxt := uint32(100)
	if !acceptable(tcpSegment{seq: 100, len: 0}, rcvNxt, 0) {
		t.Fatal("a zero-length segment exactly at rcv.nxt should be acceptable with a zero window")
	}
	if acceptable(tcpSegment{seq: 101, len: 0}, rcvNxt, 0) {
		t.Fatal("a zero-length segment not at rcv.nxt should be rejected with a zero window")
	}
}

func TestAcceptableDataAgainstZeroWindow(t *testing.T) {
	rcvNxt := uint32(100)
	if acceptable(tcpSegment{seq: 100, len: 10}, rcvNxt, 0) {
		t.Fatal("data segments are never acceptable against a zero receive window")
	}
}

func TestAcceptableDataWithinWindow(t *testing.T) {
	rcvNxt := uint32(100)
	wnd := uint16(50)
	if !acceptable(tcpSegment{seq: 100, len: 10}, rcvNxt, wnd) {
		t.Fatal("expected a segment starting at rcv.nxt to be acceptable")
	}
	if !acceptable(tcpSegment{seq: 140, len: 20}, rcvNxt, wnd) {
		t.Fatal("expected a segment whose tail falls inside the window to be acceptable")
	}
	if acceptable(tcpSegment{seq: 200, len: 10}, rcvNxt, wnd) {
		t.Fatal("expected a segment entirely past the window to be rejected")
	}
}

func TestFindLockedPrefersExactForeignOverWildcard(t *testing.T) {
	table := newTCPTable(nil)
	table.pcbs[0] = tcpPCB{
		state: tcpListen,
		local: Endpoint{Port: 80},
	}
	table.pcbs[1] = tcpPCB{
		state:      tcpListen,
		local:      Endpoint{Port: 80},
		foreign:    Endpoint{Addr: []byte{10, 0, 0, 5}, Port: 4000},
		hasForeign: true,
	}

	pcb, ok := table.findLocked(Endpoint{Port: 80}, Endpoint{Addr: []byte{10, 0, 0, 5}, Port: 4000})
	if !ok {
		t.Fatal("expected a match")
	}
	if pcb != &table.pcbs[1] {
		t.Fatal("expected the exact-foreign LISTEN entry to win over the wildcard one")
	}

	pcb, ok = table.findLocked(Endpoint{Port: 80}, Endpoint{Addr: []byte{10, 0, 0, 9}, Port: 5000})
	if !ok {
		t.Fatal("expected the wildcard LISTEN entry to act as a fallback")
	}
	if pcb != &table.pcbs[0] {
		t.Fatal("expected the wildcard LISTEN entry to be selected as fallback")
	}
}

func TestFindLockedPrefersEstablishedOverListen(t *testing.T) {
	table := newTCPTable(nil)
	local := Endpoint{Port: 80}
	foreign := Endpoint{Addr: []byte{10, 0, 0, 5}, Port: 4000}

	table.pcbs[0] = tcpPCB{state: tcpListen, local: local}
	table.pcbs[1] = tcpPCB{state: tcpEstablished, local: local, foreign: foreign, hasForeign: true}

	pcb, ok := table.findLocked(local, foreign)
	if !ok || pcb != &table.pcbs[1] {
		t.Fatal("expected the established connection to be selected over the LISTEN fallback")
	}
}

func TestComputeMSS(t *testing.T) {
	ifc := &Interface{Device: &Device{MTU: 1500}}
	if got := computeMSS(ifc); got != 1460 {
		t.Fatalf("expected MSS 1460 for a 1500-byte MTU, got %d", got)
	}
}

func TestTCPHeaderAccessors(t *testing.T) {
	buf := make([]byte, tcpHeaderLen)
	h := TCPHeader(buf)
	h.SetSrcPort(1234)
	h.SetDstPort(80)
	h.SetSeqNum(111)
	h.SetAckNum(222)
	h.SetDataOffset(tcpHeaderLen / 4)
	h.SetFlags(tcpFlagSYN | tcpFlagACK)
	h.SetWindow(4096)

	if h.SrcPort() != 1234 || h.DstPort() != 80 {
		t.Fatal("port accessors mismatch")
	}
	if h.SeqNum() != 111 || h.AckNum() != 222 {
		t.Fatal("seq/ack accessors mismatch")
	}
	if h.HeaderLen() != tcpHeaderLen {
		t.Fatalf("expected header len %d, got %d", tcpHeaderLen, h.HeaderLen())
	}
	if h.Flags()&tcpFlagSYN == 0 || h.Flags()&tcpFlagACK == 0 {
		t.Fatal("expected SYN|ACK flags to round-trip")
	}
	if h.Window() != 4096 {
		t.Fatal("window accessor mismatch")
	}
}
