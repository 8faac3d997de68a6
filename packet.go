package netstack

import (
	"sync"
	"sync/atomic"
)

// maxFrameSize bounds the pooled buffer: the largest Ethernet frame this
// stack handles is MTU 1500 plus the 14-byte header.
const maxFrameSize = 1514

var (
	getPacketCount      uint64
	returnedPacketCount uint64
)

// Packet carries one frame through the ingress pipeline. Frame is the
// full on-wire bytes as received (or about to be transmitted); Payload
// is the remaining unparsed suffix as successive layers strip their own
// header. SrcDevice names the device the frame arrived on.
//
// Adapted from the teacher's packet.go: the sync.Pool lifecycle
// (GetPacket/Done/DropPacket) is kept in spirit, but PacketFromRing (the
// beehive-kernel shared-memory ring reader) and the HandledBy offset
// bookkeeping (built for a multi-protocol IPv6/ND6 pipeline this stack
// doesn't have) are dropped — this stack's drivers (TAP, loopback) hand
// over plain []byte from a blocking Read, not a lock-free ring in mapped
// memory, and each layer here simply reslices Payload as it strips its
// own header.
type Packet struct {
	Frame     []byte
	Payload   []byte
	SrcDevice *Device

	// Done returns the packet to the pool; callers that take a Packet
	// out of the pipeline (an ingress queue entry, a PCB receive queue)
	// must call it exactly once when finished.
	Done func()
}

func (p *Packet) reset() {
	p.Frame = p.Frame[:0]
	p.Payload = nil
	p.SrcDevice = nil
}

var packetPool = sync.Pool{
	New: func() any {
		p := new(Packet)
		p.Frame = make([]byte, 0, maxFrameSize)
		return p
	},
}

// GetPacket draws a zeroed Packet from the pool.
func GetPacket() *Packet {
	p := packetPool.Get().(*Packet)
	p.reset()
	p.Done = func() {
		packetPool.Put(p)
		atomic.AddUint64(&returnedPacketCount, 1)
	}
	atomic.AddUint64(&getPacketCount, 1)
	return p
}

// DropPacket records a drop against the source device's statistics (when
// known) and returns the packet to the pool.
func DropPacket(p *Packet) {
	if p.SrcDevice != nil {
		p.SrcDevice.mu.Lock()
		p.SrcDevice.Stats.RXDrop++
		p.SrcDevice.mu.Unlock()
	}
	p.Done()
}
