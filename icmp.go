package netstack

import (
	"encoding/binary"
)

// ICMP message types this stack recognizes; only echo/echo-reply are
// acted on per §4.6, everything else is logged and ignored.
const (
	ICMPTypeEchoReply   uint8 = 0
	ICMPTypeEchoRequest uint8 = 8
)

const icmpHeaderMinLen = 8

// ICMPHeader is the 8-byte (type, code, checksum, 4-byte
// message-specific field) header of §6; for echo/echo-reply the
// message-specific field is id (high 16 bits) and sequence (low 16).
type ICMPHeader []byte

func (h ICMPHeader) Type() uint8 { return h[0] }

func (h ICMPHeader) SetType(t uint8) { h[0] = t }

func (h ICMPHeader) Code() uint8 { return h[1] }

func (h ICMPHeader) SetCode(c uint8) { h[1] = c }

func (h ICMPHeader) Checksum() uint16 { return binary.BigEndian.Uint16(h[2:4]) }

func (h ICMPHeader) SetChecksum(v uint16) { binary.BigEndian.PutUint16(h[2:4], v) }

func (h ICMPHeader) Identifier() uint16 { return binary.BigEndian.Uint16(h[4:6]) }

func (h ICMPHeader) SetIdentifier(v uint16) { binary.BigEndian.PutUint16(h[4:6], v) }

func (h ICMPHeader) Sequence() uint16 { return binary.BigEndian.Uint16(h[6:8]) }

func (h ICMPHeader) SetSequence(v uint16) { binary.BigEndian.PutUint16(h[6:8], v) }

func (h ICMPHeader) Payload() []byte { return h[icmpHeaderMinLen:] }

// ICMPInput implements §4.6: on a valid ECHO message addressed to a
// local interface, it emits an ECHOREPLY carrying the original
// identifier, sequence number and payload. Every other type is logged
// and dropped. Grounded on the original implementation's icmp.c
// echo-reply path; the teacher repo has no ICMP of its own to adapt.
func (s *Stack) ICMPInput(pkt *Packet, hdr IPv4Header, iface *Interface, payload []byte) {
	if len(payload) < icmpHeaderMinLen {
		Log().Named("icmp").Debugw("too short", "len", len(payload))
		return
	}
	msg := ICMPHeader(payload)
	if !ChecksumValid(payload) {
		Log().Named("icmp").Debugw("bad checksum")
		return
	}
	if msg.Type() != ICMPTypeEchoRequest {
		Log().Named("icmp").Debugw("ignoring non-echo type", "type", msg.Type())
		return
	}

	reply := make([]byte, len(payload))
	copy(reply, payload)
	r := ICMPHeader(reply)
	r.SetType(ICMPTypeEchoReply)
	r.SetCode(0)
	r.SetChecksum(0)
	r.SetChecksum(InternetChecksum(reply))

	if err := s.IPv4Output(iface.Unicast, hdr.SrcAddress(), IPProtocolICMP, reply); err != nil {
		Log().Named("icmp").Debugw("echo reply send failed", "err", err)
	}
}
