package netstack

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// IP protocol numbers dispatched at L3, per §3/§4.5.
const (
	IPProtocolICMP uint8 = 1
	IPProtocolTCP  uint8 = 6
	IPProtocolUDP  uint8 = 17
)

const (
	ipv4HeaderMinLen = 20
	ipv4Version      = 4
	ipv4DefaultTTL   = 255
	ipv4FlagMF       = 0x2000
	ipv4OffsetMask   = 0x1fff
)

// IPv4Header is a byte-slice view of the 20-byte fixed header this stack
// emits and parses (no options, per §6). Grounded on the teacher's
// IPv4Header accessor set, extended with setters and an output path the
// teacher never needed (its HandleIPv4Packet was an empty stub and its
// IPv6 path, kept here only in spirit via the now-dropped IPv6Header, is
// an explicit non-goal of this stack).
type IPv4Header []byte

func (h IPv4Header) Version() uint8 { return h[0] >> 4 }

func (h IPv4Header) IHL() uint8 { return h[0] & 0x0f }

func (h IPv4Header) HeaderLen() int { return int(h.IHL()) * 4 }

func (h IPv4Header) setVersionIHL(ihlWords uint8) {
	h[0] = (ipv4Version << 4) | (ihlWords & 0x0f)
}

func (h IPv4Header) TOS() uint8 { return h[1] }

func (h IPv4Header) SetTOS(v uint8) { h[1] = v }

func (h IPv4Header) TotalLength() uint16 { return binary.BigEndian.Uint16(h[2:4]) }

func (h IPv4Header) SetTotalLength(v uint16) { binary.BigEndian.PutUint16(h[2:4], v) }

func (h IPv4Header) Identification() uint16 { return binary.BigEndian.Uint16(h[4:6]) }

func (h IPv4Header) SetIdentification(v uint16) { binary.BigEndian.PutUint16(h[4:6], v) }

func (h IPv4Header) flagsAndOffset() uint16 { return binary.BigEndian.Uint16(h[6:8]) }

func (h IPv4Header) setFlagsAndOffset(v uint16) { binary.BigEndian.PutUint16(h[6:8], v) }

func (h IPv4Header) MoreFragments() bool { return h.flagsAndOffset()&ipv4FlagMF != 0 }

func (h IPv4Header) FragmentOffset() uint16 { return h.flagsAndOffset() & ipv4OffsetMask }

func (h IPv4Header) TTL() uint8 { return h[8] }

func (h IPv4Header) SetTTL(v uint8) { h[8] = v }

func (h IPv4Header) Protocol() uint8 { return h[9] }

func (h IPv4Header) SetProtocol(v uint8) { h[9] = v }

func (h IPv4Header) Checksum() uint16 { return binary.BigEndian.Uint16(h[10:12]) }

func (h IPv4Header) SetChecksum(v uint16) { binary.BigEndian.PutUint16(h[10:12], v) }

func (h IPv4Header) SrcAddress() net.IP { return net.IP(h[12:16]) }

func (h IPv4Header) SetSrcAddress(ip net.IP) { copy(h[12:16], ip.To4()) }

func (h IPv4Header) DstAddress() net.IP { return net.IP(h[16:20]) }

func (h IPv4Header) SetDstAddress(ip net.IP) { copy(h[16:20], ip.To4()) }

// PseudoHeaderIPv4 builds the 12-byte (src, dst, 0, protocol, length)
// tuple §6 specifies for UDP/TCP checksums.
func PseudoHeaderIPv4(src, dst net.IP, protocol uint8, length uint16) []byte {
	b := make([]byte, 12)
	copy(b[0:4], src.To4())
	copy(b[4:8], dst.To4())
	b[8] = 0
	b[9] = protocol
	binary.BigEndian.PutUint16(b[10:12], length)
	return b
}

// IPv4Input is the L2 ingress handler for EtherTypeIPv4, implementing
// the validation order and dispatch of §4.5. DropPacket is only called
// on the branches that actually drop the datagram; a datagram that
// reaches a registered L3 handler releases the packet via Done once the
// handler returns, so dev.Stats.RXDrop only ever counts real drops, not
// every packet IPv4Input happens to see.
func (s *Stack) IPv4Input(p *Packet) {
	buf := p.Payload
	if len(buf) < ipv4HeaderMinLen {
		Log().Named("ip").Debugw("too short", "len", len(buf))
		DropPacket(p)
		return
	}
	hdr := IPv4Header(buf)
	if hdr.Version() != ipv4Version {
		Log().Named("ip").Debugw("bad version", "version", hdr.Version())
		DropPacket(p)
		return
	}
	hlen := hdr.HeaderLen()
	if hlen < ipv4HeaderMinLen || hlen > len(buf) {
		Log().Named("ip").Debugw("bad header length", "hlen", hlen)
		DropPacket(p)
		return
	}
	total := int(hdr.TotalLength())
	if total > len(buf) {
		Log().Named("ip").Debugw("total length exceeds received", "total", total, "have", len(buf))
		DropPacket(p)
		return
	}
	if !ChecksumValid(buf[:hlen]) {
		Log().Named("ip").Debugw("bad checksum")
		DropPacket(p)
		return
	}
	if hdr.MoreFragments() || hdr.FragmentOffset() != 0 {
		Log().Named("ip").Debugw("fragment present, dropping", "src", hdr.SrcAddress())
		DropPacket(p)
		return
	}

	dev := p.SrcDevice
	iface, ok := dev.interfaceFor(AddressFamilyIPv4)
	if !ok {
		DropPacket(p)
		return
	}
	dst := hdr.DstAddress()
	if !dst.Equal(iface.Unicast) && !dst.Equal(iface.Broadcast) && !dst.Equal(net.IPv4bcast) {
		DropPacket(p)
		return
	}

	handler, ok := s.protocols.l3For(hdr.Protocol())
	if !ok {
		Log().Named("ip").Debugw("unsupported protocol", "proto", hdr.Protocol())
		DropPacket(p)
		return
	}

	payload := buf[hlen:total]
	handler(p, hdr, iface, payload)
	p.Done()
}

// IPv4Output implements §4.5's seven-step output path. src may be nil or
// the zero address to let the route's interface supply it.
func (s *Stack) IPv4Output(src, dst net.IP, protocol uint8, payload []byte) error {
	dst4 := dst.To4()

	if dst4.Equal(net.IPv4bcast) && (src == nil || src.Equal(net.IPv4zero)) {
		return errors.Wrap(ErrBroadcastSource, "ip output")
	}

	route, ok := s.routes.Lookup(dst4)
	if !ok {
		return errors.Wrapf(ErrNoRoute, "dst=%s", dst4)
	}
	iface := route.Iface

	if src != nil && !src.Equal(net.IPv4zero) && !src.Equal(iface.Unicast) {
		return errors.Wrapf(ErrSourceUnreachable, "src=%s iface=%s", src, iface)
	}

	nexthop := ResolveNexthop(route, dst4)

	dev := iface.Device
	hlen := ipv4HeaderMinLen
	total := hlen + len(payload)
	if total > dev.MTU {
		return errors.Wrapf(ErrMTUExceeded, "mtu=%d total=%d", dev.MTU, total)
	}

	buf := make([]byte, total)
	hdr := IPv4Header(buf)
	hdr.setVersionIHL(uint8(hlen / 4))
	hdr.SetTOS(0)
	hdr.SetTotalLength(uint16(total))
	hdr.SetIdentification(s.nextIPv4ID())
	hdr.setFlagsAndOffset(0)
	hdr.SetTTL(ipv4DefaultTTL)
	hdr.SetProtocol(protocol)
	hdr.SetSrcAddress(iface.Unicast)
	hdr.SetDstAddress(dst4)
	hdr.SetChecksum(0)
	copy(buf[hlen:], payload)
	hdr.SetChecksum(InternetChecksum(buf[:hlen]))

	if dev.Flags&DeviceFlagNeedARP != 0 && !dst4.Equal(net.IPv4bcast) && !dst4.Equal(iface.Broadcast) {
		hw, res := s.arp.Resolve(iface, nexthop)
		switch res {
		case ResolveFound:
			return s.EthernetTransmit(dev, hw, EtherTypeIPv4, buf)
		case ResolveIncomplete:
			return errors.Wrap(ErrResolveIncomplete, "ip output")
		default:
			return errors.Wrap(ErrResolveError, "ip output")
		}
	}

	return s.EthernetTransmit(dev, BroadcastMacAddress, EtherTypeIPv4, buf)
}
