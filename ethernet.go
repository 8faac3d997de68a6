package netstack

import (
	"bytes"
	"encoding/binary"
)

//
// 48-bit MAC address
//

const MacAddressLength = 6

var (
	BroadcastMacAddress = MacAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	EmptyMacAddress     = MacAddress{0, 0, 0, 0, 0, 0}
)

type MacAddress []byte

func (m MacAddress) IsMcast() bool {
	return m[0] == 0x1 || (m[0] == 0x33 && m[1] == 0x33)
}

func (m MacAddress) IsBcast() bool {
	return bytes.Equal(m, BroadcastMacAddress)
}

func (m MacAddress) Equals(addr MacAddress) bool {
	return bytes.Equal(m, addr)
}

func (m MacAddress) String() string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, MacAddressLength*3-1)
	for i, b := range m {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, hex[b>>4], hex[b&0xf])
	}
	return string(buf)
}

//
// EtherType
//

type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

//
// Ethernet frame
//

const (
	EthernetHeaderSize    = MacAddressLength + MacAddressLength + 2
	EthernetPayloadMinLen = 46
	EthernetFrameMaxLen   = EthernetHeaderSize + 1500
)

// Ethernet is a fixed 14-byte header (no 802.1Q support, an explicit
// non-goal) over a byte slice: destination MAC, source MAC, EtherType.
type Ethernet []byte

func (e Ethernet) DstMacAddress() MacAddress { return MacAddress(e[0:6]) }

func (e Ethernet) SetDstMacAddress(addr MacAddress) { copy(e[0:6], addr) }

func (e Ethernet) SrcMacAddress() MacAddress { return MacAddress(e[6:12]) }

func (e Ethernet) SetSrcMacAddress(addr MacAddress) { copy(e[6:12], addr) }

func (e Ethernet) EtherType() EtherType {
	return EtherType(binary.BigEndian.Uint16(e[12:14]))
}

func (e Ethernet) SetEtherType(t EtherType) {
	binary.BigEndian.PutUint16(e[12:14], uint16(t))
}

func (e Ethernet) Payload() []byte { return e[EthernetHeaderSize:] }

func (e Ethernet) SetPayload(d []byte) { copy(e[EthernetHeaderSize:], d) }

// EthernetInput is the device driver's receive callback: it validates and
// frames the raw bytes read off the wire (or, for loopback, handed
// straight back to itself), then hands the payload to InputHandler for
// queueing and soft-IRQ dispatch. Grounded on the teacher's
// HandleEthernetFrame, stripped of the Dot1Q branch and the dead
// hook/forward machinery (hooks.go and netspace.go's forwarding path are
// not part of this stack's scope) and split so that what the teacher
// called in one function is now "filter here, queue+dispatch over
// there" per §4.2/§4.3.
func (s *Stack) EthernetInput(dev *Device, frame []byte) {
	if len(frame) < EthernetHeaderSize {
		dev.mu.Lock()
		dev.Stats.RXErr++
		dev.mu.Unlock()
		Log().Named("ethernet").Debugw("short frame dropped", "dev", dev.Name, "len", len(frame))
		return
	}

	eth := Ethernet(frame)
	dst := eth.DstMacAddress()
	if !dst.Equals(dev.HWAddr) && !dst.IsBcast() {
		dev.mu.Lock()
		dev.Stats.RXDrop++
		dev.mu.Unlock()
		return
	}

	p := GetPacket()
	p.Frame = append(p.Frame[:0], frame...)
	p.Payload = Ethernet(p.Frame).Payload()
	p.SrcDevice = dev

	dev.mu.Lock()
	dev.Stats.RXPackets++
	dev.mu.Unlock()

	s.InputHandler(eth.EtherType(), p)
}

// EthernetTransmit prepends nothing itself — the 14-byte header is built
// by the driver from (dev.HWAddr, dst, ethType) per the Driver contract
// in device.go — but it does enforce the 46-byte payload-padding rule
// from §4.3 before delegating to Transmit.
func (s *Stack) EthernetTransmit(dev *Device, dst MacAddress, ethType EtherType, payload []byte) error {
	if len(payload) < EthernetPayloadMinLen {
		padded := make([]byte, EthernetPayloadMinLen)
		copy(padded, payload)
		payload = padded
	}
	return Transmit(dev, ethType, payload, dst)
}
