// Package loopback is an external collaborator per §1/§6: a trivial
// in-process echo driver that hands transmitted frames straight back to
// the stack's ingress path without going through any OS-level I/O.
//
// Grounded on the teacher's driver-less loopback path (network/workers.go
// dispatches loopback traffic directly in-process) and the original
// implementation's driver/loopback.c, whose transmit implementation is
// just "call the receive callback with the same bytes."
package loopback

import (
	"github.com/r2ip/netstack"
)

// Driver implements netstack.Driver by feeding every transmitted frame
// straight back into the owning Stack's Ethernet ingress path.
type Driver struct {
	stack *netstack.Stack
}

// New wraps stack in a loopback Driver.
func New(stack *netstack.Stack) *Driver {
	return &Driver{stack: stack}
}

// Transmit builds the Ethernet frame the caller's payload belongs in and
// immediately re-injects it as an incoming frame on the same device —
// loopback never actually leaves the process, so there's no IRQ to
// raise; the echo happens synchronously on the caller's goroutine.
func (d *Driver) Transmit(dev *netstack.Device, ethType netstack.EtherType, payload []byte, dst netstack.MacAddress) error {
	frame := make([]byte, netstack.EthernetHeaderSize+len(payload))
	eth := netstack.Ethernet(frame)
	eth.SetDstMacAddress(dst)
	eth.SetSrcMacAddress(dev.HWAddr)
	eth.SetEtherType(ethType)
	eth.SetPayload(payload)

	d.stack.EthernetInput(dev, frame)
	return nil
}

// NewDevice registers a loopback device (type LOOPBACK, broadcast
// capable, no ARP needed) on stack and returns it.
func NewDevice(stack *netstack.Stack) (*netstack.Device, error) {
	dev := &netstack.Device{
		Type:          netstack.DeviceTypeLoopback,
		MTU:           65535,
		HeaderLen:     netstack.EthernetHeaderSize,
		AddrLen:       netstack.MacAddressLength,
		Flags:         netstack.DeviceFlagLoopback | netstack.DeviceFlagBroadcast,
		HWAddr:        netstack.MacAddress{0, 0, 0, 0, 0, 0},
		BroadcastAddr: netstack.BroadcastMacAddress,
	}
	dev.Driver = New(stack)
	return stack.RegisterDevice(dev)
}
