// Package tap is an external collaborator per §1/§6: the OS-specific
// file-descriptor plumbing and signal-driven I/O glue around a kernel
// TAP device. It is a thin wrapper over github.com/songgao/water,
// grounded on the same library's use in the example pack's tun package
// (maxymania-ipsolution/tun/tundevice.go), adapted from that package's
// gopacket-flavoured ReadPacketData/WritePacketData shape into the
// (Device, EtherType, payload, dst) vtable device.go expects.
package tap

import (
	"io"
	"os"
	"sync"

	"github.com/songgao/water"

	"github.com/r2ip/netstack"
)

const frameQueueSize = 64

// Driver owns the TAP file descriptor and raises the device's assigned
// IRQ whenever a frame is ready, per §5's "drivers raise IRQs from
// OS-delivered signals (TAP)": the blocking Read loop plays the role of
// the kernel delivering the interrupt, and the actual ingress work runs
// on the interrupt thread via RegisterDeviceIRQ/RaiseIRQ rather than
// being called directly from the read goroutine.
type Driver struct {
	iface *water.Interface

	mu      sync.Mutex
	dev     *netstack.Device
	stack   *netstack.Stack
	sig     os.Signal
	readErr error

	frames chan []byte
}

// Open creates (or attaches to) the named TAP interface.
func Open(name string) (*Driver, error) {
	cfg := water.Config{DeviceType: water.TAP}
	cfg.Name = name

	iface, err := water.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Driver{iface: iface, frames: make(chan []byte, frameQueueSize)}, nil
}

// Transmit writes an Ethernet frame built from (ethType, payload, dst)
// straight to the TAP file descriptor. A short write is reported as
// failure per §4.3.
func (d *Driver) Transmit(dev *netstack.Device, ethType netstack.EtherType, payload []byte, dst netstack.MacAddress) error {
	frame := make([]byte, netstack.EthernetHeaderSize+len(payload))
	eth := netstack.Ethernet(frame)
	eth.SetDstMacAddress(dst)
	eth.SetSrcMacAddress(dev.HWAddr)
	eth.SetEtherType(ethType)
	eth.SetPayload(payload)

	n, err := d.iface.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// NewDevice registers a TAP-backed Ethernet device on stack, links the
// driver to it, registers the driver's IRQ handler with the stack's
// interrupt thread, and starts the background goroutine that reads
// frames off the file descriptor and raises that IRQ for each one.
func NewDevice(stack *netstack.Stack, d *Driver, hwAddr netstack.MacAddress) (*netstack.Device, error) {
	dev := &netstack.Device{
		Type:          netstack.DeviceTypeEthernet,
		MTU:           1500,
		HeaderLen:     netstack.EthernetHeaderSize,
		AddrLen:       netstack.MacAddressLength,
		Flags:         netstack.DeviceFlagBroadcast | netstack.DeviceFlagNeedARP,
		HWAddr:        hwAddr,
		BroadcastAddr: netstack.BroadcastMacAddress,
		Driver:        d,
	}
	dev, err := stack.RegisterDevice(dev)
	if err != nil {
		return nil, err
	}

	sig, err := stack.RegisterDeviceIRQ(d.handleIRQ)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.dev = dev
	d.stack = stack
	d.sig = sig
	d.mu.Unlock()

	go d.readLoop()

	return dev, nil
}

// readLoop blocks on the TAP file descriptor and, for each frame the
// kernel hands back, enqueues it and raises the device's IRQ. A full
// queue drops the frame rather than blocking the reader, per §4.2's
// bounded-queue ingress model.
func (d *Driver) readLoop() {
	for {
		buf := make([]byte, netstack.EthernetFrameMaxLen)
		n, err := d.iface.Read(buf)
		if err != nil {
			d.mu.Lock()
			d.readErr = err
			d.mu.Unlock()
			return
		}

		d.mu.Lock()
		stack, sig := d.stack, d.sig
		d.mu.Unlock()

		select {
		case d.frames <- buf[:n]:
		default:
			netstack.Log().Named("tap").Warnw("frame queue full, dropping frame")
			continue
		}
		if err := stack.RaiseIRQ(sig); err != nil {
			netstack.Log().Named("tap").Errorw("raise irq failed", "err", err)
		}
	}
}

// handleIRQ is invoked on the stack's interrupt thread each time
// readLoop raises this driver's signal. It drains every frame queued
// since the last invocation and feeds each one to the Ethernet ingress
// path.
func (d *Driver) handleIRQ() {
	d.mu.Lock()
	dev := d.dev
	stack := d.stack
	d.mu.Unlock()
	if dev == nil || !dev.IsUp() {
		return
	}

	for {
		select {
		case frame := <-d.frames:
			stack.EthernetInput(dev, frame)
		default:
			return
		}
	}
}

// Close releases the underlying TAP file descriptor, satisfying
// device.go's optional driverCloser hook.
func (d *Driver) Close(dev *netstack.Device) error {
	return d.iface.Close()
}
