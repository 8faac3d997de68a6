package netstack

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// DeviceType tags the kind of link a Device implements, mirroring
// NET_DEVICE_TYPE_* in the original C implementation this stack is
// modeled on.
type DeviceType uint16

const (
	DeviceTypeDummy    DeviceType = 0x0000
	DeviceTypeLoopback DeviceType = 0x0001
	DeviceTypeEthernet DeviceType = 0x0002
)

// DeviceFlags is the fixed flag set from §3: UP, LOOPBACK, BROADCAST,
// P2P, NEED_ARP.
type DeviceFlags uint16

const (
	DeviceFlagUp DeviceFlags = 1 << iota
	DeviceFlagLoopback
	DeviceFlagBroadcast
	DeviceFlagP2P
	DeviceFlagNeedARP
)

func (f DeviceFlags) IsUp() bool { return f&DeviceFlagUp != 0 }

// DeviceStatistics counts basic per-device traffic, named after the
// teacher's InterfaceStatistics.
type DeviceStatistics struct {
	TXPackets uint64
	TXErr     uint64
	RXPackets uint64
	RXErr     uint64
	RXDrop    uint64
}

// Driver is the vtable a device driver (TAP, loopback) implements.
// Open and Close are optional: a driver that doesn't need them simply
// doesn't implement the corresponding interface.
type Driver interface {
	Transmit(dev *Device, ethType EtherType, payload []byte, dst MacAddress) error
}

type driverOpener interface {
	Open(dev *Device) error
}

type driverCloser interface {
	Close(dev *Device) error
}

// Device is the layer-2 identity of a registered network endpoint.
// Devices are created during startup and never destroyed until
// Stack.Shutdown; Transmit may only be called while the device is UP.
type Device struct {
	Index int
	Name  string
	Type  DeviceType

	MTU       int
	HeaderLen int
	AddrLen   int
	Flags     DeviceFlags

	HWAddr        MacAddress
	BroadcastAddr MacAddress

	Driver Driver
	Priv   any

	Stats DeviceStatistics

	mu         sync.RWMutex
	interfaces map[AddressFamily]*Interface
}

func (d *Device) IsUp() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Flags.IsUp()
}

// Interfaces returns the layer-3 interfaces attached to the device, one
// per address family per §4.1.
func (d *Device) Interfaces() []*Interface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Interface, 0, len(d.interfaces))
	for _, ifc := range d.interfaces {
		out = append(out, ifc)
	}
	return out
}

func (d *Device) interfaceFor(family AddressFamily) (*Interface, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ifc, ok := d.interfaces[family]
	return ifc, ok
}

// deviceRegistry holds the process-wide device list. It is append-only
// after Stack.Run, guarded by mu for the benefit of callers that (against
// the design's assumption) register devices after Run.
type deviceRegistry struct {
	mu      sync.RWMutex
	devices []*Device
	nextIdx int
}

func newDeviceRegistry() *deviceRegistry {
	return &deviceRegistry{}
}

// Register assigns the device a monotonic index and a "net<index>" name,
// links it into the registry, and returns it.
func (r *deviceRegistry) Register(dev *Device) (*Device, error) {
	if dev.Driver == nil {
		return nil, errors.New("device has no driver")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev.Index = r.nextIdx
	r.nextIdx++
	dev.Name = fmt.Sprintf("net%d", dev.Index)
	dev.interfaces = make(map[AddressFamily]*Interface, 1)

	r.devices = append(r.devices, dev)

	Log().Named("device").Debugw("registered", "dev", dev.Name, "type", dev.Type)
	return dev, nil
}

func (r *deviceRegistry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// AttachInterface links a layer-3 interface to the device. It rejects a
// duplicate interface of the same address family per §4.1.
func AttachInterface(dev *Device, ifc *Interface) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.interfaces == nil {
		dev.interfaces = make(map[AddressFamily]*Interface, 1)
	}
	if _, exists := dev.interfaces[ifc.Family]; exists {
		return errors.Wrapf(ErrInterfaceExists, "dev=%s family=%v", dev.Name, ifc.Family)
	}

	ifc.Device = dev
	dev.interfaces[ifc.Family] = ifc
	return nil
}

// Open transitions the device to UP, invoking the driver's optional Open
// hook. Re-opening an already-UP device is rejected.
func Open(dev *Device) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.Flags.IsUp() {
		return errors.Wrapf(ErrDeviceAlreadyUp, "dev=%s", dev.Name)
	}
	if opener, ok := dev.Driver.(driverOpener); ok {
		if err := opener.Open(dev); err != nil {
			return errors.Wrapf(err, "dev=%s open", dev.Name)
		}
	}
	dev.Flags |= DeviceFlagUp
	Log().Named("device").Debugw("opened", "dev", dev.Name)
	return nil
}

// Close transitions the device to down, invoking the driver's optional
// Close hook. Closing an already-down device is rejected.
func Close(dev *Device) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if !dev.Flags.IsUp() {
		return errors.Wrapf(ErrDeviceDown, "dev=%s", dev.Name)
	}
	if closer, ok := dev.Driver.(driverCloser); ok {
		if err := closer.Close(dev); err != nil {
			return errors.Wrapf(err, "dev=%s close", dev.Name)
		}
	}
	dev.Flags &^= DeviceFlagUp
	Log().Named("device").Debugw("closed", "dev", dev.Name)
	return nil
}

// Transmit hands a frame payload to the driver, rejecting calls made
// while the device is down or whose length exceeds the MTU.
func Transmit(dev *Device, ethType EtherType, payload []byte, dst MacAddress) error {
	if !dev.IsUp() {
		dev.mu.Lock()
		dev.Stats.TXErr++
		dev.mu.Unlock()
		return errors.Wrapf(ErrDeviceDown, "dev=%s", dev.Name)
	}
	if len(payload) > dev.MTU {
		dev.mu.Lock()
		dev.Stats.TXErr++
		dev.mu.Unlock()
		return errors.Wrapf(ErrMTUExceeded, "dev=%s mtu=%d len=%d", dev.Name, dev.MTU, len(payload))
	}

	if err := dev.Driver.Transmit(dev, ethType, payload, dst); err != nil {
		dev.mu.Lock()
		dev.Stats.TXErr++
		dev.mu.Unlock()
		return errors.Wrapf(err, "dev=%s transmit", dev.Name)
	}

	dev.mu.Lock()
	dev.Stats.TXPackets++
	dev.mu.Unlock()
	return nil
}
