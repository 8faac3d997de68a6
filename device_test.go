package netstack

import "testing"

type fakeDriver struct {
	opened, closed bool
	sent           [][]byte
	transmitErr    error
}

func (d *fakeDriver) Transmit(dev *Device, ethType EtherType, payload []byte, dst MacAddress) error {
	if d.transmitErr != nil {
		return d.transmitErr
	}
	d.sent = append(d.sent, payload)
	return nil
}

func (d *fakeDriver) Open(dev *Device) error { d.opened = true; return nil }

func (d *fakeDriver) Close(dev *Device) error { d.closed = true; return nil }

func newTestDevice(drv Driver) *Device {
	return &Device{
		Type:          DeviceTypeEthernet,
		MTU:           1500,
		HeaderLen:     EthernetHeaderSize,
		AddrLen:       MacAddressLength,
		Flags:         DeviceFlagBroadcast,
		HWAddr:        MacAddress{0, 1, 2, 3, 4, 5},
		BroadcastAddr: BroadcastMacAddress,
		Driver:        drv,
	}
}

func TestDeviceRegisterAssignsNameAndIndex(t *testing.T) {
	reg := newDeviceRegistry()
	drv := &fakeDriver{}

	dev, err := reg.Register(newTestDevice(drv))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if dev.Name != "net0" {
		t.Fatalf("expected name net0, got %s", dev.Name)
	}

	dev2, err := reg.Register(newTestDevice(drv))
	if err != nil {
		t.Fatalf("Register second: %v", err)
	}
	if dev2.Name != "net1" {
		t.Fatalf("expected name net1, got %s", dev2.Name)
	}
	if len(reg.All()) != 2 {
		t.Fatalf("expected 2 registered devices, got %d", len(reg.All()))
	}
}

func TestDeviceRegisterRequiresDriver(t *testing.T) {
	reg := newDeviceRegistry()
	dev := newTestDevice(nil)
	dev.Driver = nil
	if _, err := reg.Register(dev); err == nil {
		t.Fatal("expected an error registering a device with no driver")
	}
}

func TestDeviceOpenCloseLifecycle(t *testing.T) {
	drv := &fakeDriver{}
	dev := newTestDevice(drv)
	reg := newDeviceRegistry()
	dev, _ = reg.Register(dev)

	if dev.IsUp() {
		t.Fatal("expected device to start down")
	}
	if err := Open(dev); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !drv.opened {
		t.Fatal("expected driver Open hook to run")
	}
	if !dev.IsUp() {
		t.Fatal("expected device to be up after Open")
	}
	if err := Open(dev); err == nil {
		t.Fatal("expected re-opening an already-up device to fail")
	}

	if err := Close(dev); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !drv.closed {
		t.Fatal("expected driver Close hook to run")
	}
	if err := Close(dev); err == nil {
		t.Fatal("expected closing an already-down device to fail")
	}
}

func TestTransmitRejectsDownDeviceAndOversizedPayload(t *testing.T) {
	drv := &fakeDriver{}
	dev := newTestDevice(drv)
	reg := newDeviceRegistry()
	dev, _ = reg.Register(dev)

	if err := Transmit(dev, EtherTypeIPv4, []byte("hello"), BroadcastMacAddress); err == nil {
		t.Fatal("expected transmit on a down device to fail")
	}

	if err := Open(dev); err != nil {
		t.Fatalf("Open: %v", err)
	}

	oversized := make([]byte, dev.MTU+1)
	if err := Transmit(dev, EtherTypeIPv4, oversized, BroadcastMacAddress); err == nil {
		t.Fatal("expected transmit exceeding MTU to fail")
	}

	if err := Transmit(dev, EtherTypeIPv4, []byte("hello"), BroadcastMacAddress); err != nil {
		t.Fatalf("expected transmit to succeed, got %v", err)
	}
	if len(drv.sent) != 1 {
		t.Fatalf("expected driver to record one transmit, got %d", len(drv.sent))
	}
	if dev.Stats.TXPackets != 1 {
		t.Fatalf("expected TXPackets=1, got %d", dev.Stats.TXPackets)
	}
}
