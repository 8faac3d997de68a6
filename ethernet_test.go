package netstack

import (
	"bytes"
	"testing"
)

func TestEthernetHeaderAccessors(t *testing.T) {
	frame := make([]byte, EthernetHeaderSize+4)
	eth := Ethernet(frame)

	dst := MacAddress{1, 2, 3, 4, 5, 6}
	src := MacAddress{6, 5, 4, 3, 2, 1}
	eth.SetDstMacAddress(dst)
	eth.SetSrcMacAddress(src)
	eth.SetEtherType(EtherTypeIPv4)
	eth.SetPayload([]byte{0xde, 0xad, 0xbe, 0xef})

	if !eth.DstMacAddress().Equals(dst) {
		t.Fatalf("dst mismatch: %v", eth.DstMacAddress())
	}
	if !eth.SrcMacAddress().Equals(src) {
		t.Fatalf("src mismatch: %v", eth.SrcMacAddress())
	}
	if eth.EtherType() != EtherTypeIPv4 {
		t.Fatalf("ethertype mismatch: %v", eth.EtherType())
	}
	if !bytes.Equal(eth.Payload(), []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("payload mismatch: %x", eth.Payload())
	}
}

func TestMacAddressClassification(t *testing.T) {
	if !BroadcastMacAddress.IsBcast() {
		t.Fatal("broadcast address should report IsBcast")
	}
	mcast := MacAddress{0x01, 0, 0, 0, 0, 0}
	if !mcast.IsMcast() {
		t.Fatal("expected multicast bit to be recognized")
	}
	unicast := MacAddress{0x02, 0, 0, 0, 0, 1}
	if unicast.IsMcast() || unicast.IsBcast() {
		t.Fatal("unicast address misclassified")
	}
}

func TestEthernetInputDropsShortFrame(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	drv := &fakeDriver{}
	dev := newTestDevice(drv)
	dev, _ = s.RegisterDevice(dev)

	s.EthernetInput(dev, []byte{1, 2, 3})
	if dev.Stats.RXErr != 1 {
		t.Fatalf("expected RXErr=1 for short frame, got %d", dev.Stats.RXErr)
	}
}

func TestEthernetInputFiltersUnknownDestination(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	drv := &fakeDriver{}
	dev := newTestDevice(drv)
	dev, _ = s.RegisterDevice(dev)

	frame := make([]byte, EthernetHeaderSize)
	eth := Ethernet(frame)
	eth.SetDstMacAddress(MacAddress{9, 9, 9, 9, 9, 9})
	eth.SetSrcMacAddress(MacAddress{1, 1, 1, 1, 1, 1})
	eth.SetEtherType(EtherTypeIPv4)

	s.EthernetInput(dev, frame)
	if dev.Stats.RXDrop != 1 {
		t.Fatalf("expected RXDrop=1 for frame addressed elsewhere, got %d", dev.Stats.RXDrop)
	}
}

func TestEthernetTransmitPadsShortPayload(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	drv := &fakeDriver{}
	dev := newTestDevice(drv)
	dev, _ = s.RegisterDevice(dev)
	if err := Open(dev); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.EthernetTransmit(dev, BroadcastMacAddress, EtherTypeIPv4, []byte{1, 2, 3}); err != nil {
		t.Fatalf("EthernetTransmit: %v", err)
	}
	if len(drv.sent) != 1 {
		t.Fatalf("expected one transmitted frame, got %d", len(drv.sent))
	}
	if len(drv.sent[0]) != EthernetPayloadMinLen {
		t.Fatalf("expected payload padded to %d bytes, got %d", EthernetPayloadMinLen, len(drv.sent[0]))
	}
}
