package netstack

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testLoopbackDriver mirrors drivers/loopback.Driver: it feeds every
// transmitted frame straight back into the owning Stack's Ethernet
// ingress path. It's duplicated here (rather than importing
// drivers/loopback) because that package imports netstack, and an
// internal test file importing it would create an import cycle.
type testLoopbackDriver struct {
	stack *Stack
}

func (d *testLoopbackDriver) Transmit(dev *Device, ethType EtherType, payload []byte, dst MacAddress) error {
	frame := make([]byte, EthernetHeaderSize+len(payload))
	eth := Ethernet(frame)
	eth.SetDstMacAddress(dst)
	eth.SetSrcMacAddress(dev.HWAddr)
	eth.SetEtherType(ethType)
	eth.SetPayload(payload)

	d.stack.EthernetInput(dev, frame)
	return nil
}

func newTestLoopbackDevice(stack *Stack) (*Device, error) {
	dev := &Device{
		Type:          DeviceTypeLoopback,
		MTU:           65535,
		HeaderLen:     EthernetHeaderSize,
		AddrLen:       MacAddressLength,
		Flags:         DeviceFlagLoopback | DeviceFlagBroadcast,
		HWAddr:        MacAddress{0, 0, 0, 0, 0, 0},
		BroadcastAddr: BroadcastMacAddress,
	}
	dev.Driver = &testLoopbackDriver{stack: stack}
	return stack.RegisterDevice(dev)
}

func newLoopbackStack(t *testing.T) (*Stack, *Interface) {
	t.Helper()
	s, err := New(Config{})
	require.NoError(t, err)

	dev, err := newTestLoopbackDevice(s)
	require.NoError(t, err)

	ifc := NewIPInterface(net.IPv4(127, 0, 0, 1), net.CIDRMask(8, 32))
	require.NoError(t, AttachInterface(dev, ifc))
	require.NoError(t, s.AddRoute(Route{
		Network: net.IPv4(127, 0, 0, 0),
		Netmask: net.CIDRMask(8, 32),
		Iface:   ifc,
	}))
	require.NoError(t, s.Run())
	t.Cleanup(func() { s.Shutdown() })
	return s, ifc
}

func TestUDPBindRejectsDuplicateEndpoint(t *testing.T) {
	s, _ := newLoopbackStack(t)

	a, err := s.udp.Open()
	require.NoError(t, err)
	b, err := s.udp.Open()
	require.NoError(t, err)

	ep := Endpoint{Addr: net.IPv4(127, 0, 0, 1), Port: 9001}
	require.NoError(t, s.udp.Bind(a, ep))
	require.Error(t, s.udp.Bind(b, ep))
}

func TestUDPEphemeralPortAssignment(t *testing.T) {
	s, _ := newLoopbackStack(t)

	id, err := s.udp.Open()
	require.NoError(t, err)

	_, err = s.udp.SendTo(id, []byte("x"), Endpoint{Addr: net.IPv4(127, 0, 0, 1), Port: 9}) // discard port
	require.NoError(t, err)

	pcb, err := s.udp.get(id)
	require.NoError(t, err)
	require.True(t, pcb.local.Port >= udpEphemeralLow && pcb.local.Port <= udpEphemeralHigh)
}

func TestUDPRoundTripOverLoopback(t *testing.T) {
	s, _ := newLoopbackStack(t)

	server, err := s.udp.Open()
	require.NoError(t, err)
	require.NoError(t, s.udp.Bind(server, Endpoint{Addr: net.IPv4(127, 0, 0, 1), Port: 7000}))

	client, err := s.udp.Open()
	require.NoError(t, err)

	_, err = s.udp.SendTo(client, []byte("hello"), Endpoint{Addr: net.IPv4(127, 0, 0, 1), Port: 7000})
	require.NoError(t, err)

	buf := make([]byte, 64)
	done := make(chan struct{})
	var n int
	var from Endpoint
	go func() {
		n, from, err = s.udp.RecvFrom(server, buf)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the datagram to be delivered")
	}
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.NotEqual(t, uint16(0), from.Port)
}

func TestUDPCloseInterruptsBlockedReceiver(t *testing.T) {
	s, _ := newLoopbackStack(t)

	id, err := s.udp.Open()
	require.NoError(t, err)
	require.NoError(t, s.udp.Bind(id, Endpoint{Addr: net.IPv4(127, 0, 0, 1), Port: 7100}))

	errCh := make(chan error, 1)
	go func() {
		_, _, err := s.udp.RecvFrom(id, make([]byte, 16))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.udp.Close(id))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Close to interrupt the blocked receiver")
	}
}
