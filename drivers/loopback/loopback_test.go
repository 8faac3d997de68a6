package loopback_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r2ip/netstack"
	"github.com/r2ip/netstack/drivers/loopback"
)

func TestLoopbackDriverNewDeviceFlags(t *testing.T) {
	s, err := netstack.New(netstack.Config{})
	require.NoError(t, err)
	dev, err := loopback.NewDevice(s)
	require.NoError(t, err)
	require.Equal(t, netstack.DeviceTypeLoopback, dev.Type)
	require.True(t, dev.Flags&netstack.DeviceFlagLoopback != 0)
}
