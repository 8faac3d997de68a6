package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/r2ip/netstack"
	"github.com/r2ip/netstack/drivers/loopback"
)

func main() {
	stack, err := netstack.New(netstack.Config{})
	if err != nil {
		netstack.Log().Fatalw("stack init failed", "err", err)
	}

	lo, err := loopback.NewDevice(stack)
	if err != nil {
		netstack.Log().Fatalw("loopback device failed", "err", err)
	}

	ifc := netstack.NewIPInterface(net.IPv4(127, 0, 0, 1), net.CIDRMask(8, 32))
	if err := netstack.AttachInterface(lo, ifc); err != nil {
		netstack.Log().Fatalw("attach loopback interface failed", "err", err)
	}
	if err := stack.AddRoute(netstack.Route{
		Network: net.IPv4(127, 0, 0, 0),
		Netmask: net.CIDRMask(8, 32),
		Iface:   ifc,
	}); err != nil {
		netstack.Log().Fatalw("add loopback route failed", "err", err)
	}

	if err := stack.Run(); err != nil {
		netstack.Log().Fatalw("stack run failed", "err", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := stack.Shutdown(); err != nil {
		netstack.Log().Errorw("shutdown error", "err", err)
	}
}
