package netstack

import (
	"net"
	"sync"
)

// Route is a (network, netmask, nexthop, interface) tuple. A route with
// both network and netmask zero is the default route; a zero nexthop
// means "use the datagram's destination directly" (an on-link route).
//
// Grounded on the teacher's fib.go ForwardingRule, but reimplemented as a
// slice scanned by netmask-bit count rather than the teacher's byte-keyed
// trie: that trie indexes nodes by the literal bytes of the network
// address rather than by netmask length, so two routes whose network
// bytes share a long common byte prefix but whose netmasks differ are not
// compared by mask length at all — it cannot satisfy the longest-prefix
// + LIFO-tie-break invariant this stack needs (testable property 3).
type Route struct {
	Network net.IP
	Netmask net.IPMask
	Nexthop net.IP
	Iface   *Interface
}

func (r Route) isDefault() bool {
	ones, bits := r.Netmask.Size()
	return ones == 0 && bits != 0
}

func (r Route) contains(dst net.IP) bool {
	n := &net.IPNet{IP: r.Network.Mask(r.Netmask), Mask: r.Netmask}
	return n.Contains(dst)
}

// routeTable is mutex-guarded per §5; Add/SetDefaultGateway may only be
// called before Stack.Run per §4.5.
type routeTable struct {
	mu      sync.RWMutex
	routes  []Route
	started bool
}

func newRouteTable() *routeTable {
	return &routeTable{}
}

func (rt *routeTable) freeze() {
	rt.mu.Lock()
	rt.started = true
	rt.mu.Unlock()
}

// Add appends a route. Ties among routes of equal netmask length are
// broken LIFO: the most recently added route wins, so Add order matters.
func (rt *routeTable) Add(r Route) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return ErrRouteStartupOnly
	}
	rt.routes = append(rt.routes, r)
	return nil
}

// SetDefaultGateway installs (or replaces) the 0.0.0.0/0 route via gw
// using iface as the outgoing interface.
func (rt *routeTable) SetDefaultGateway(iface *Interface, gw net.IP) error {
	return rt.Add(Route{
		Network: net.IPv4zero,
		Netmask: net.CIDRMask(0, 32),
		Nexthop: gw,
		Iface:   iface,
	})
}

// Lookup performs longest-prefix-match over dst, breaking ties among
// equal-length matches by insertion order (last inserted wins).
func (rt *routeTable) Lookup(dst net.IP) (Route, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	dst = dst.To4()
	var best Route
	bestOnes := -1
	found := false

	for i := len(rt.routes) - 1; i >= 0; i-- {
		r := rt.routes[i]
		if !r.contains(dst) {
			continue
		}
		ones, _ := r.Netmask.Size()
		if ones > bestOnes {
			bestOnes = ones
			best = r
			found = true
		}
	}
	return best, found
}

// ResolveNexthop returns the address to ARP-resolve for a route: the
// route's nexthop if set (an off-link gateway route), else the
// datagram's own destination (an on-link route).
func ResolveNexthop(r Route, dst net.IP) net.IP {
	if r.Nexthop != nil && !r.Nexthop.Equal(net.IPv4zero) {
		return r.Nexthop
	}
	return dst
}
