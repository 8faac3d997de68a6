package netstack

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Config carries the startup-only parameters Stack.New needs before any
// device, route, or protocol is registered.
type Config struct {
	// TimerCadence is how often the timer list is checked for expired
	// timers; it must be finer than the finest registered timer (the
	// 1s ARP sweep).
	TimerCadence time.Duration
}

func (c Config) withDefaults() Config {
	if c.TimerCadence <= 0 {
		c.TimerCadence = 250 * time.Millisecond
	}
	return c
}

// Stack is the process-wide handle every component hangs off. Its
// registries (devices, protocols, routes, timers, events) are append-only
// after Run, per §5 and §9's "freeze the builder" resolution of the
// immutability design note — the teacher's equivalent (netspace.go) keeps
// the same set of lists as free-standing package globals; Stack merely
// groups them behind one constructor so a test can spin up more than one
// isolated instance.
type Stack struct {
	cfg Config

	devices   *deviceRegistry
	protocols *protocolRegistry
	routes    *routeTable
	timers    *timerList
	events    *eventBus
	irqs      *irqTable
	arp       *arpCache
	udp       *udpTable
	tcp       *tcpTable

	idMu     sync.Mutex
	nextIPID uint16

	softIRQCh chan struct{}
	stop      chan struct{}
	running   bool
	wg        sync.WaitGroup
}

// New constructs a Stack and its built-in protocol handlers. Devices,
// interfaces, routes, and application-level PCBs are still registered by
// the caller before Run.
func New(cfg Config) (*Stack, error) {
	s := &Stack{
		cfg:       cfg.withDefaults(),
		devices:   newDeviceRegistry(),
		protocols: newProtocolRegistry(),
		routes:    newRouteTable(),
		timers:    newTimerList(),
		events:    newEventBus(),
		irqs:      newIRQTable(),
		nextIPID:  128, // §4.5: process-wide ID counter, initial value 128
		softIRQCh: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	s.arp = newARPCache(s)
	s.udp = newUDPTable(s)
	s.tcp = newTCPTable(s)

	if err := s.protocols.RegisterL2(EtherTypeARP, s.ARPInput); err != nil {
		return nil, err
	}
	if err := s.protocols.RegisterL2(EtherTypeIPv4, s.IPv4Input); err != nil {
		return nil, err
	}
	if err := s.protocols.RegisterL3(IPProtocolICMP, s.ICMPInput); err != nil {
		return nil, err
	}
	if err := s.protocols.RegisterL3(IPProtocolUDP, s.udp.input); err != nil {
		return nil, err
	}
	if err := s.protocols.RegisterL3(IPProtocolTCP, s.tcp.input); err != nil {
		return nil, err
	}

	s.timers.Register(&Timer{
		Name:     "arp-sweep",
		Interval: arpSweepInterval,
		Callback: s.arp.sweep,
	})

	s.events.Subscribe(func(any) { s.udp.interruptAll() }, nil)
	s.events.Subscribe(func(any) { s.tcp.interruptAll() }, nil)

	return s, nil
}

// RegisterDevice assigns dev an index and name and links it into the
// stack's device list.
func (s *Stack) RegisterDevice(dev *Device) (*Device, error) {
	return s.devices.Register(dev)
}

func (s *Stack) Devices() []*Device { return s.devices.All() }

// RegisterDeviceIRQ assigns handler the next free signal in the
// interrupt thread's pool, per §5: a driver that delivers frames via
// real OS signals (TAP) calls this once at setup, then RaiseIRQ each
// time a frame is ready.
func (s *Stack) RegisterDeviceIRQ(handler IRQHandler) (os.Signal, error) {
	return s.irqs.registerSignalIRQ(handler)
}

// RaiseIRQ delivers sig to this process, waking the interrupt thread so
// it invokes the handler registered for sig.
func (s *Stack) RaiseIRQ(sig os.Signal) error {
	return s.irqs.raise(sig)
}

// AddRoute installs r. Routing-table operations may only be invoked
// before Run, per §4.5.
func (s *Stack) AddRoute(r Route) error {
	return s.routes.Add(r)
}

func (s *Stack) SetDefaultGateway(iface *Interface, gw net.IP) error {
	return s.routes.SetDefaultGateway(iface, gw)
}

func (s *Stack) LookupRoute(dst net.IP) (Route, bool) {
	return s.routes.Lookup(dst)
}

// nextIPv4ID returns the next value of the process-wide IPv4
// identification counter, mutex-guarded per §4.5/§5.
func (s *Stack) nextIPv4ID() uint16 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id := s.nextIPID
	s.nextIPID++
	return id
}

// Run starts the background goroutines (soft-IRQ dispatch, interrupt
// thread, timer ticker), freezes the route list, restarts every
// registered timer's interval from now, and opens every registered
// device. Timers may still be registered after Run.
func (s *Stack) Run() error {
	if s.running {
		return errors.New("stack already running")
	}
	s.running = true

	s.routes.freeze()
	s.timers.freeze()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.softIRQLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.irqs.run()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.timers.runTicker(s.stop, s.cfg.TimerCadence)
	}()

	for _, dev := range s.devices.All() {
		if err := Open(dev); err != nil {
			return errors.Wrapf(err, "run: opening %s", dev.Name)
		}
	}

	Log().Named("stack").Infow("running", "devices", len(s.devices.All()))
	return nil
}

// Shutdown raises the termination event (interrupting every blocked UDP
// and TCP caller), stops the background goroutines, and closes every
// device.
func (s *Stack) Shutdown() error {
	if !s.running {
		return nil
	}
	s.events.Raise()

	close(s.stop)
	s.irqs.shutdown()
	s.wg.Wait()

	var firstErr error
	for _, dev := range s.devices.All() {
		if !dev.IsUp() {
			continue
		}
		if err := Close(dev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.running = false
	return firstErr
}
