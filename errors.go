package netstack

import "github.com/pkg/errors"

// Sentinel errors identifying the error-kind taxonomy of §7: callers
// distinguish a kind with errors.Is against these, while call sites add
// context with errors.Wrap/errors.Wrapf.
var (
	// Validation
	ErrHeaderTooShort  = errors.New("header too short")
	ErrLengthMismatch  = errors.New("length mismatch")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrChecksum        = errors.New("checksum mismatch")
	ErrAddressFamily   = errors.New("address family mismatch")

	// Policy-drop
	ErrNotAddressedToUs  = errors.New("not addressed to this interface")
	ErrFragmentPresent   = errors.New("fragmented datagram unsupported")
	ErrBroadcastSource   = errors.New("broadcast source address")
	ErrUnsupportedProto  = errors.New("unsupported protocol")

	// Resource
	ErrPoolExhausted   = errors.New("pool exhausted")
	ErrQueueFull       = errors.New("queue full")
	ErrAllocFailed     = errors.New("allocation failure")

	// Routing
	ErrNoRoute            = errors.New("no route to host")
	ErrMTUExceeded        = errors.New("datagram exceeds interface MTU")
	ErrSourceUnreachable  = errors.New("source address unreachable through interface")

	// Resolve
	ErrResolveIncomplete = errors.New("address resolution incomplete")
	ErrResolveError      = errors.New("address resolution unsupported")

	// Endpoint
	ErrEndpointRange  = errors.New("endpoint id out of range")
	ErrEndpointFree   = errors.New("endpoint id refers to a free slot")
	ErrAddressInUse   = errors.New("address or port already in use")

	// Interrupted
	ErrInterrupted = errors.New("interrupted by cancellation event")

	// Device/protocol registry
	ErrDeviceDown        = errors.New("device not up")
	ErrDeviceAlreadyUp   = errors.New("device already open")
	ErrInterfaceExists   = errors.New("interface family already attached")
	ErrProtocolExists    = errors.New("protocol already registered")
	ErrRouteStartupOnly  = errors.New("routing table may only be modified before Run")
)
