// Package nic defines the raw-Ethernet transport abstraction the master
// binds a Device to, plus a plugin registry so a network interface type
// only needs an init() call to register itself (spec §1/C3).
//
// Grounded on gocanopen's pkg/can.Bus/RegisterInterface pattern, generalized
// from a CAN-frame bus to a raw-Ethernet-frame bus: Send/Receive move whole
// frame byte slices instead of fixed 8-byte CAN payloads, and there is no
// Subscribe callback because EtherCAT has exactly one reader, the Device's
// poll loop, rather than many per-ID subscribers.
package nic

import "fmt"

// Link is a raw Ethernet transport bound to one physical or virtual NIC.
type Link interface {
	// Open brings the link up, binding to whatever OS resource backs it.
	Open() error
	// Close releases the link's OS resource.
	Close() error
	// Send transmits one complete Ethernet frame (header included).
	Send(frame []byte) error
	// Receive returns the next pending frame, or (nil, nil) if none is
	// currently available. Never blocks.
	Receive() ([]byte, error)
	// MAC returns the link's own hardware address.
	MAC() [6]byte
}

// NewLinkFunc constructs a Link bound to the given interface/channel name.
type NewLinkFunc func(name string) (Link, error)

var registry = make(map[string]NewLinkFunc)

// Register adds a new link type to the registry. Implementations call this
// from their own init() function.
func Register(kind string, ctor NewLinkFunc) {
	registry[kind] = ctor
}

// New constructs a Link of the named kind (e.g. "rawsocket", "virtual")
// bound to the given interface/channel name.
func New(kind string, name string) (Link, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("nic: unknown link type %q", kind)
	}
	return ctor(name)
}
