// Package virtual provides an in-memory nic.Link used by tests: frames sent
// through it loop back through an optional Responder instead of a real
// wire, so master logic can be exercised without a NIC or root privileges.
//
// Grounded on gocanopen's pkg/can/virtual (a loopback/broker bus used by its
// own test fixtures), generalized from a TCP-broker CAN bus to a direct
// in-process Ethernet-frame loopback with pluggable datagram responders
// standing in for simulated slaves.
package virtual

import (
	"sync"

	"github.com/fieldbus-go/ethercat/pkg/nic"
)

func init() {
	nic.Register("virtual", New)
}

// Responder inspects a transmitted frame and optionally produces the frame
// a populated EtherCAT segment would send back (WKC increments, SII/mailbox
// data, etc). Returning nil means "no reply."
type Responder interface {
	Respond(frame []byte) []byte
}

// ResponderFunc adapts a plain function to the Responder interface.
type ResponderFunc func(frame []byte) []byte

func (f ResponderFunc) Respond(frame []byte) []byte { return f(frame) }

type Link struct {
	mu        sync.Mutex
	mac       [6]byte
	inbox     [][]byte
	responder Responder
	sent      [][]byte
}

// New constructs an unconnected virtual link; the name argument is accepted
// to satisfy nic.NewLinkFunc but otherwise unused.
func New(name string) (nic.Link, error) {
	return &Link{mac: [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}}, nil
}

func (l *Link) Open() error  { return nil }
func (l *Link) Close() error { return nil }

// SetResponder installs the simulated-slave handler used to answer sent
// frames. Tests typically install one that decodes each datagram, mutates
// a simulated register/process-image map, and re-encodes a reply.
func (l *Link) SetResponder(r Responder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responder = r
}

func (l *Link) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	l.sent = append(l.sent, cp)
	if l.responder != nil {
		if reply := l.responder.Respond(cp); reply != nil {
			l.inbox = append(l.inbox, reply)
		}
	}
	return nil
}

func (l *Link) Receive() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inbox) == 0 {
		return nil, nil
	}
	frame := l.inbox[0]
	l.inbox = l.inbox[1:]
	return frame, nil
}

func (l *Link) MAC() [6]byte {
	return l.mac
}

// Sent returns every frame handed to Send so far, for test assertions.
func (l *Link) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

// Inject places a frame directly in the receive inbox, bypassing Send/
// Responder — useful for tests that want to hand-craft a slave reply.
func (l *Link) Inject(frame []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inbox = append(l.inbox, frame)
}
