package ethercat

import (
	"sync"
	"time"

	"github.com/fieldbus-go/ethercat/pkg/nic"
)

// SendFunc transmits one raw Ethernet frame (including its 14-byte header)
// on the wire.
type SendFunc func(frame []byte) error

// ReceiveFunc drains one received raw Ethernet frame, or returns
// (nil, nil) if none is currently available (non-blocking poll).
type ReceiveFunc func() ([]byte, error)

// Device owns the NIC binding: the Tx buffer, link-state flag, and the two
// callbacks into the network abstraction (spec §1 "a function pointer pair
// is assumed", C3). It also tracks timestamps and loss rates used by the
// master's statistics block (spec §7).
//
// Grounded on canopen.BusManager's role as the single owner of the bus
// handle, generalized from CAN-ID subscriber routing (not needed here,
// since datagrams are matched by index in Dispatcher instead) to raw frame
// I/O plus loss accounting.
type Device struct {
	mu       sync.Mutex
	send     SendFunc
	receive  ReceiveFunc
	linkUp   bool
	srcMAC   [6]byte
	txCount  uint64
	rxCount  uint64
	lossLast time.Time
	lossN    uint64

	lastTx time.Time
	lastRx time.Time
}

// NewDevice binds a Device to the given send/receive callback pair.
func NewDevice(mac [6]byte, send SendFunc, receive ReceiveFunc) *Device {
	return &Device{
		send:    send,
		receive: receive,
		srcMAC:  mac,
		linkUp:  true,
	}
}

// NewDeviceFromLink adapts a nic.Link (rawsocket, virtual, ...) into a
// Device, opening the link first.
func NewDeviceFromLink(link nic.Link) (*Device, error) {
	if err := link.Open(); err != nil {
		return nil, err
	}
	return NewDevice(link.MAC(), link.Send, link.Receive), nil
}

// SetLinkUp updates the device's link-state flag; SendFrame refuses to
// transmit while it is down, and Stats reports it.
func (d *Device) SetLinkUp(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkUp = up
}

func (d *Device) LinkUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.linkUp
}

// SendFrame wraps an EtherCAT payload in an Ethernet header and transmits it.
func (d *Device) SendFrame(ecatBody []byte) error {
	d.mu.Lock()
	up := d.linkUp
	d.mu.Unlock()
	if !up {
		return ErrLinkDown
	}
	frame := EthernetFrame(d.srcMAC, ecatBody)
	err := d.send(frame)
	d.mu.Lock()
	d.txCount++
	d.lastTx = time.Now()
	d.mu.Unlock()
	return err
}

// ReceiveFrame polls the NIC once and returns the EtherCAT payload of the
// next pending frame, or (nil, nil) if nothing is pending right now.
func (d *Device) ReceiveFrame() ([]byte, error) {
	raw, err := d.receive()
	if err != nil {
		d.mu.Lock()
		d.lossN++
		d.lossLast = time.Now()
		d.mu.Unlock()
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	body, err := StripEthernetHeader(raw)
	if err != nil {
		d.mu.Lock()
		d.lossN++
		d.lossLast = time.Now()
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Lock()
	d.rxCount++
	d.lastRx = time.Now()
	d.mu.Unlock()
	return body, nil
}

// Stats is a point-in-time snapshot of the device's counters.
type Stats struct {
	TxCount  uint64
	RxCount  uint64
	LossN    uint64
	LastTx   time.Time
	LastRx   time.Time
	LinkUp   bool
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		TxCount: d.txCount,
		RxCount: d.rxCount,
		LossN:   d.lossN,
		LastTx:  d.lastTx,
		LastRx:  d.lastRx,
		LinkUp:  d.linkUp,
	}
}
