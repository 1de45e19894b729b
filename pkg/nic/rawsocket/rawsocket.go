// Package rawsocket binds an EtherCAT master to a real NIC using an
// AF_PACKET raw socket, so the master can send and receive whole Ethernet
// II frames under its own EtherType (0x88A4) without an IP stack in the way.
//
// Grounded on gocanopen's pkg/can/socketcanv2, generalized from an
// AF_CAN/CAN_RAW socket bound to a CAN channel to an AF_PACKET/SOCK_RAW
// socket bound to an Ethernet interface; the non-blocking poll-loop and
// EAGAIN handling follow the same shape.
package rawsocket

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/fieldbus-go/ethercat/pkg/nic"
)

func init() {
	nic.Register("rawsocket", New)
}

// htons converts a uint16 from host to network byte order.
func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.LittleEndian.Uint16(b)
}

type Link struct {
	ifaceName string
	ifindex   int
	mac       [6]byte
	fd        int
}

// New looks up the named interface and returns an unopened Link; Open
// creates and binds the AF_PACKET socket.
func New(ifaceName string) (nic.Link, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("rawsocket: lookup interface %q: %w", ifaceName, err)
	}
	var mac [6]byte
	copy(mac[:], iface.HardwareAddr)
	return &Link{ifaceName: ifaceName, ifindex: iface.Index, mac: mac}, nil
}

// EtherTypeEtherCAT is the 0x88A4 EtherType this socket filters on.
const EtherTypeEtherCAT = 0x88A4

func (l *Link) Open() error {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(EtherTypeEtherCAT)))
	if err != nil {
		return fmt.Errorf("rawsocket: socket: %w", err)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(EtherTypeEtherCAT),
		Ifindex:  l.ifindex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("rawsocket: bind %s: %w", l.ifaceName, err)
	}
	l.fd = fd
	return nil
}

func (l *Link) Close() error {
	if l.fd == 0 {
		return nil
	}
	return unix.Close(l.fd)
}

func (l *Link) Send(frame []byte) error {
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(EtherTypeEtherCAT),
		Ifindex:  l.ifindex,
		Halen:    6,
	}
	copy(addr.Addr[:6], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	return unix.Sendto(l.fd, frame, 0, addr)
}

// Receive performs one non-blocking read via MSG_DONTWAIT; EAGAIN/EWOULDBLOCK
// is translated into the "nothing pending" (nil, nil) contract.
func (l *Link) Receive() ([]byte, error) {
	buf := make([]byte, 1600)
	n, _, err := unix.Recvfrom(l.fd, buf, unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rawsocket: recvfrom: %w", err)
	}
	return buf[:n], nil
}

func (l *Link) MAC() [6]byte {
	return l.mac
}
