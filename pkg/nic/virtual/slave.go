package virtual

import (
	"encoding/binary"
	"sync"

	"github.com/fieldbus-go/ethercat"
)

// Slave and Bus simulate just enough of a real ESC segment (physical
// register space, a logical process-data window, and per-slave mailbox
// sync-manager memory) for other packages' tests to drive the real sub-FSM
// code against something that answers like a slave would, without a NIC.
//
// Grounded on the same loopback-fixture idea as Link itself: gocanopen's
// virtual CAN bus test fixtures simulate "another node answering" rather
// than faking the client under test.

const registerSpace = 0x10000

// Slave is one simulated node, addressable by ring position (for APRD/APWR,
// used before a station address exists) and by station address (for
// FPxx/NPxx, used afterwards).
type Slave struct {
	mu           sync.Mutex
	RingPosition uint16
	Station      uint16
	Mem          [registerSpace]byte // physical ESC register space
	EEPROM       []uint16            // SII word image

	// Mailbox geometry and handler: when set, a write landing on
	// [RxOffset, RxOffset+RxSize) is handed to MailboxHandler and its
	// return value is staged at TxOffset with the TxSM status-byte
	// "mailbox full" bit set, simulating a slave's CoE/FoE protocol stack
	// (spec §4.5/§4.6 "mailbox send"/"mailbox receive").
	RxOffset, RxSize uint16
	TxOffset, TxSize uint16
	TxSM             int
	MailboxHandler   func(req []byte) []byte

	siiStaged   uint16 // last value written to the SII data register
	logical     []logicalClaim
	pendingResp []byte
	respFull    bool
}

// logicalClaim records one byte range of the shared logical address space
// this slave's FMMU(s) project into, so Bus can compute the combined
// working counter an LRW datagram should report (spec §3 invariant).
type logicalClaim struct {
	offset, length uint32
}

// NewSlave builds a simulated slave at the given ring position, with its
// station address defaulted the same way the real scan FSM assigns it
// (ring_position + 1, spec §3 "Slave").
func NewSlave(ringPosition uint16) *Slave {
	return &Slave{RingPosition: ringPosition, Station: ringPosition + 1}
}

// ClaimLogicalRange registers this slave's FMMU projection over
// [offset, offset+length) of the shared logical image, for working-counter
// accounting by Bus (spec §8 scenario 4).
func (s *Slave) ClaimLogicalRange(offset uint32, length uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logical = append(s.logical, logicalClaim{offset: offset, length: length})
}

func (s *Slave) claims(offset uint32, length uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := offset, offset+length
	for _, c := range s.logical {
		if c.offset < hi && offset < c.offset+c.length && lo < c.offset+c.length {
			return true
		}
	}
	return false
}

// Bus wires a set of simulated slaves into one shared wire segment and
// implements Responder, decoding each transmitted frame's datagrams by
// hand (ReceivedDatagram from DecodeFrame drops the address field, which
// this simulator needs to route by station/ring-position/logical offset).
type Bus struct {
	mu      sync.Mutex
	slaves  []*Slave
	logical []byte // shared logical process-image backing store
}

func NewBus(slaves ...*Slave) *Bus {
	return &Bus{slaves: slaves}
}

func (b *Bus) slaveByStation(station uint16) *Slave {
	for _, s := range b.slaves {
		if s.Station == station {
			return s
		}
	}
	return nil
}

func (b *Bus) slaveByRingPosition(pos uint16) *Slave {
	for _, s := range b.slaves {
		if s.RingPosition == pos {
			return s
		}
	}
	return nil
}

func (b *Bus) ensureLogical(n int) {
	if len(b.logical) < n {
		grown := make([]byte, n)
		copy(grown, b.logical)
		b.logical = grown
	}
}

// Respond implements virtual.Responder: it walks the frame's datagrams
// using the same wire layout frame.go encodes (10-byte header, payload,
// 2-byte WKC), routes each to the slave(s) it addresses, and returns the
// reply frame with working counters and payload updated in place.
func (b *Bus) Respond(frame []byte) []byte {
	if len(frame) < 16 {
		return nil
	}
	body := frame[14:]
	header := binary.LittleEndian.Uint16(body[0:2])
	declaredLen := int(header & 0x07FF)
	if declaredLen > len(body)-2 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(body))
	copy(out, body)

	off := 2
	end := 2 + declaredLen
	for off < end {
		if off+10 > end {
			break
		}
		cmd := out[off]
		addr := binary.LittleEndian.Uint32(out[off+2 : off+6])
		lenAndFlags := binary.LittleEndian.Uint16(out[off+6 : off+8])
		length := int(lenAndFlags & 0x07FF)
		more := lenAndFlags&(1<<15) != 0
		dataOff := off + 10
		if dataOff+length+2 > end {
			break
		}
		wkc := b.serve(ethercat.Command(cmd), addr, out[dataOff:dataOff+length])
		binary.LittleEndian.PutUint16(out[dataOff+length:dataOff+length+2], wkc)

		off = dataOff + length + 2
		if !more {
			break
		}
	}
	return append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0, 0x88, 0xA4}, out...)
}

// serve dispatches one datagram to the slave(s) its address selects and
// returns the resulting working counter, mutating data in place exactly as
// a real ESC would rewrite its own frame slot in flight.
func (b *Bus) serve(cmd ethercat.Command, addr uint32, data []byte) uint16 {
	low := uint16(addr & 0xFFFF)

	switch cmd {
	case ethercat.CmdAPRD, ethercat.CmdAPWR:
		ringPos := uint16(-int16(low))
		s := b.slaveByRingPosition(ringPos)
		if s == nil {
			return 0
		}
		return b.access(s, uint16(addr>>16), data, cmd == ethercat.CmdAPWR)

	case ethercat.CmdFPRD, ethercat.CmdFPWR:
		s := b.slaveByStation(low)
		if s == nil {
			return 0
		}
		return b.access(s, uint16(addr>>16), data, cmd == ethercat.CmdFPWR)

	case ethercat.CmdARMW, ethercat.CmdFRMW:
		s := b.slaveByStation(low)
		if s == nil {
			return 0
		}
		return b.access(s, uint16(addr>>16), data, true)

	case ethercat.CmdBRD, ethercat.CmdBWR:
		n := uint16(0)
		for _, s := range b.slaves {
			b.access(s, uint16(addr>>16), data, cmd == ethercat.CmdBWR)
			n++
		}
		return n

	case ethercat.CmdLRD, ethercat.CmdLWR, ethercat.CmdLRW:
		offset := addr
		b.ensureLogical(int(offset) + len(data))
		if cmd == ethercat.CmdLRD || cmd == ethercat.CmdLRW {
			copy(data, b.logical[offset:offset+uint32(len(data))])
		}
		if cmd == ethercat.CmdLWR || cmd == ethercat.CmdLRW {
			copy(b.logical[offset:offset+uint32(len(data))], data)
		}
		claimants := uint16(0)
		for _, s := range b.slaves {
			if s.claims(offset, uint32(len(data))) {
				claimants++
			}
		}
		if cmd == ethercat.CmdLRW {
			return claimants * 3
		}
		return claimants

	default:
		return 0
	}
}

// access reads or writes one slave's physical register space at offset,
// with the SII control-register protocol emulated so pkg/sii's sub-FSM
// gets a same-cycle "not busy" response (spec §4.3 is exercised by the
// caller driving real FSM code; this fixture never models multi-poll
// busy stretches, only the request/response content).
func (b *Bus) access(s *Slave, offset uint16, data []byte, write bool) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	const (
		regSIIControl = 0x0502
		regSIIData    = 0x0508
		ctrlReadReq   = 1 << 8
		ctrlWriteReq  = 1 << 1
		ctrlWriteEn   = 1 << 0
	)

	if s.MailboxHandler != nil {
		smStatusAddr := ethercat.SMRegister(s.TxSM) + 5
		switch {
		case write && offset == s.RxOffset && s.RxSize > 0:
			req := append([]byte(nil), data...)
			if resp := s.MailboxHandler(req); resp != nil {
				s.pendingResp = resp
				s.respFull = true
			}
			return 1
		case !write && offset == smStatusAddr && len(data) == 1:
			if s.respFull {
				data[0] = 1 << 3
			} else {
				data[0] = 0
			}
			return 1
		case !write && offset == s.TxOffset && s.TxSize > 0:
			n := copy(data, s.pendingResp)
			for i := n; i < len(data); i++ {
				data[i] = 0
			}
			s.respFull = false
			return 1
		}
	}

	// AL control writes are mirrored into AL status so pkg/al's poll loop
	// converges: a plain state request is accepted immediately unless the
	// status register already carries the ack-error bit, in which case the
	// slave keeps refusing until the control write acknowledges it (spec
	// §4.4 "ACK-error bit").
	if write && offset == ethercat.RegALControl && len(data) == 2 {
		written := binary.LittleEndian.Uint16(data)
		current := binary.LittleEndian.Uint16(s.Mem[ethercat.RegALStatus : ethercat.RegALStatus+2])
		switch {
		case written&uint16(ethercat.ALControlAckBit) != 0:
			current &^= uint16(ethercat.ALStatusAckErrorBit)
		case current&uint16(ethercat.ALStatusAckErrorBit) != 0:
			// still refusing; status unchanged
		default:
			current = (current &^ 0x000F) | (written & 0x000F)
		}
		binary.LittleEndian.PutUint16(s.Mem[ethercat.RegALStatus:ethercat.RegALStatus+2], current)
		copy(s.Mem[offset:], data)
		return 1
	}

	if write && offset == regSIIControl {
		switch len(data) {
		case 2: // write-enable toggle
			if binary.LittleEndian.Uint16(data) == ctrlWriteEn {
				// accepted; nothing else to stage
			}
		case 8: // read request: ctrl word + word offset + reserved
			wordOff := binary.LittleEndian.Uint32(data[2:6])
			var val uint16
			if int(wordOff) < len(s.EEPROM) {
				val = s.EEPROM[wordOff]
			}
			binary.LittleEndian.PutUint16(s.Mem[regSIIData:regSIIData+2], val)
		case 6: // write request: ctrl word + word offset
			wordOff := binary.LittleEndian.Uint32(data[2:6])
			for int(wordOff) >= len(s.EEPROM) {
				s.EEPROM = append(s.EEPROM, 0)
			}
			s.EEPROM[wordOff] = s.siiStaged
		}
		return 1
	}
	if write && offset == regSIIData && len(data) == 2 {
		s.siiStaged = binary.LittleEndian.Uint16(data)
		copy(s.Mem[offset:], data)
		return 1
	}
	if !write && offset == regSIIControl {
		// busy bit (bit 15) is never set: this fixture completes SII
		// requests synchronously, so status reads always show "idle".
		copy(data, s.Mem[offset:offset+uint16(len(data))])
		return 1
	}

	if write {
		copy(s.Mem[offset:], data)
	} else {
		copy(data, s.Mem[offset:offset+uint16(len(data))])
	}
	return 1
}
