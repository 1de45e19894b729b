// Package sii implements the SII (Slave Information Interface, the slave's
// EEPROM) sub-FSM: read or write one 16-bit word via the ESC's SII control/
// address/data registers, busy-polled with a wall-clock budget (spec §4.3).
//
// Grounded on gocanopen's pkg/sdo.SDOClient: a small state enum driving a
// synchronous request/poll loop with a timeout, generalized from CAN-frame
// mailbox exchange to raw-register FPRD/FPWR/APRD/APWR round trips via
// ethercat.Dispatcher.RoundTrip.
package sii

import (
	"encoding/binary"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/internal/crc"
)

// AddressMode selects how the target slave is addressed: by ring position
// (auto-increment, used before station addresses exist) or by its
// configured station address (used afterwards) — spec §9 "SII access mode".
type AddressMode int

const (
	AutoIncrement AddressMode = iota
	Configured
)

const (
	ctrlBusy      uint16 = 1 << 15
	ctrlReadReq   uint16 = 1 << 8
	ctrlWriteReq  uint16 = 1 << 1
	ctrlWriteEn   uint16 = 1 << 0
	pollInterval         = 200 * time.Microsecond
	busyBudget           = 10 * time.Millisecond
)

var (
	ErrBusyTimeout   = errors.New("sii: busy bit did not clear within budget")
	ErrWriteRejected = errors.New("sii: write enable bit not accepted")
	ErrWriteNoWC     = errors.New("sii: three consecutive polls with WC=0")
)

// FSM drives SII word access to one slave.
type FSM struct {
	disp    *ethercat.Dispatcher
	mode    AddressMode
	target  uint16 // ring position or station address, per mode
}

func New(disp *ethercat.Dispatcher, mode AddressMode, target uint16) *FSM {
	return &FSM{disp: disp, mode: mode, target: target}
}

func (f *FSM) addr(offset uint16) uint32 {
	if f.mode == AutoIncrement {
		return ethercat.AutoIncrementAddress(f.target, offset)
	}
	return ethercat.PhysicalAddress(f.target, offset)
}

func (f *FSM) readCmd() ethercat.Command {
	if f.mode == AutoIncrement {
		return ethercat.CmdAPRD
	}
	return ethercat.CmdFPRD
}

func (f *FSM) writeCmd() ethercat.Command {
	if f.mode == AutoIncrement {
		return ethercat.CmdAPWR
	}
	return ethercat.CmdFPWR
}

// ReadWord reads one 16-bit SII word at the given word offset: START_READ ->
// CHECK_READ -> FETCH_READ -> END (spec §4.3).
func (f *FSM) ReadWord(offset uint16) (uint16, error) {
	// START_READ: issue the read request with the word address.
	req := make([]byte, 8)
	binary.LittleEndian.PutUint16(req[0:2], ctrlReadReq)
	binary.LittleEndian.PutUint32(req[2:6], uint32(offset))
	d := ethercat.NewDatagram(f.writeCmd(), f.addr(ethercat.RegSIIControl), 8)
	copy(d.Data, req)
	if err := f.disp.RoundTrip(d, busyBudget); err != nil {
		return 0, err
	}

	// CHECK_READ / FETCH_READ: busy-poll the control/status word until the
	// busy bit clears, then fetch the 2-or-4-byte data register.
	deadline := time.Now().Add(busyBudget)
	for {
		status := ethercat.NewDatagram(f.readCmd(), f.addr(ethercat.RegSIIControl), 2)
		if err := f.disp.RoundTrip(status, busyBudget); err != nil {
			return 0, err
		}
		busy := binary.LittleEndian.Uint16(status.Data)&ctrlBusy != 0
		if !busy {
			break
		}
		if time.Now().After(deadline) {
			log.Warnf("[SII][x%x] busy bit did not clear within %v reading word x%04x", f.target, busyBudget, offset)
			return 0, ErrBusyTimeout
		}
		time.Sleep(pollInterval)
	}

	data := ethercat.NewDatagram(f.readCmd(), f.addr(ethercat.RegSIIData), 4)
	if err := f.disp.RoundTrip(data, busyBudget); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data.Data[0:2]), nil
}

// WriteWord writes one 16-bit SII word: START_WRITE -> CHECK_WRITE ->
// POLL_WRITE -> END. The write-enable bit must be accepted in the first
// descriptor word, and three consecutive WC==0 polls are fatal (spec §4.3).
func (f *FSM) WriteWord(offset uint16, value uint16) error {
	log.Debugf("[SII][x%x] WRITE word x%04x = x%04x", f.target, offset, value)
	enable := make([]byte, 2)
	binary.LittleEndian.PutUint16(enable, ctrlWriteEn)
	enableDg := ethercat.NewDatagram(f.writeCmd(), f.addr(ethercat.RegSIIControl), 2)
	copy(enableDg.Data, enable)
	if err := f.disp.RoundTrip(enableDg, busyBudget); err != nil {
		return err
	}
	if enableDg.WKC == 0 {
		return ErrWriteRejected
	}

	payload := make([]byte, 6)
	binary.LittleEndian.PutUint16(payload[0:2], ctrlWriteReq)
	binary.LittleEndian.PutUint32(payload[2:6], uint32(offset))
	// Data register carries the value to write; the control word above
	// triggers the write of whatever is currently latched there, so stage
	// the value first, then the request.
	valueDg := ethercat.NewDatagram(f.writeCmd(), f.addr(ethercat.RegSIIData), 2)
	binary.LittleEndian.PutUint16(valueDg.Data, value)
	if err := f.disp.RoundTrip(valueDg, busyBudget); err != nil {
		return err
	}

	reqDg := ethercat.NewDatagram(f.writeCmd(), f.addr(ethercat.RegSIIControl), 6)
	copy(reqDg.Data, payload)
	if err := f.disp.RoundTrip(reqDg, busyBudget); err != nil {
		return err
	}

	deadline := time.Now().Add(busyBudget)
	zeroWCStreak := 0
	for {
		status := ethercat.NewDatagram(f.readCmd(), f.addr(ethercat.RegSIIControl), 2)
		if err := f.disp.RoundTrip(status, busyBudget); err != nil {
			return err
		}
		if status.WKC == 0 {
			zeroWCStreak++
			if zeroWCStreak >= 3 {
				log.Warnf("[SII][x%x] three consecutive WC=0 polls writing word x%04x", f.target, offset)
				return ErrWriteNoWC
			}
		} else {
			zeroWCStreak = 0
		}
		busy := binary.LittleEndian.Uint16(status.Data)&ctrlBusy != 0
		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			log.Warnf("[SII][x%x] busy bit did not clear within %v writing word x%04x", f.target, busyBudget, offset)
			return ErrBusyTimeout
		}
		time.Sleep(pollInterval)
	}
}

// ReadWords reads count consecutive 16-bit words starting at offset.
func (f *FSM) ReadWords(offset uint16, count int) ([]uint16, error) {
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		w, err := f.ReadWord(offset + uint16(i))
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// WriteAlias writes the configured-station-alias word (0x0004) and
// recomputes the CRC over words 0..6 so it keeps protecting the new
// content (spec §6 "Persisted state", §9 "EEPROM CRC"). The CRC occupies
// only the low byte of word 7; its upper byte is read back and preserved
// rather than overwritten (spec §9).
func (f *FSM) WriteAlias(alias uint16) error {
	words, err := f.ReadWords(0, 7)
	if err != nil {
		return err
	}
	var header [7]uint16
	copy(header[:], words)
	header[4] = alias

	word7, err := f.ReadWord(7)
	if err != nil {
		return err
	}
	newWord7 := uint16(crc.SII(header)) | (word7 & 0xFF00)

	if err := f.WriteWord(4, alias); err != nil {
		return err
	}
	return f.WriteWord(7, newWord7)
}
