// Package al implements the AL-state change sub-FSM (spec §4.4): write a
// requested state to the slave's AL control register, poll AL status until
// it takes effect, and surface the ALstatuscode on refusal.
//
// Grounded on gocanopen's pkg/nmt (a small request/poll state writer over a
// single register-like value), generalized from NMT command broadcast over
// CAN to a per-slave FPWR/FPRD register round trip.
package al

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldbus-go/ethercat"
)

const (
	pollInterval   = 200 * time.Microsecond
	defaultBudget  = 3 * time.Second
)

// StatusCodeError carries the slave's ALstatuscode when a requested
// transition is refused.
type StatusCodeError struct {
	Code uint16
}

func (e *StatusCodeError) Error() string {
	return fmt.Sprintf("al: slave refused transition, ALstatuscode=0x%04x", e.Code)
}

var ErrTimeout = errors.New("al: state transition did not complete within budget")

// FSM drives one slave's AL-state transitions.
type FSM struct {
	disp    *ethercat.Dispatcher
	station uint16
	budget  time.Duration
}

func New(disp *ethercat.Dispatcher, station uint16) *FSM {
	return &FSM{disp: disp, station: station, budget: defaultBudget}
}

func (f *FSM) SetBudget(d time.Duration) { f.budget = d }

func (f *FSM) addr(offset uint16) uint32 {
	return ethercat.PhysicalAddress(f.station, offset)
}

// RequestState writes the requested state to 0x0120 and polls 0x0130 until
// `state & 0x0F == requested`. If the ACK-error bit appears, it reads
// ALstatuscode from 0x0134, then rewrites the state with the ACK bit set to
// clear the error before returning it (spec §4.4).
func (f *FSM) RequestState(requested ethercat.ALState) error {
	log.Debugf("[AL][x%x] request state x%x", f.station, uint16(requested))
	if err := f.writeControl(requested); err != nil {
		return err
	}

	deadline := time.Now().Add(f.budget)
	for {
		status, err := f.readStatus()
		if err != nil {
			return err
		}
		if status&ethercat.ALStatusAckErrorBit != 0 {
			code, err := f.readStatusCode()
			if err != nil {
				return err
			}
			log.Warnf("[AL][x%x] transition to x%x refused, ALstatuscode=x%04x", f.station, uint16(requested), code)
			if err := f.writeControl(requested | ethercat.ALControlAckBit); err != nil {
				return err
			}
			return &StatusCodeError{Code: code}
		}
		if ethercat.ALState(status&0x0F) == requested {
			return nil
		}
		if time.Now().After(deadline) {
			log.Warnf("[AL][x%x] transition to x%x timed out after %v", f.station, uint16(requested), f.budget)
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

func (f *FSM) writeControl(state ethercat.ALState) error {
	d := ethercat.NewDatagram(ethercat.CmdFPWR, f.addr(ethercat.RegALControl), 2)
	binary.LittleEndian.PutUint16(d.Data, uint16(state))
	return f.disp.RoundTrip(d, f.budget)
}

func (f *FSM) readStatus() (uint16, error) {
	d := ethercat.NewDatagram(ethercat.CmdFPRD, f.addr(ethercat.RegALStatus), 2)
	if err := f.disp.RoundTrip(d, f.budget); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(d.Data), nil
}

func (f *FSM) readStatusCode() (uint16, error) {
	d := ethercat.NewDatagram(ethercat.CmdFPRD, f.addr(ethercat.RegALStatusCode), 2)
	if err := f.disp.RoundTrip(d, f.budget); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(d.Data), nil
}

// CurrentState reads 0x0130 and returns just the low-nibble state.
func (f *FSM) CurrentState() (ethercat.ALState, error) {
	status, err := f.readStatus()
	if err != nil {
		return 0, err
	}
	return ethercat.ALState(status & 0x0F), nil
}
