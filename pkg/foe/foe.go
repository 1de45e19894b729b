// Package foe implements the FoE (File over EtherCAT) sub-FSM: a
// block-oriented file transfer over the mailbox with monotonically
// numbered DATA/ACK packets (spec §4.6).
//
// Grounded on gocanopen's pkg/sdo block-transfer toggle logic
// (upload_block.go/download_block.go): the same "send a packet, wait for
// the counterpart's acknowledgement before sending the next" shape, with
// FoE's own RRQ/WRQ/DATA/ACK/ERROR opcode set substituted for CANopen's
// block sub-command bytes.
package foe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldbus-go/ethercat"
)

// Result is the typed terminal status of an FoE transfer (spec §4.6).
type Result uint8

const (
	ResultBusy Result = iota
	ResultReady
	ResultIdle
	ResultWCError
	ResultReceiveError
	ResultProtError
	ResultNoDataError
	ResultPacketNoError
	ResultOpcodeError
	ResultTimeoutError
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultBusy:
		return "BUSY"
	case ResultReady:
		return "READY"
	case ResultIdle:
		return "IDLE"
	case ResultWCError:
		return "WC_ERROR"
	case ResultReceiveError:
		return "RECEIVE_ERROR"
	case ResultProtError:
		return "PROT_ERROR"
	case ResultNoDataError:
		return "NODATA_ERROR"
	case ResultPacketNoError:
		return "PACKETNO_ERROR"
	case ResultOpcodeError:
		return "OPCODE_ERROR"
	case ResultTimeoutError:
		return "TIMEOUT_ERROR"
	default:
		return "ERROR"
	}
}

// TransferError carries the 32-bit FoE error code alongside the typed
// result (spec §4.6, same disposition as a CoE abort per spec §7).
type TransferError struct {
	Result    Result
	ErrorCode uint32
	Message   string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("foe: transfer failed (%v): %s [0x%08x]", e.Result, e.Message, e.ErrorCode)
}

var ErrMailboxTimeout = errors.New("foe: mailbox response did not arrive within budget")

const (
	mbxTypeFoE uint8 = 4

	opRRQ   uint8 = 1
	opWRQ   uint8 = 2
	opDATA  uint8 = 3
	opACK   uint8 = 4
	opERROR uint8 = 5

	smStatusMailboxFull = 1 << 3
	pollInterval        = 200 * time.Microsecond
)

// Mailbox mirrors coe.Mailbox; duplicated here (rather than imported) to
// keep this package independent of pkg/coe — FoE and CoE merely share the
// same SM-backed mailbox transport, not a data type.
type Mailbox struct {
	Station  uint16
	RxOffset uint16
	RxSize   uint16
	TxOffset uint16
	TxSize   uint16
	TxSM     int
}

// FSM drives one slave's FoE transfers.
type FSM struct {
	disp      *ethercat.Dispatcher
	mbx       Mailbox
	budget    time.Duration
	blockSize int
}

func New(disp *ethercat.Dispatcher, mbx Mailbox) *FSM {
	return &FSM{disp: disp, mbx: mbx, budget: 1 * time.Second, blockSize: 512}
}

func (f *FSM) SetBudget(d time.Duration)  { f.budget = d }
func (f *FSM) SetBlockSize(n int)         { f.blockSize = n }

func (f *FSM) sendMailbox(body []byte) error {
	header := make([]byte, 6)
	binary.LittleEndian.PutUint16(header[0:2], uint16(len(body)))
	binary.LittleEndian.PutUint16(header[2:4], f.mbx.Station)
	header[4] = 0x00
	header[5] = mbxTypeFoE & 0x0F
	frame := append(header, body...)

	d := ethercat.NewDatagram(ethercat.CmdFPWR, ethercat.PhysicalAddress(f.mbx.Station, f.mbx.RxOffset), len(frame))
	copy(d.Data, frame)
	if err := f.disp.RoundTrip(d, f.budget); err != nil {
		return err
	}
	if d.WKC == 0 {
		return ErrMailboxTimeout
	}
	return nil
}

func (f *FSM) recvMailbox() ([]byte, error) {
	deadline := time.Now().Add(f.budget)
	smStatusAddr := ethercat.SMRegister(f.mbx.TxSM) + 5
	for {
		status := ethercat.NewDatagram(ethercat.CmdFPRD, ethercat.PhysicalAddress(f.mbx.Station, smStatusAddr), 1)
		if err := f.disp.RoundTrip(status, f.budget); err != nil {
			return nil, err
		}
		if status.Data[0]&smStatusMailboxFull != 0 {
			break
		}
		if time.Now().After(deadline) {
			log.Warnf("[FOE][RX][x%x] mailbox response timed out after %v", f.mbx.Station, f.budget)
			return nil, ErrMailboxTimeout
		}
		time.Sleep(pollInterval)
	}

	data := ethercat.NewDatagram(ethercat.CmdFPRD, ethercat.PhysicalAddress(f.mbx.Station, f.mbx.TxOffset), int(f.mbx.TxSize))
	if err := f.disp.RoundTrip(data, f.budget); err != nil {
		return nil, err
	}
	if data.WKC == 0 {
		return nil, ErrMailboxTimeout
	}
	length := binary.LittleEndian.Uint16(data.Data[0:2])
	mbxType := data.Data[5] & 0x0F
	body := data.Data[6:]
	if int(length) > len(body) {
		length = uint16(len(body))
	}
	if mbxType != mbxTypeFoE {
		return nil, fmt.Errorf("foe: unexpected mailbox type %d", mbxType)
	}
	return body[:length], nil
}

func decodeError(body []byte) *TransferError {
	if len(body) < 8 {
		return &TransferError{Result: ResultProtError, Message: "truncated ERROR packet"}
	}
	code := binary.LittleEndian.Uint32(body[2:6])
	msg := string(body[6:])
	log.Warnf("[FOE] ERROR code x%08x: %s", code, msg)
	return &TransferError{Result: ResultError, ErrorCode: code, Message: msg}
}

// Read performs an RRQ and returns the full file contents, ACKing each DATA
// packet in turn; it terminates when a DATA packet shorter than the
// negotiated block size arrives (spec §4.6).
func (f *FSM) Read(filename string, password uint32) ([]byte, error) {
	log.Debugf("[FOE][TX][x%x] RRQ | %q", f.mbx.Station, filename)
	req := make([]byte, 6+len(filename))
	req[0] = opRRQ
	binary.LittleEndian.PutUint32(req[2:6], password)
	copy(req[6:], filename)
	if err := f.sendMailbox(req); err != nil {
		return nil, err
	}

	var out []byte
	packetNo := uint32(1)
	for {
		resp, err := f.recvMailbox()
		if err != nil {
			return nil, err
		}
		if len(resp) < 6 {
			return nil, &TransferError{Result: ResultProtError, Message: "truncated packet"}
		}
		switch resp[0] {
		case opERROR:
			return nil, decodeError(resp)
		case opDATA:
			gotPacketNo := binary.LittleEndian.Uint32(resp[2:6])
			if gotPacketNo != packetNo {
				return nil, &TransferError{Result: ResultPacketNoError, Message: "unexpected packet number"}
			}
			chunk := resp[6:]
			out = append(out, chunk...)
			if err := f.sendAck(packetNo); err != nil {
				return nil, err
			}
			if len(chunk) < f.blockSize {
				return out, nil
			}
			packetNo++
		default:
			return nil, &TransferError{Result: ResultOpcodeError, Message: "unexpected opcode"}
		}
	}
}

func (f *FSM) sendAck(packetNo uint32) error {
	ack := make([]byte, 6)
	ack[0] = opACK
	binary.LittleEndian.PutUint32(ack[2:6], packetNo)
	return f.sendMailbox(ack)
}

// Write performs a WRQ and streams data in blockSize-sized DATA packets,
// waiting for each ACK before sending the next; the final packet (shorter
// than blockSize, or exactly blockSize followed by an empty one) terminates
// the transfer (spec §4.6).
func (f *FSM) Write(filename string, password uint32, data []byte) error {
	log.Debugf("[FOE][TX][x%x] WRQ | %q (%d bytes)", f.mbx.Station, filename, len(data))
	req := make([]byte, 6+len(filename))
	req[0] = opWRQ
	binary.LittleEndian.PutUint32(req[2:6], password)
	copy(req[6:], filename)
	if err := f.sendMailbox(req); err != nil {
		return err
	}
	if err := f.awaitAck(0); err != nil {
		return err
	}

	packetNo := uint32(1)
	remaining := data
	for {
		chunk := remaining
		if len(chunk) > f.blockSize {
			chunk = remaining[:f.blockSize]
		}
		pkt := make([]byte, 6+len(chunk))
		pkt[0] = opDATA
		binary.LittleEndian.PutUint32(pkt[2:6], packetNo)
		copy(pkt[6:], chunk)
		if err := f.sendMailbox(pkt); err != nil {
			return err
		}
		if err := f.awaitAck(packetNo); err != nil {
			return err
		}
		remaining = remaining[len(chunk):]
		last := len(chunk) < f.blockSize
		packetNo++
		if last {
			return nil
		}
	}
}

func (f *FSM) awaitAck(expected uint32) error {
	resp, err := f.recvMailbox()
	if err != nil {
		return err
	}
	if len(resp) < 6 {
		return &TransferError{Result: ResultProtError, Message: "truncated ACK"}
	}
	switch resp[0] {
	case opERROR:
		return decodeError(resp)
	case opACK:
		got := binary.LittleEndian.Uint32(resp[2:6])
		if expected != 0 && got != expected {
			return &TransferError{Result: ResultPacketNoError, Message: "unexpected ACK packet number"}
		}
		return nil
	default:
		return &TransferError{Result: ResultOpcodeError, Message: "unexpected opcode"}
	}
}
