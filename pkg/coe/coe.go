// Package coe implements the CoE (CANopen over EtherCAT) mailbox sub-FSM:
// expedited and segmented SDO upload/download layered on the slave's
// mailbox sync managers, abort-code decoding, and SDO-information
// dictionary fetch (spec §4.5).
//
// Grounded on gocanopen's pkg/sdo (client.go, common.go, upload_expedited.go,
// upload_segmented.go, download_expedited.go, download_segmented.go): the
// command-specifier bit layout, abort code table, and toggle-bit segment
// protocol are the same CANopen SDO wire format CoE tunnels verbatim. What's
// generalized is the transport underneath it — CAN frames become mailbox
// reads/writes via FPRD/FPWR, so the "wait for response" half of the client
// loop polls a sync-manager status bit instead of a Handle() callback.
package coe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldbus-go/ethercat"
)

// AbortCode is the 32-bit SDO abort code surfaced verbatim from the slave.
type AbortCode uint32

const (
	AbortToggleBit         AbortCode = 0x05030000
	AbortTimeout           AbortCode = 0x05040000
	AbortCmd               AbortCode = 0x05040001
	AbortOutOfMem          AbortCode = 0x05040005
	AbortUnsupportedAccess AbortCode = 0x06010000
	AbortWriteOnly         AbortCode = 0x06010001
	AbortReadOnly          AbortCode = 0x06010002
	AbortNotExist          AbortCode = 0x06020000
	AbortHardware          AbortCode = 0x06060000
	AbortTypeMismatch      AbortCode = 0x06070010
	AbortDataLong          AbortCode = 0x06070012
	AbortDataShort         AbortCode = 0x06070013
	AbortSubUnknown        AbortCode = 0x06090011
	AbortGeneral           AbortCode = 0x08000000
	AbortDataTransfer      AbortCode = 0x08000020
	AbortDataLocalControl  AbortCode = 0x08000021
	AbortDataDeviceState   AbortCode = 0x08000022
	AbortDataOD            AbortCode = 0x08000023
)

var abortDescriptions = map[AbortCode]string{
	AbortToggleBit:         "toggle bit not changed",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "command specifier not valid or unknown",
	AbortOutOfMem:          "out of memory",
	AbortUnsupportedAccess: "unsupported access to an object",
	AbortWriteOnly:         "attempt to read a write-only object",
	AbortReadOnly:          "attempt to write a read-only object",
	AbortNotExist:          "object does not exist in the object dictionary",
	AbortHardware:          "access failed due to a hardware error",
	AbortTypeMismatch:      "data type does not match, length of service parameter does not match",
	AbortDataLong:          "data type does not match, length of service parameter too high",
	AbortDataShort:         "data type does not match, length of service parameter too low",
	AbortSubUnknown:        "subindex does not exist",
	AbortGeneral:           "general error",
	AbortDataTransfer:      "data cannot be transferred or stored to the application",
	AbortDataLocalControl:  "data cannot be transferred because of local control",
	AbortDataDeviceState:   "data cannot be transferred because of the present device state",
	AbortDataOD:            "dynamic generation of the object dictionary failed",
}

// AbortError wraps a CoE abort response. The numeric code is always
// preserved verbatim (spec §4.5); Error() adds the human-readable string
// when known.
type AbortError struct {
	Index    uint16
	Subindex uint8
	Code     AbortCode
}

func (e *AbortError) Error() string {
	if desc, ok := abortDescriptions[e.Code]; ok {
		return fmt.Sprintf("coe: abort 0x%08x (%s) on %04x:%02x", uint32(e.Code), desc, e.Index, e.Subindex)
	}
	return fmt.Sprintf("coe: abort 0x%08x on %04x:%02x", uint32(e.Code), e.Index, e.Subindex)
}

var ErrMailboxTimeout = errors.New("coe: mailbox response did not arrive within budget")

const (
	mbxTypeCoE    uint8 = 3
	ccsDownload         = 1
	ccsDownloadSeg      = 0
	ccsUpload           = 2
	ccsUploadSeg        = 3
	scsDownload         = 3
	scsDownloadSeg      = 1
	scsUpload           = 2
	scsUploadSeg        = 0
	csAbort             = 0x80

	smStatusMailboxFull = 1 << 3
	pollInterval        = 200 * time.Microsecond
)

// Mailbox describes one slave's mailbox geometry, read from its SII during
// scan (spec §3 Slave "mailbox offsets and sizes").
type Mailbox struct {
	Station  uint16
	RxOffset uint16 // master -> slave (slave's RX SM)
	RxSize   uint16
	TxOffset uint16 // slave -> master (slave's TX SM)
	TxSize   uint16
	RxSM     int // sync manager index backing RxOffset
	TxSM     int // sync manager index backing TxOffset
}

// FSM drives CoE SDO transfers against one slave's mailbox.
type FSM struct {
	disp   *ethercat.Dispatcher
	mbx    Mailbox
	budget time.Duration
	cnt    uint8
}

func New(disp *ethercat.Dispatcher, mbx Mailbox) *FSM {
	return &FSM{disp: disp, mbx: mbx, budget: 1 * time.Second, cnt: 1}
}

func (f *FSM) SetBudget(d time.Duration) { f.budget = d }

func (f *FSM) nextCnt() uint8 {
	f.cnt++
	if f.cnt == 0 || f.cnt > 7 {
		f.cnt = 1
	}
	return f.cnt
}

// sendMailbox writes a framed mailbox message to the slave's RX SM region.
func (f *FSM) sendMailbox(body []byte) error {
	header := make([]byte, 6)
	binary.LittleEndian.PutUint16(header[0:2], uint16(len(body)))
	binary.LittleEndian.PutUint16(header[2:4], f.mbx.Station)
	header[4] = 0x00 // channel:prio
	header[5] = (mbxTypeCoE & 0x0F) | (f.nextCnt() << 4)

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

// recvMailbox polls the slave's TX sync-manager status for the "mailbox
// full" bit, then reads the framed message (spec §4.5 "mailbox receive").
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
			log.Warnf("[COE][RX][x%x] mailbox response timed out after %v", f.mbx.Station, f.budget)
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
	if mbxType != mbxTypeCoE {
		return nil, fmt.Errorf("coe: unexpected mailbox type %d", mbxType)
	}
	return body[:length], nil
}

func maybeAbort(body []byte, index uint16, subindex uint8) error {
	if len(body) >= 1 && (body[0]&0xE0) == csAbort {
		code := AbortCode(binary.LittleEndian.Uint32(body[4:8]))
		err := &AbortError{Index: index, Subindex: subindex, Code: code}
		log.Warnf("[COE] abort x%04x:x%02x code x%08x: %v", index, subindex, uint32(code), err)
		return err
	}
	return nil
}

// Upload fetches one object's value, choosing expedited or segmented
// transfer based on the initiate response (spec §4.5).
func (f *FSM) Upload(index uint16, subindex uint8) ([]byte, error) {
	log.Debugf("[COE][TX][x%x] UPLOAD | x%04x:x%02x", f.mbx.Station, index, subindex)
	req := make([]byte, 10)
	req[0] = ccsUpload << 5
	binary.LittleEndian.PutUint16(req[1:3], index)
	req[3] = subindex
	if err := f.sendMailbox(req); err != nil {
		return nil, err
	}
	resp, err := f.recvMailbox()
	if err != nil {
		return nil, err
	}
	if err := maybeAbort(resp, index, subindex); err != nil {
		return nil, err
	}

	cmd := resp[0]
	scs := (cmd >> 5) & 0x07
	if scs != scsUpload {
		return nil, fmt.Errorf("coe: unexpected upload response command 0x%02x", cmd)
	}
	expedited := cmd&0x02 != 0
	sizeSet := cmd&0x01 != 0
	if expedited {
		n := 0
		if sizeSet {
			n = 4 - int((cmd>>2)&0x03)
		} else {
			n = 4
		}
		return append([]byte(nil), resp[4:4+n]...), nil
	}

	total := binary.LittleEndian.Uint32(resp[4:8])
	out := make([]byte, 0, total)
	toggle := uint8(0)
	for {
		segReq := make([]byte, 10)
		segReq[0] = (ccsUploadSeg << 5) | (toggle << 4)
		if err := f.sendMailbox(segReq); err != nil {
			return nil, err
		}
		segResp, err := f.recvMailbox()
		if err != nil {
			return nil, err
		}
		if err := maybeAbort(segResp, index, subindex); err != nil {
			return nil, err
		}
		scmd := segResp[0]
		if (scmd>>5)&0x07 != scsUploadSeg {
			return nil, fmt.Errorf("coe: unexpected upload segment response 0x%02x", scmd)
		}
		n := 7 - int((scmd>>1)&0x07)
		out = append(out, segResp[1:1+n]...)
		last := scmd&0x01 != 0
		toggle ^= 1
		if last {
			break
		}
	}
	return out, nil
}

// Download writes one object's value, choosing expedited transfer when the
// value fits in 4 bytes and segmented transfer otherwise (spec §4.5).
func (f *FSM) Download(index uint16, subindex uint8, data []byte) error {
	log.Debugf("[COE][TX][x%x] DOWNLOAD | x%04x:x%02x %v", f.mbx.Station, index, subindex, data)
	req := make([]byte, 10)
	if len(data) <= 4 {
		n := len(data)
		req[0] = byte(ccsDownload<<5) | 0x02 | 0x01 | byte((4-n)<<2)
		binary.LittleEndian.PutUint16(req[1:3], index)
		req[3] = subindex
		copy(req[4:4+n], data)
	} else {
		req[0] = byte(ccsDownload<<5) | 0x01
		binary.LittleEndian.PutUint16(req[1:3], index)
		req[3] = subindex
		binary.LittleEndian.PutUint32(req[4:8], uint32(len(data)))
	}
	if err := f.sendMailbox(req); err != nil {
		return err
	}
	resp, err := f.recvMailbox()
	if err != nil {
		return err
	}
	if err := maybeAbort(resp, index, subindex); err != nil {
		return err
	}
	if (resp[0]>>5)&0x07 != scsDownload {
		return fmt.Errorf("coe: unexpected download response command 0x%02x", resp[0])
	}
	if len(data) <= 4 {
		return nil
	}

	toggle := uint8(0)
	remaining := data
	for len(remaining) > 0 {
		chunk := remaining
		last := true
		if len(chunk) > 7 {
			chunk = remaining[:7]
			last = false
		}
		segReq := make([]byte, 10)
		n := len(chunk)
		segReq[0] = byte(ccsDownloadSeg<<5) | (toggle << 4) | byte((7-n)<<1)
		if last {
			segReq[0] |= 0x01
		}
		copy(segReq[1:1+n], chunk)
		if err := f.sendMailbox(segReq); err != nil {
			return err
		}
		segResp, err := f.recvMailbox()
		if err != nil {
			return err
		}
		if err := maybeAbort(segResp, index, subindex); err != nil {
			return err
		}
		if (segResp[0]>>5)&0x07 != scsDownloadSeg {
			return fmt.Errorf("coe: unexpected download segment response 0x%02x", segResp[0])
		}
		toggle ^= 1
		remaining = remaining[len(chunk):]
	}
	return nil
}
