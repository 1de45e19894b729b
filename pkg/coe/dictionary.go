package coe

import (
	"encoding/binary"
	"fmt"
)

// SDO information opcodes (CoE mailbox sub-protocol used for dictionary
// discovery, distinct from the SDO command specifiers in coe.go but framed the
// same way) — spec §4.5 "Dictionary fetch".
const (
	infoGetODList            uint8 = 1
	infoGetODListResp        uint8 = 2
	infoGetObjectDesc        uint8 = 3
	infoGetObjectDescResp    uint8 = 4
	infoGetEntryDesc         uint8 = 5
	infoGetEntryDescResp     uint8 = 6
	infoError                uint8 = 7
	listCategoryAllObjects   uint8 = 0x01
	fragmentContinuationBit  uint8 = 0x80
)

// ObjectDescription is one entry of the slave's CoE object dictionary.
type ObjectDescription struct {
	Index      uint16
	ObjectCode uint8
	Name       string
	Entries    []EntryDescription
}

// EntryDescription is one subindex's description (spec §4.5: object code,
// data type, bit length, per-AL-state access mask, name).
type EntryDescription struct {
	Subindex   uint8
	DataType   uint16
	BitLength  uint16
	AccessMask uint16 // bit layout per AL state (PREOP/SAFEOP/OP) x (R/W)
	Name       string
}

// FetchIndexList retrieves the full list of object indices present in the
// dictionary, reassembling fragments flagged by bit 7 of the subcode.
func (f *FSM) FetchIndexList() ([]uint16, error) {
	var indices []uint16
	fragment := uint8(0)
	for {
		req := make([]byte, 4)
		req[0] = infoGetODList
		req[1] = listCategoryAllObjects | fragment
		binary.LittleEndian.PutUint16(req[2:4], 0)
		if err := f.sendInfo(req); err != nil {
			return nil, err
		}
		resp, err := f.recvInfo()
		if err != nil {
			return nil, err
		}
		if len(resp) < 4 || resp[0] != infoGetODListResp {
			return nil, fmt.Errorf("coe: unexpected OD list response opcode 0x%02x", resp[0])
		}
		body := resp[4:]
		for i := 0; i+1 < len(body); i += 2 {
			indices = append(indices, binary.LittleEndian.Uint16(body[i:i+2]))
		}
		if resp[1]&fragmentContinuationBit == 0 {
			break
		}
		fragment = fragmentContinuationBit
	}
	return indices, nil
}

// FetchObjectDescription retrieves one index's object code and name, then
// every subindex's entry description.
func (f *FSM) FetchObjectDescription(index uint16) (*ObjectDescription, error) {
	req := make([]byte, 4)
	req[0] = infoGetObjectDesc
	binary.LittleEndian.PutUint16(req[2:4], index)
	if err := f.sendInfo(req); err != nil {
		return nil, err
	}
	resp, err := f.recvInfo()
	if err != nil {
		return nil, err
	}
	if len(resp) < 8 || resp[0] != infoGetObjectDescResp {
		return nil, fmt.Errorf("coe: unexpected object description response opcode 0x%02x", resp[0])
	}
	maxSub := resp[6]
	objCode := resp[7]
	name := string(resp[8:])

	desc := &ObjectDescription{Index: index, ObjectCode: objCode, Name: name}
	for sub := uint8(0); sub <= maxSub; sub++ {
		entry, err := f.fetchEntryDescription(index, sub)
		if err != nil {
			return nil, err
		}
		desc.Entries = append(desc.Entries, *entry)
	}
	return desc, nil
}

func (f *FSM) fetchEntryDescription(index uint16, subindex uint8) (*EntryDescription, error) {
	req := make([]byte, 6)
	req[0] = infoGetEntryDesc
	binary.LittleEndian.PutUint16(req[2:4], index)
	req[4] = subindex
	req[5] = 1 // value-info: request description only, not current value
	if err := f.sendInfo(req); err != nil {
		return nil, err
	}
	resp, err := f.recvInfo()
	if err != nil {
		return nil, err
	}
	if len(resp) < 12 || resp[0] != infoGetEntryDescResp {
		return nil, fmt.Errorf("coe: unexpected entry description response opcode 0x%02x", resp[0])
	}
	return &EntryDescription{
		Subindex:   resp[5],
		DataType:   binary.LittleEndian.Uint16(resp[6:8]),
		BitLength:  binary.LittleEndian.Uint16(resp[8:10]),
		AccessMask: binary.LittleEndian.Uint16(resp[10:12]),
		Name:       string(resp[12:]),
	}, nil
}

func (f *FSM) sendInfo(body []byte) error {
	return f.sendMailbox(body)
}

func (f *FSM) recvInfo() ([]byte, error) {
	return f.recvMailbox()
}
