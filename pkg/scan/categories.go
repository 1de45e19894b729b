package scan

import (
	"encoding/binary"

	"github.com/fieldbus-go/ethercat/pkg/slave"
)

// wordsToBytes flattens a little-endian word slice back into bytes, the
// natural unit category bodies are defined in (spec §9 EEPROM notes).
func wordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], w)
	}
	return out
}

// parseStrings parses SII category 0x000A: a count byte followed by that
// many length-prefixed ASCII strings.
func parseStrings(body []uint16) []string {
	b := wordsToBytes(body)
	if len(b) == 0 {
		return nil
	}
	count := int(b[0])
	out := make([]string, 0, count)
	off := 1
	for i := 0; i < count && off < len(b); i++ {
		n := int(b[off])
		off++
		if off+n > len(b) {
			break
		}
		out = append(out, string(b[off:off+n]))
		off += n
	}
	return out
}

// parseSMs parses SII category 0x0029: 8-byte descriptors (start address,
// length, control byte, status byte (unused), enable byte, SM type). Byte 6's
// low bit is the enabled flag (spec §3 SMDescriptor).
func parseSMs(body []uint16) []slave.SMDescriptor {
	b := wordsToBytes(body)
	var out []slave.SMDescriptor
	for off := 0; off+8 <= len(b); off += 8 {
		out = append(out, slave.SMDescriptor{
			StartAddress: binary.LittleEndian.Uint16(b[off : off+2]),
			Length:       binary.LittleEndian.Uint16(b[off+2 : off+4]),
			ControlByte:  b[off+4],
			Enabled:      b[off+6]&0x01 != 0,
		})
	}
	return out
}

// parsePDOs parses SII categories 0x0032 (TxPDO) / 0x0033 (RxPDO): an
// 8-byte PDO header (index, entry count, sync manager, ...) followed by
// 8-byte entry descriptors (index, subindex, name index, data type, bit
// length, flags).
func parsePDOs(body []uint16) []slave.PDODescriptor {
	var out []slave.PDODescriptor
	i := 0
	for i+4 <= len(body) {
		pdoIndex := body[i]
		entryCount := int(body[i+1] & 0xFF)
		smIndex := int(body[i+1] >> 8)
		i += 4
		desc := slave.PDODescriptor{Index: pdoIndex, SMIndex: smIndex}
		for e := 0; e < entryCount && i+4 <= len(body); e++ {
			entryIndex := body[i]
			subAndType := body[i+1]
			bitLen := body[i+2] >> 8
			desc.Entries = append(desc.Entries, slave.PDOEntry{
				Index:     entryIndex,
				Subindex:  uint8(subAndType & 0xFF),
				BitLength: bitLen,
			})
			i += 4
		}
		out = append(out, desc)
	}
	return out
}
