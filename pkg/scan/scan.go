// Package scan implements the slave scan FSM (spec §4.7, C9): for each
// newly found ring position, assign its station address, read base info
// and port/link status, walk its SII to size and parse the EEPROM, request
// PREOP so its mailbox is usable, and — once a slave has been idle in
// PREOP long enough — fetch its SDO dictionary.
//
// Grounded on gocanopen's Network.Scan, generalized from "probe every
// CANopen node ID in parallel via a throwaway SDO client" to "walk ring
// positions in sequence, since EtherCAT topology is discovered by counting
// BRD responders rather than guessed from an address range".
package scan

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/pkg/al"
	"github.com/fieldbus-go/ethercat/pkg/coe"
	"github.com/fieldbus-go/ethercat/pkg/sii"
	"github.com/fieldbus-go/ethercat/pkg/slave"
)

// categoryStrings/General/FMMU/SyncM/TxPDO/RxPDO are the SII category type
// codes walked from the category chain starting at word 0x0040 (spec
// §4.7 step 5).
const (
	categoryStrings uint16 = 10
	categoryGeneral uint16 = 30
	categoryFMMU    uint16 = 40
	categorySyncM   uint16 = 41
	categoryTxPDO   uint16 = 50
	categoryRxPDO   uint16 = 51
	categoryEnd     uint16 = 0xFFFF

	// siiWord* are the fixed SII word offsets carrying the mailbox
	// geometry and supported-protocol bitmask (spec §3 "mailbox offsets
	// and sizes", "supported mailbox protocols bitmask"), all within the
	// 0x0000..0x003F fixed area read up front by readSII.
	siiWordBootRxOffset uint16 = 0x0014
	siiWordBootRxSize   uint16 = 0x0015
	siiWordBootTxOffset uint16 = 0x0016
	siiWordBootTxSize   uint16 = 0x0017
	siiWordStdRxOffset  uint16 = 0x0018
	siiWordStdRxSize    uint16 = 0x0019
	siiWordStdTxOffset  uint16 = 0x001A
	siiWordStdTxSize    uint16 = 0x001B
	siiWordMailboxProto uint16 = 0x001C

	dictionaryIdleBudget = 5 * time.Second
)

// FSM scans one slave, starting from its ring position.
type FSM struct {
	disp   *ethercat.Dispatcher
	logger *slog.Logger
}

func New(disp *ethercat.Dispatcher, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{disp: disp, logger: logger.With("service", "scan")}
}

// Run executes the full scan sequence against one newly discovered ring
// position and returns the populated Slave, or an error if the slave's
// error flag had to be latched.
func (f *FSM) Run(ringPosition uint16) (*slave.Slave, error) {
	s := slave.New(ringPosition)

	// 1. APWR station address = ring_position + 1.
	if err := f.assignStationAddress(s); err != nil {
		s.SetError(err.Error())
		return s, err
	}

	// 2. FPRD 0x0130 AL status.
	alFSM := al.New(f.disp, s.StationAddress)
	state, err := alFSM.CurrentState()
	if err != nil {
		s.SetError(err.Error())
		return s, err
	}
	s.SetALState(state)

	// 3. FPRD 0x0000..0x0005 base info.
	if err := f.readBaseInfo(s); err != nil {
		s.SetError(err.Error())
		return s, err
	}

	// 4. FPRD 0x0110 port/link status.
	if err := f.readPortStatus(s); err != nil {
		s.SetError(err.Error())
		return s, err
	}

	// 5. SII walk.
	siiFSM := sii.New(f.disp, sii.Configured, s.StationAddress)
	if err := f.readSII(s, siiFSM); err != nil {
		s.SetError(err.Error())
		return s, err
	}

	// 6. Request PREOP.
	if err := alFSM.RequestState(ethercat.ALStatePreop); err != nil {
		s.SetError(err.Error())
		return s, err
	}
	s.SetALState(ethercat.ALStatePreop)

	// 7. Dictionary fetch deferred to FetchDictionaryIfIdle, called by the
	// master FSM once the idle budget has elapsed (spec §4.7 step 7).
	return s, nil
}

func (f *FSM) assignStationAddress(s *slave.Slave) error {
	d := ethercat.NewDatagram(ethercat.CmdAPWR, ethercat.AutoIncrementAddress(s.RingPosition, ethercat.RegStationAddress), 2)
	binary.LittleEndian.PutUint16(d.Data, s.StationAddress)
	if err := f.disp.RoundTrip(d, 10*time.Millisecond); err != nil {
		return err
	}
	if d.WKC != 1 {
		return errWC(d.WKC)
	}
	return nil
}

func (f *FSM) readBaseInfo(s *slave.Slave) error {
	d := ethercat.NewDatagram(ethercat.CmdFPRD, ethercat.PhysicalAddress(s.StationAddress, 0x0000), 6)
	if err := f.disp.RoundTrip(d, 10*time.Millisecond); err != nil {
		return err
	}
	if d.WKC != 1 {
		return errWC(d.WKC)
	}
	s.Base.Type = d.Data[0]
	s.Base.Revision = d.Data[1]
	s.Base.Build = binary.LittleEndian.Uint16(d.Data[2:4])
	s.Base.FMMUCount = d.Data[4]
	s.Base.SMCount = d.Data[5]
	return nil
}

func (f *FSM) readPortStatus(s *slave.Slave) error {
	d := ethercat.NewDatagram(ethercat.CmdFPRD, ethercat.PhysicalAddress(s.StationAddress, ethercat.RegDLStatus), 2)
	if err := f.disp.RoundTrip(d, 10*time.Millisecond); err != nil {
		return err
	}
	if d.WKC != 1 {
		return errWC(d.WKC)
	}
	status := binary.LittleEndian.Uint16(d.Data)
	for i := 0; i < 4; i++ {
		s.Ports[i].LinkUp = status&(1<<uint(4+i)) != 0
		s.Ports[i].LoopOpen = status&(1<<uint(8+2*i)) != 0
		s.Ports[i].SignalDetected = status&(1<<uint(9+2*i)) != 0
	}
	return nil
}

// readSII walks the category chain starting at word 0x0040 and parses the
// recognized categories (spec §4.7 step 5; EEPROM layout per spec §6/§9).
func (f *FSM) readSII(s *slave.Slave, fsm *sii.FSM) error {
	fixed, err := fsm.ReadWords(0x0000, 0x0040)
	if err != nil {
		return err
	}
	s.Alias = fixed[0x0004]
	s.VendorID = uint32(fixed[0x0008]) | uint32(fixed[0x0009])<<16
	s.ProductCode = uint32(fixed[0x000A]) | uint32(fixed[0x000B])<<16
	s.RevisionNumber = uint32(fixed[0x000C]) | uint32(fixed[0x000D])<<16
	s.SerialNumber = uint32(fixed[0x000E]) | uint32(fixed[0x000F])<<16

	s.Mailbox.BootRxOffset = fixed[siiWordBootRxOffset]
	s.Mailbox.BootRxSize = fixed[siiWordBootRxSize]
	s.Mailbox.BootTxOffset = fixed[siiWordBootTxOffset]
	s.Mailbox.BootTxSize = fixed[siiWordBootTxSize]
	s.Mailbox.StdRxOffset = fixed[siiWordStdRxOffset]
	s.Mailbox.StdRxSize = fixed[siiWordStdRxSize]
	s.Mailbox.StdTxOffset = fixed[siiWordStdTxOffset]
	s.Mailbox.StdTxSize = fixed[siiWordStdTxSize]
	s.Mailbox.Protocols = slave.MailboxProtocols(fixed[siiWordMailboxProto])

	eeprom := append([]uint16(nil), fixed...)
	offset := uint16(0x0040)
	for {
		header, err := fsm.ReadWords(offset, 2)
		if err != nil {
			return err
		}
		catType := header[0]
		catWords := header[1]
		if catType == categoryEnd {
			eeprom = append(eeprom, header...)
			break
		}
		body, err := fsm.ReadWords(offset+2, int(catWords))
		if err != nil {
			return err
		}
		eeprom = append(eeprom, header...)
		eeprom = append(eeprom, body...)
		f.parseCategory(s, catType, body)
		offset += 2 + catWords
	}
	s.EEPROM = eeprom
	return nil
}

func (f *FSM) parseCategory(s *slave.Slave, catType uint16, body []uint16) {
	switch catType {
	case categoryStrings:
		s.Categories.Strings = parseStrings(body)
	case categorySyncM:
		s.Categories.SMs = parseSMs(body)
	case categoryTxPDO:
		s.Categories.TxPDOs = append(s.Categories.TxPDOs, parsePDOs(body)...)
	case categoryRxPDO:
		s.Categories.RxPDOs = append(s.Categories.RxPDOs, parsePDOs(body)...)
	case categoryGeneral:
		if len(body) > 0 {
			s.PdoAssignConfigurable = body[0]&0x01 != 0
		}
	default:
		f.logger.Debug("ignoring unrecognized SII category", "type", catType)
	}
}

// FetchDictionaryIfIdle fetches the SDO dictionary via CoE once the slave
// has spent at least dictionaryIdleBudget in PREOP, per spec §4.7 step 7:
// the index list, then each index's object description and every
// subindex's entry description, stored on the slave (spec §3 "SDO
// dictionary"). A slave whose dictionary is already populated is skipped.
func (f *FSM) FetchDictionaryIfIdle(s *slave.Slave, sincePreop time.Duration, mbx coe.Mailbox) error {
	if !s.HasProtocol(slave.ProtoCoE) || sincePreop < dictionaryIdleBudget {
		return nil
	}
	if s.GetSDODictionary() != nil {
		return nil
	}
	client := coe.New(f.disp, mbx)
	indices, err := client.FetchIndexList()
	if err != nil {
		return err
	}
	dict := make([]coe.ObjectDescription, 0, len(indices))
	for _, index := range indices {
		desc, err := client.FetchObjectDescription(index)
		if err != nil {
			f.logger.Debug("object description fetch failed", "station", s.StationAddress, "index", index, "err", err)
			continue
		}
		dict = append(dict, *desc)
	}
	s.SetSDODictionary(dict)
	f.logger.Debug("fetched SDO dictionary", "station", s.StationAddress, "objects", len(dict))
	return nil
}

type wcError struct{ wkc uint16 }

func errWC(wkc uint16) error {
	return &wcError{wkc: wkc}
}

func (e *wcError) Error() string {
	return "scan: unexpected working counter"
}
