// Package slaveconfig implements the user-visible slave configuration
// handle (spec §3 "Slave configuration", C12) and the apply FSM that walks
// a slave from PREOP to OP according to it (spec §4.8, C10).
//
// Grounded on gocanopen's pkg/config (NodeConfigurator): a per-node
// accumulator of desired PDO/heartbeat/sync parameters, applied via a
// sequence of SDO reads/writes. Generalized from "reconfigure one CANopen
// node's communication objects over SDO" to "program one EtherCAT slave's
// FMMUs/SMs/PDO-assignment/DC registers", most of which are raw register
// datagrams rather than SDO transfers.
package slaveconfig

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/pkg/al"
	"github.com/fieldbus-go/ethercat/pkg/coe"
	"github.com/fieldbus-go/ethercat/pkg/domain"
	"github.com/fieldbus-go/ethercat/pkg/slave"
)

// SMDirection is a sync manager's data direction.
type SMDirection uint8

const (
	SMInput  SMDirection = iota // slave -> master (TxPDO)
	SMOutput                    // master -> slave (RxPDO)
)

// SMConfig is one configured sync manager: direction, watchdog mode, and
// the PDOs assigned to it.
type SMConfig struct {
	Index       int
	StartAddr   uint16
	Length      uint16
	Direction   SMDirection
	WatchdogOn  bool
	PDOIndices  []uint16
}

// MappedEntry is one configured PDO entry (spec §3 "per-PDO mapped
// entries").
type MappedEntry struct {
	Index     uint16
	Subindex  uint8
	BitLength uint16
}

// SDOConfig is one SDO write applied during PREOP->SAFEOP (spec §4.8 step 4).
type SDOConfig struct {
	Index    uint16
	Subindex uint8
	Data     []byte
}

// DCConfig is the distributed-clocks configuration (spec §4.8 step 7).
type DCConfig struct {
	Enabled       bool
	AssignActivate uint16
	Cycle0Ns      uint32
	Shift0Ns      int32
	Cycle1Ns      uint32
	Shift1Ns      int32
}

// Config is the application-authored desired configuration for one slave
// (spec §3 "Slave configuration"). The master binds it to a slave by ring
// position only; Alias, ExpectedVendor and ExpectedProduct are stored but
// not compared against the slave.
type Config struct {
	Alias          uint16
	Position       uint16
	ExpectedVendor uint32
	ExpectedProduct uint32

	SMs        []SMConfig
	PDOMapping map[uint16][]MappedEntry // pdo index -> entries
	SDOs       []SDOConfig
	DC         DCConfig

	WatchdogDivider  uint16
	WatchdogPDI      uint16
	WatchdogProcess  uint16

	RequestedState ethercat.ALState
}

func New(position uint16) *Config {
	return &Config{
		Position:       position,
		PDOMapping:     make(map[uint16][]MappedEntry),
		RequestedState: ethercat.ALStateOp,
	}
}

// FSM walks a bound (Config, Slave) pair from PREOP to the configuration's
// requested state (spec §4.8).
type FSM struct {
	disp   *ethercat.Dispatcher
	logger *slog.Logger
}

func NewFSM(disp *ethercat.Dispatcher, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{disp: disp, logger: logger.With("service", "slaveconfig")}
}

// Apply runs the full sequence described in spec §4.8. fmmus is the full
// set of FMMU projections computed by the domain(s) this slave belongs to
// (spec §4.10 "At activation"); Apply filters it down to this slave's own
// entries before programming. It aborts and latches the slave's error flag
// on any unexpected working counter.
func (f *FSM) Apply(s *slave.Slave, cfg *Config, mbx coe.Mailbox, fmmus []domain.Projection) error {
	if err := f.clearFMMUs(s); err != nil {
		return f.fail(s, err)
	}
	if err := f.clearSMs(s); err != nil {
		return f.fail(s, err)
	}
	if err := f.programSMs(s, cfg); err != nil {
		return f.fail(s, err)
	}

	alFSM := al.New(f.disp, s.StationAddress)
	if err := alFSM.RequestState(ethercat.ALStatePreop); err != nil {
		return f.fail(s, err)
	}
	s.SetALState(ethercat.ALStatePreop)

	coeClient := coe.New(f.disp, mbx)
	for _, sdoCfg := range cfg.SDOs {
		if err := coeClient.Download(sdoCfg.Index, sdoCfg.Subindex, sdoCfg.Data); err != nil {
			return f.fail(s, err)
		}
	}

	if s.PdoAssignConfigurable {
		if err := f.applyPDOAssignment(coeClient, cfg); err != nil {
			f.logger.Warn("PDO reconfiguration rejected by slave", "position", s.RingPosition, "err", err)
			s.SetError(err.Error())
		}
	}

	if err := f.programFMMUs(s, fmmus); err != nil {
		return f.fail(s, err)
	}

	if cfg.DC.Enabled {
		if err := f.programDC(s, cfg.DC); err != nil {
			return f.fail(s, err)
		}
	}

	if err := alFSM.RequestState(ethercat.ALStateSafeop); err != nil {
		return f.fail(s, err)
	}
	s.SetALState(ethercat.ALStateSafeop)

	if cfg.RequestedState == ethercat.ALStateOp {
		if err := alFSM.RequestState(ethercat.ALStateOp); err != nil {
			return f.fail(s, err)
		}
		s.SetALState(ethercat.ALStateOp)
	}
	return nil
}

func (f *FSM) fail(s *slave.Slave, err error) error {
	s.SetError(err.Error())
	return err
}

func (f *FSM) clearFMMUs(s *slave.Slave) error {
	zeros := make([]byte, 16*int(s.Base.FMMUCount))
	if len(zeros) == 0 {
		return nil
	}
	d := ethercat.NewDatagram(ethercat.CmdFPWR, ethercat.PhysicalAddress(s.StationAddress, ethercat.RegFMMUBase), len(zeros))
	return f.writeAndCheck(d)
}

func (f *FSM) clearSMs(s *slave.Slave) error {
	zeros := make([]byte, 8*int(s.Base.SMCount))
	if len(zeros) == 0 {
		return nil
	}
	d := ethercat.NewDatagram(ethercat.CmdFPWR, ethercat.PhysicalAddress(s.StationAddress, ethercat.RegSMBase), len(zeros))
	return f.writeAndCheck(d)
}

// programSMs writes each configured sync manager's descriptor. If the
// configuration supplies none but the slave advertises mailbox support, the
// mailbox SMs (SM0 = RX, SM1 = TX) are synthesized from the SII (spec §4.8
// step 3).
func (f *FSM) programSMs(s *slave.Slave, cfg *Config) error {
	sms := cfg.SMs
	if len(sms) == 0 && s.Mailbox.Protocols != 0 {
		sms = []SMConfig{
			{Index: 0, StartAddr: s.Mailbox.StdRxOffset, Length: s.Mailbox.StdRxSize, Direction: SMOutput},
			{Index: 1, StartAddr: s.Mailbox.StdTxOffset, Length: s.Mailbox.StdTxSize, Direction: SMInput},
		}
	}
	for _, sm := range sms {
		body := make([]byte, 8)
		binary.LittleEndian.PutUint16(body[0:2], sm.StartAddr)
		binary.LittleEndian.PutUint16(body[2:4], sm.Length)
		ctrl := byte(0x20) // buffered mode, mailbox-style default
		if sm.Direction == SMOutput {
			ctrl |= 0x04
		}
		body[4] = ctrl
		body[6] = 0x01 // enable
		d := ethercat.NewDatagram(ethercat.CmdFPWR, ethercat.PhysicalAddress(s.StationAddress, ethercat.SMRegister(sm.Index)), 8)
		copy(d.Data, body)
		if err := f.writeAndCheck(d); err != nil {
			return err
		}
	}
	return nil
}

// applyPDOAssignment rewrites every PDO mapping object listed in
// cfg.PDOMapping (the 0x1600/0x1A00 family) via the clear-then-write-then-
// count procedure. It does not write the 0x1C1x assignment objects:
// SMConfig.PDOIndices is not sent to the slave.
func (f *FSM) applyPDOAssignment(client *coe.FSM, cfg *Config) error {
	for pdoIndex, entries := range cfg.PDOMapping {
		if err := client.Download(pdoIndex, 0, []byte{0}); err != nil {
			return err
		}
		for i, e := range entries {
			packed := uint32(e.Index)<<16 | uint32(e.Subindex)<<8 | uint32(e.BitLength)
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, packed)
			if err := client.Download(pdoIndex, uint8(i+1), buf); err != nil {
				return err
			}
		}
		if err := client.Download(pdoIndex, 0, []byte{byte(len(entries))}); err != nil {
			return err
		}
	}
	return nil
}

// programFMMUs writes one 16-byte FMMU control block per projection that
// maps this slave's physical memory into a domain's logical image (spec
// §4.8 step 6): logical start address/length/bit range, physical start
// address/bit, the read/write type derived from the sync manager's
// direction, and the enable bit.
func (f *FSM) programFMMUs(s *slave.Slave, fmmus []domain.Projection) error {
	idx := 0
	for _, p := range fmmus {
		if p.Station != s.StationAddress {
			continue
		}
		body := make([]byte, 16)
		binary.LittleEndian.PutUint32(body[0:4], p.LogicalOffset)
		binary.LittleEndian.PutUint16(body[4:6], p.Length)
		body[6] = 0 // logical start bit
		body[7] = 7 // logical end bit: entries are byte-aligned, so the last byte is fully used
		binary.LittleEndian.PutUint16(body[8:10], p.PhysicalStart)
		body[10] = 0 // physical start bit
		switch p.Direction {
		case domain.Output:
			body[11] = 0x02 // write: master -> slave
		case domain.Input:
			body[11] = 0x01 // read: slave -> master
		}
		body[12] = 0x01 // activate

		d := ethercat.NewDatagram(ethercat.CmdFPWR, ethercat.PhysicalAddress(s.StationAddress, ethercat.FMMURegister(idx)), 16)
		copy(d.Data, body)
		if err := f.writeAndCheck(d); err != nil {
			return err
		}
		idx++
	}
	return nil
}

func (f *FSM) programDC(s *slave.Slave, dc DCConfig) error {
	assign := make([]byte, 2)
	binary.LittleEndian.PutUint16(assign, dc.AssignActivate)
	d := ethercat.NewDatagram(ethercat.CmdFPWR, ethercat.PhysicalAddress(s.StationAddress, ethercat.RegDCSyncAssign), 2)
	copy(d.Data, assign)
	if err := f.writeAndCheck(d); err != nil {
		return err
	}

	base := ethercat.RegDCSyncCycle0
	times := make([]byte, ethercat.RegDCSyncShift1+4-base)
	binary.LittleEndian.PutUint32(times[ethercat.RegDCSyncCycle0-base:], dc.Cycle0Ns)
	binary.LittleEndian.PutUint32(times[ethercat.RegDCSyncShift0-base:], uint32(dc.Shift0Ns))
	binary.LittleEndian.PutUint32(times[ethercat.RegDCSyncCycle1-base:], dc.Cycle1Ns)
	binary.LittleEndian.PutUint32(times[ethercat.RegDCSyncShift1-base:], uint32(dc.Shift1Ns))
	d2 := ethercat.NewDatagram(ethercat.CmdFPWR, ethercat.PhysicalAddress(s.StationAddress, base), len(times))
	copy(d2.Data, times)
	return f.writeAndCheck(d2)
}

func (f *FSM) writeAndCheck(d *ethercat.Datagram) error {
	if err := f.disp.RoundTrip(d, 10*time.Millisecond); err != nil {
		return err
	}
	if d.WKC != 1 {
		return fmt.Errorf("slaveconfig: unexpected WKC %d writing to 0x%04x", d.WKC, d.Address)
	}
	return nil
}
