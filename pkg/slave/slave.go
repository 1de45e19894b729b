// Package slave holds the master-owned Slave data model: everything the
// scan and configuration FSMs learn about one node on the ring (spec §3
// "Slave").
//
// Grounded on gocanopen's pkg/node.BaseNode, generalized from a CANopen
// node handle (object dictionary + SDO client bound to one node ID) to an
// EtherCAT slave handle (ring position/station address, SII-derived
// identity and mailbox geometry, parsed EEPROM categories, AL state, error
// latch) bound to its ring position instead of a CAN node ID.
package slave

import (
	"sync"
	"time"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/pkg/coe"
)

// MailboxProtocols is the bitmask of mailbox protocols a slave advertises
// in its SII (spec §3, Glossary).
type MailboxProtocols uint16

const (
	ProtoAoE MailboxProtocols = 1 << 0
	ProtoEoE MailboxProtocols = 1 << 1
	ProtoCoE MailboxProtocols = 1 << 2
	ProtoFoE MailboxProtocols = 1 << 3
	ProtoSoE MailboxProtocols = 1 << 4
	ProtoVoE MailboxProtocols = 1 << 5
)

// Port describes one of a slave's (up to 4) ESC ports.
type Port struct {
	LinkUp            bool
	LoopOpen           bool
	SignalDetected     bool
	PropagationDelayNs uint32 // delay to the next slave on this port
}

// BaseInfo is the fixed-size ESC identification block (spec §3, register
// addresses 0x0000..0x0005).
type BaseInfo struct {
	Type       uint8
	Revision   uint8
	Build      uint16
	FMMUCount  uint8
	SMCount    uint8
	DCSupport  bool
	DC64Bit    bool
}

// MailboxInfo carries the mailbox SM offsets/sizes read from the SII (spec
// §3 "mailbox offsets and sizes").
type MailboxInfo struct {
	BootRxOffset uint16
	BootRxSize   uint16
	BootTxOffset uint16
	BootTxSize   uint16
	StdRxOffset  uint16
	StdRxSize    uint16
	StdTxOffset  uint16
	StdTxSize    uint16
	Protocols    MailboxProtocols
}

// PDOEntry is one mapped entry inside a PDO descriptor parsed from SII
// category 0x32/0x33 (TxPDO/RxPDO) or via CoE 0x1600/0x1A00.
type PDOEntry struct {
	Index     uint16
	Subindex  uint8
	BitLength uint16
	Name      string
}

// PDODescriptor is one PDO (its assigned sync manager, index, and mapped
// entries).
type PDODescriptor struct {
	Index   uint16
	SMIndex int
	Entries []PDOEntry
}

// SMDescriptor is one parsed sync-manager descriptor from SII category
// 0x29.
type SMDescriptor struct {
	StartAddress uint16
	Length       uint16
	ControlByte  uint8
	Enabled      bool
}

// Categories bundles the parsed SII category tables (spec §4.7 step 5).
type Categories struct {
	Strings []string
	SMs     []SMDescriptor
	TxPDOs  []PDODescriptor
	RxPDOs  []PDODescriptor
}

// Slave is the master's record of one node on the ring (spec §3).
type Slave struct {
	mu sync.Mutex

	RingPosition    uint16
	StationAddress  uint16
	Alias           uint16
	VendorID        uint32
	ProductCode     uint32
	RevisionNumber  uint32
	SerialNumber    uint32
	Base            BaseInfo
	Ports           [4]Port
	Mailbox         MailboxInfo
	EEPROM          []uint16 // raw SII image, word-addressed
	Categories      Categories
	ALState         ethercat.ALState
	ErrorFlag       bool
	ErrorDetail     string
	ConfigAttached  bool // true once bound to a slave-config by ring position

	// SDODictionary is the CoE object dictionary fetched once the slave has
	// idled in PREOP long enough (spec §3 "SDO dictionary", §4.7 step 7).
	// Empty until FetchDictionaryIfIdle populates it.
	SDODictionary []coe.ObjectDescription

	// PdoAssignConfigurable reflects whether this slave advertises "Enable
	// PDO Assign" in its CoE details object (spec §9 PDO assignment vs SII
	// ambiguity): true means CoE reassignment is attempted, false means
	// the SII-published PDOs are trusted as-is.
	PdoAssignConfigurable bool

	preopSince time.Time // zero until the slave first reaches PREOP
}

func New(ringPosition uint16) *Slave {
	return &Slave{
		RingPosition:   ringPosition,
		StationAddress: ringPosition + 1,
	}
}

// SetError latches the slave's error flag (spec §7 "Slave errors"); a
// latched slave skips all non-diagnostic traffic until a rescan clears it.
func (s *Slave) SetError(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorFlag = true
	s.ErrorDetail = detail
}

func (s *Slave) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorFlag = false
	s.ErrorDetail = ""
}

func (s *Slave) InError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrorFlag
}

func (s *Slave) SetALState(state ethercat.ALState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == ethercat.ALStatePreop && s.ALState != ethercat.ALStatePreop {
		s.preopSince = time.Now()
	}
	s.ALState = state
}

// TimeInPreop returns how long the slave has continuously been in PREOP,
// or zero if it has never reached PREOP (spec §4.7 step 7 idle budget).
func (s *Slave) TimeInPreop() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preopSince.IsZero() {
		return 0
	}
	return time.Since(s.preopSince)
}

func (s *Slave) GetALState() ethercat.ALState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ALState
}

// SetSDODictionary stores the object dictionary fetched by the scan FSM's
// deferred dictionary walk (spec §4.7 step 7).
func (s *Slave) SetSDODictionary(dict []coe.ObjectDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SDODictionary = dict
}

// GetSDODictionary returns the slave's most recently fetched object
// dictionary, or nil if none has been fetched yet.
func (s *Slave) GetSDODictionary() []coe.ObjectDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SDODictionary
}

// SetPropagationDelay records the measured port-0 propagation delay to the
// next slave on the ring (spec §4.8 step 7, §8 "monotone along the ring").
func (s *Slave) SetPropagationDelay(delayNs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Ports[0].PropagationDelayNs = delayNs
}

// HasProtocol reports whether the slave's SII advertises the given mailbox
// protocol.
func (s *Slave) HasProtocol(p MailboxProtocols) bool {
	return s.Mailbox.Protocols&p != 0
}
