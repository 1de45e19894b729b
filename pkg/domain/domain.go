// Package domain implements the cyclic process-data Domain (spec §4.10,
// §3 "Domain", C13): a contiguous logical-address window aggregating PDO
// entries across slaves into one or more LRW datagrams, FMMU-projected
// from each slave's physical sync-manager memory.
//
// Grounded on gocanopen's pkg/pdo.PDOCommon, generalized from "map CANopen
// object dictionary entries into one CAN frame's 8-byte payload" to "map
// PDO entries across many slaves into one shared logical image spanning
// one or more LRW datagrams" — the entry-packing arithmetic is the same
// shape, the addressing scheme and the owning transport are not.
package domain

import (
	"errors"

	"github.com/fieldbus-go/ethercat"
)

var (
	ErrNotByteAligned = errors.New("domain: entry does not byte-align")
	ErrNotActivated   = errors.New("domain: not yet activated")
)

// Direction mirrors slaveconfig.SMDirection without importing it, keeping
// domain free of a dependency on the configuration package; the master
// orchestration layer translates between the two.
type Direction uint8

const (
	Input  Direction = iota // slave -> master
	Output                  // master -> slave
)

// pendingEntry is one registered PDO entry awaiting domain activation.
type pendingEntry struct {
	station   uint16
	smIndex   int
	smStart   uint16
	direction Direction
	index     uint16
	subindex  uint8
	bitLength uint16
	offset    uint32 // assigned logical byte offset, filled at registration
}

// Projection is one slave's FMMU configuration for this domain (spec §3
// Domain "list of FMMU projections").
type Projection struct {
	Station       uint16
	SMIndex       int
	Direction     Direction
	PhysicalStart uint16
	LogicalOffset uint32
	Length        uint16
}

// WCState is the coarse classification of a domain's most recent working
// counter (spec §4.10 "process()").
type WCState uint8

const (
	WCZero WCState = iota
	WCIncomplete
	WCComplete
)

// Domain is a contiguous logical process-image window (spec §3).
type Domain struct {
	disp        *ethercat.Dispatcher
	base        uint32
	size        uint32
	buffer      []byte
	entries     []*pendingEntry
	projections []Projection
	datagrams   []*ethercat.Datagram
	expectedWKC uint32
	currentWKC  uint32
	activated   bool
}

func New(disp *ethercat.Dispatcher, base uint32) *Domain {
	return &Domain{disp: disp, base: base}
}

// RegisterPDOEntry reserves a contiguous byte range for one PDO entry and
// returns its offset within the domain (spec §4.10 builder contract). Only
// byte-aligned entries are supported: an entry whose bit length is not a
// multiple of 8 is rejected with ErrNotByteAligned, and no bit-position
// registration is offered.
func (d *Domain) RegisterPDOEntry(station uint16, smIndex int, smStart uint16, direction Direction, index uint16, subindex uint8, bitLength uint16) (uint32, error) {
	if d.activated {
		return 0, errors.New("domain: cannot register after activation")
	}
	if bitLength%8 != 0 {
		return 0, ErrNotByteAligned
	}
	offset := d.size
	d.entries = append(d.entries, &pendingEntry{
		station: station, smIndex: smIndex, smStart: smStart, direction: direction,
		index: index, subindex: subindex, bitLength: bitLength, offset: offset,
	})
	d.size += uint32(bitLength / 8)
	return offset, nil
}

// Activate allocates the logical image, partitions it into LRW datagrams
// of at most MaxDatagramPayload bytes, and builds the per-slave FMMU
// projection list (spec §4.10 "At activation").
func (d *Domain) Activate() error {
	if d.size == 0 {
		return errors.New("domain: no PDO entries registered")
	}
	d.buffer = make([]byte, d.size)

	// Group contiguous entries sharing (station, smIndex, direction) into
	// one FMMU projection each.
	var cur *Projection
	for _, e := range d.entries {
		if cur != nil && cur.Station == e.station && cur.SMIndex == e.smIndex && cur.Direction == e.direction {
			cur.Length += uint16(e.bitLength / 8)
			continue
		}
		d.projections = append(d.projections, Projection{
			Station: e.station, SMIndex: e.smIndex, Direction: e.direction,
			PhysicalStart: e.smStart, LogicalOffset: d.base + e.offset, Length: uint16(e.bitLength / 8),
		})
		cur = &d.projections[len(d.projections)-1]
	}

	off := uint32(0)
	for off < d.size {
		chunk := d.size - off
		if chunk > ethercat.MaxDatagramPayload {
			chunk = ethercat.MaxDatagramPayload
		}
		dg := ethercat.NewExternalDatagram(ethercat.CmdLRW, d.base+off, d.buffer[off:off+chunk])
		d.datagrams = append(d.datagrams, dg)
		off += chunk
	}

	// Every datagram this domain owns is an LRW: a single combined
	// read-write command that increments a participating slave's working
	// counter by 3 (1 read + 2 write), regardless of how many of that
	// slave's FMMUs (input, output, or both) fall within its span (spec
	// §3 invariant, §8 scenario 4). Count distinct stations per datagram,
	// not per FMMU.
	d.expectedWKC = 0
	for _, dg := range d.datagrams {
		stations := make(map[uint16]struct{})
		lo, hi := dg.Address, dg.Address+uint32(len(dg.Data))
		for _, p := range d.projections {
			if p.LogicalOffset >= lo && p.LogicalOffset < hi {
				stations[p.Station] = struct{}{}
			}
		}
		wkc := uint32(len(stations)) * 3
		dg.ExpWKC = uint16(wkc)
		d.expectedWKC += wkc
	}
	d.activated = true
	return nil
}

// Data returns the caller's borrow of the domain's logical process image,
// valid until the master is deactivated (spec §3 Ownership).
func (d *Domain) Data() []byte { return d.buffer }

func (d *Domain) Size() uint32       { return d.size }
func (d *Domain) BaseAddress() uint32 { return d.base }

func (d *Domain) Projections() []Projection { return d.projections }

// Queue marks all owned datagrams QUEUED (spec §4.10 runtime contract).
func (d *Domain) Queue() error {
	if !d.activated {
		return ErrNotActivated
	}
	for _, dg := range d.datagrams {
		d.disp.Enqueue(dg)
	}
	return nil
}

// Process aggregates the working counter from the owned datagrams after a
// receive cycle (spec §4.10 runtime contract).
func (d *Domain) Process() WCState {
	total := uint32(0)
	anyReceived := false
	for _, dg := range d.datagrams {
		if dg.State == ethercat.StateReceived {
			anyReceived = true
			total += uint32(dg.WKC)
		}
	}
	d.currentWKC = total
	switch {
	case !anyReceived || total == 0:
		return WCZero
	case total < d.expectedWKC:
		return WCIncomplete
	default:
		return WCComplete
	}
}

// State snapshots the domain's working counter (spec §4.10).
func (d *Domain) State() (current, expected uint32) {
	return d.currentWKC, d.expectedWKC
}

