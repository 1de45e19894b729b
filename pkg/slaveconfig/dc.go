package slaveconfig

import (
	"encoding/binary"
	"time"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/pkg/slave"
)

// MeasurePropagationDelays performs the bus-wide DC propagation-delay
// measurement described in spec §4.8 step 7: a single broadcast write
// latches every slave's port-0 receive-time register simultaneously, then
// each slave's latched time is read back in ring order and the delay to
// the next slave accumulated monotonically (spec §8 "sum over ports... is
// monotone along the ring"). A slave without DC support (read-back WKC
// other than 1) adds no delay of its own and is recorded with the delay
// accumulated by the slaves before it.
func MeasurePropagationDelays(disp *ethercat.Dispatcher, slaves []*slave.Slave) error {
	if len(slaves) == 0 {
		return nil
	}
	latch := ethercat.NewDatagram(ethercat.CmdBWR, ethercat.PhysicalAddress(0, ethercat.RegDCRecvTimePort0), 4)
	if err := disp.RoundTrip(latch, 10*time.Millisecond); err != nil {
		return err
	}

	recvTimes := make([]uint32, len(slaves))
	haveTime := make([]bool, len(slaves))
	for i, s := range slaves {
		d := ethercat.NewDatagram(ethercat.CmdFPRD, ethercat.PhysicalAddress(s.StationAddress, ethercat.RegDCRecvTimePort0), 4)
		if err := disp.RoundTrip(d, 10*time.Millisecond); err != nil {
			return err
		}
		if d.WKC != 1 {
			continue
		}
		recvTimes[i] = binary.LittleEndian.Uint32(d.Data)
		haveTime[i] = true
	}

	var accumulated uint32
	for i := range slaves {
		if i+1 < len(slaves) && haveTime[i] && haveTime[i+1] && recvTimes[i+1] >= recvTimes[i] {
			accumulated += (recvTimes[i+1] - recvTimes[i]) / 2
		}
		slaves[i].SetPropagationDelay(accumulated)
	}
	return nil
}

// SyncReferenceClock runs one round of DC drift correction (spec §4.9 "DC
// reference-clock drift sync"): an auto-increment read-write walks the ring
// from the reference slave (ring position 0), reading its current system
// time back into the datagram payload as it passes through each responding
// slave; a configured-address read-write then rewrites that captured value
// into every slave's system-time register so local clocks are nudged
// toward the reference on each call.
func SyncReferenceClock(disp *ethercat.Dispatcher, slaves []*slave.Slave) error {
	if len(slaves) == 0 {
		return nil
	}
	armw := ethercat.NewDatagram(ethercat.CmdARMW, ethercat.PhysicalAddress(0, ethercat.RegDCSystemTime), 8)
	if err := disp.RoundTrip(armw, 10*time.Millisecond); err != nil {
		return err
	}
	if armw.WKC == 0 {
		return nil
	}
	frmw := ethercat.NewDatagram(ethercat.CmdFRMW, ethercat.PhysicalAddress(slaves[0].StationAddress, ethercat.RegDCSystemTime), 8)
	copy(frmw.Data, armw.Data)
	return disp.RoundTrip(frmw, 10*time.Millisecond)
}
