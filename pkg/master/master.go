// Package master implements the Master FSM (spec §4.9, C11) and the
// top-level Master orchestration type providing the application API
// contract of spec §4.12: receive() -> process_data() -> queue() -> send().
//
// Grounded on gocanopen's pkg/network.Network: the "main object of the
// package" that owns the bus, a map of per-node controllers, and a logger,
// exposing Connect/Scan/Configurator-style entry points. Generalized from
// a CANopen node registry to an EtherCAT ring: slaves are discovered by
// topology (a BRD response count), not declared by node ID. Scanning and
// configuration run inside Activate; the idle-thread FSM (user jobs, DC
// drift sync, AL-state polling) runs opportunistically from Send instead of
// as an always-on background ticker.
package master

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldbus-go/ethercat"
	"github.com/fieldbus-go/ethercat/pkg/al"
	"github.com/fieldbus-go/ethercat/pkg/coe"
	"github.com/fieldbus-go/ethercat/pkg/domain"
	"github.com/fieldbus-go/ethercat/pkg/foe"
	"github.com/fieldbus-go/ethercat/pkg/nic"
	"github.com/fieldbus-go/ethercat/pkg/request"
	"github.com/fieldbus-go/ethercat/pkg/scan"
	"github.com/fieldbus-go/ethercat/pkg/sii"
	"github.com/fieldbus-go/ethercat/pkg/slave"
	"github.com/fieldbus-go/ethercat/pkg/slaveconfig"
)

var (
	ErrAlreadyActivated   = errors.New("master: already activated")
	ErrNotActivated       = errors.New("master: not activated")
	errNoMailbox          = errors.New("master: slave has no CoE mailbox")
	errUnsupportedJobKind = errors.New("master: job kind not yet handled by the idle FSM")
)

// Master is the main object of this package: it owns the device binding,
// the datagram dispatcher, the discovered slaves, their attached
// configurations, the domains built against them, and the pending request
// queues the idle-thread FSM drains (spec §3 "Ownership").
type Master struct {
	mu sync.Mutex

	device *ethercat.Device
	disp   *ethercat.Dispatcher
	logger *slog.Logger

	slaves     []*slave.Slave
	configs    map[uint16]*slaveconfig.Config // by position
	mailboxes  map[uint16]coe.Mailbox         // by station address
	domains    []*domain.Domain
	jobs       []*request.Job

	lastTopologyWKC uint16
	activated       bool
	rrIndex         int  // round-robin cursor across slaves (spec §4.9 fairness)
	dcActive        bool // true once any attached config enables distributed clocks
	dcTurn          bool // alternates DC drift sync with AL-state polling in the idle FSM
}

// New binds a Master to a NIC link (spec §1 "a function pointer pair is
// assumed"; this repo's C3 generalizes that pair into nic.Link).
func New(link nic.Link, logger *slog.Logger) (*Master, error) {
	if logger == nil {
		logger = slog.Default()
	}
	device, err := ethercat.NewDeviceFromLink(link)
	if err != nil {
		return nil, err
	}
	m := &Master{
		device:    device,
		logger:    logger.With("service", "master"),
		configs:   make(map[uint16]*slaveconfig.Config),
		mailboxes: make(map[uint16]coe.Mailbox),
	}
	m.disp = ethercat.NewDispatcher(device, logger)
	return m, nil
}

// SlaveConfig returns the user-authored slave configuration bound to the
// given ring position, creating it on first use (spec §3 "Slave
// configuration").
func (m *Master) SlaveConfig(position uint16) *slaveconfig.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[position]
	if !ok {
		cfg = slaveconfig.New(position)
		m.configs[position] = cfg
	}
	return cfg
}

// NewDomain creates an empty Domain at the given logical base address,
// owned by this master for the rest of its lifetime (spec §3 Ownership).
func (m *Master) NewDomain(base uint32) *domain.Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := domain.New(m.disp, base)
	m.domains = append(m.domains, d)
	return d
}

// Slaves returns a snapshot of the currently known slave list.
func (m *Master) Slaves() []*slave.Slave {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*slave.Slave, len(m.slaves))
	copy(out, m.slaves)
	return out
}

func (m *Master) SlaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slaves)
}

// Activate scans the topology, builds every registered domain (address
// allocation), and then applies each attached configuration synchronously,
// walking those slaves to their requested state before it returns (spec
// §4.12 "activate()"). The configuration walk does not run from the idle
// FSM.
func (m *Master) Activate() error {
	m.mu.Lock()
	if m.activated {
		m.mu.Unlock()
		return ErrAlreadyActivated
	}
	m.mu.Unlock()

	if err := m.scanTopology(); err != nil {
		return err
	}
	var fmmus []domain.Projection
	for _, d := range m.domains {
		if err := d.Activate(); err != nil {
			return err
		}
		fmmus = append(fmmus, d.Projections()...)
	}

	for _, cfg := range m.configs {
		if cfg.DC.Enabled {
			m.dcActive = true
			break
		}
	}
	if m.dcActive {
		if err := slaveconfig.MeasurePropagationDelays(m.disp, m.slaves); err != nil {
			m.logger.Warn("DC propagation delay measurement failed", "err", err)
		}
	}

	for _, s := range m.slaves {
		if cfg, ok := m.configs[s.RingPosition]; ok {
			s.ConfigAttached = true
			mbx := m.mailboxes[s.StationAddress]
			fsm := slaveconfig.NewFSM(m.disp, m.logger)
			if err := fsm.Apply(s, cfg, mbx, fmmus); err != nil {
				m.logger.Warn("slave configuration failed", "position", s.RingPosition, "err", err)
			}
		}
	}

	m.mu.Lock()
	m.activated = true
	m.mu.Unlock()
	return nil
}

// scanTopology runs the slave-scan FSM against every ring position that
// answers a BRD (spec §4.7/§8 scenario 2).
func (m *Master) scanTopology() error {
	brd := ethercat.NewDatagram(ethercat.CmdBRD, ethercat.PhysicalAddress(0, ethercat.RegALStatus), 2)
	if err := m.disp.RoundTrip(brd, 10*time.Millisecond); err != nil {
		return err
	}
	count := int(brd.WKC)
	m.logger.Info("topology scan", "responders", count)

	scanner := scan.New(m.disp, m.logger)
	var found []*slave.Slave
	for pos := uint16(0); pos < uint16(count); pos++ {
		s, err := scanner.Run(pos)
		if err != nil {
			m.logger.Warn("slave scan failed", "position", pos, "err", err)
		}
		found = append(found, s)
		if s.HasProtocol(slave.ProtoCoE) {
			m.mailboxes[s.StationAddress] = coe.Mailbox{
				Station:  s.StationAddress,
				RxOffset: s.Mailbox.StdRxOffset,
				RxSize:   s.Mailbox.StdRxSize,
				TxOffset: s.Mailbox.StdTxOffset,
				TxSize:   s.Mailbox.StdTxSize,
				RxSM:     0,
				TxSM:     1,
			}
		}
	}
	m.mu.Lock()
	m.slaves = found
	m.mu.Unlock()
	return nil
}

// Receive drains the NIC and dispatches responses back to their queued
// datagrams (spec §4.12 "receive()").
func (m *Master) Receive() error {
	for {
		body, err := m.device.ReceiveFrame()
		if err != nil {
			return err
		}
		if body == nil {
			return nil
		}
		if err := m.disp.OnFrameReceived(body); err != nil {
			m.logger.Debug("frame decode error", "err", err)
		}
	}
}

// ProcessData aggregates working counters for every active domain (spec
// §4.12).
func (m *Master) ProcessData() {
	if !m.activated {
		return
	}
	for _, d := range m.domains {
		d.Process()
	}
}

// QueueData marks every domain's datagrams QUEUED (spec §4.12).
func (m *Master) QueueData() {
	if !m.activated {
		return
	}
	for _, d := range m.domains {
		_ = d.Queue()
	}
}

// Send flushes the queue to the wire. Before flushing, it always lets the
// idle-thread FSM take one action of its own — a pending CoE/FoE/register/
// SII job, a DC drift correction, or an AL-state poll — both before and
// after activation (spec §4.9). That action runs to completion inside Send
// and may exchange several datagrams.
func (m *Master) Send() error {
	m.stepIdleFSM()
	m.disp.Tick()
	_, err := m.disp.SendQueued()
	return err
}

// stepIdleFSM performs at most one action: the oldest pending job, else
// (when DC is active, on alternate calls) one DC drift sync, else an
// AL-state poll of the next slave in round-robin order. Each action drives
// its sub-FSM to completion through Dispatcher.RoundTrip, so it may send
// several datagrams before returning. It releases the master-wide mutex
// before driving any multi-datagram
// sub-FSM, since the only long holder the application thread must never
// wait behind is this worker, and it must release between submissions
// (spec §5 "the worker... releases between datagram submissions").
func (m *Master) stepIdleFSM() {
	m.mu.Lock()
	var job *request.Job
	if len(m.jobs) > 0 {
		job = m.jobs[0]
		m.jobs = m.jobs[1:]
	}
	doDC := false
	if job == nil && m.dcActive {
		m.dcTurn = !m.dcTurn
		doDC = m.dcTurn
	}
	var s *slave.Slave
	if job == nil && !doDC && len(m.slaves) > 0 {
		m.rrIndex = (m.rrIndex + 1) % len(m.slaves)
		s = m.slaves[m.rrIndex]
	}
	slaves := m.slaves
	m.mu.Unlock()

	if job != nil {
		m.runJob(job)
		return
	}
	if doDC {
		if err := slaveconfig.SyncReferenceClock(m.disp, slaves); err != nil {
			m.logger.Debug("DC reference clock sync failed", "err", err)
		}
		return
	}
	if s == nil || s.InError() {
		return
	}
	alFSM := al.New(m.disp, s.StationAddress)
	state, err := alFSM.CurrentState()
	if err != nil {
		return
	}
	s.SetALState(state)

	if s.HasProtocol(slave.ProtoCoE) {
		m.mu.Lock()
		mbx, ok := m.mailboxes[s.StationAddress]
		m.mu.Unlock()
		if ok {
			scanner := scan.New(m.disp, m.logger)
			if err := scanner.FetchDictionaryIfIdle(s, s.TimeInPreop(), mbx); err != nil {
				m.logger.Debug("SDO dictionary fetch failed", "station", s.StationAddress, "err", err)
			}
		}
	}
}

// runJob services one pending request job against its target slave (spec
// §4.9/§4.11).
func (m *Master) runJob(job *request.Job) {
	job.MarkBusy()

	switch job.Kind {
	case request.KindSDOUpload, request.KindSDODownload:
		m.runCoEJob(job)
	case request.KindFoERead, request.KindFoEWrite:
		m.runFoEJob(job)
	case request.KindRegisterRead, request.KindRegisterWrite:
		m.runRegisterJob(job)
	case request.KindSIIRead, request.KindSIIWrite:
		m.runSIIJob(job)
	default:
		job.Complete(nil, errUnsupportedJobKind)
	}
}

func (m *Master) runCoEJob(job *request.Job) {
	m.mu.Lock()
	mbx, ok := m.mailboxes[job.Station]
	m.mu.Unlock()
	if !ok {
		job.Complete(nil, errNoMailbox)
		return
	}
	client := coe.New(m.disp, mbx)
	switch job.Kind {
	case request.KindSDOUpload:
		data, err := client.Upload(job.Index, job.Subindex)
		job.Complete(data, err)
	case request.KindSDODownload:
		err := client.Download(job.Index, job.Subindex, job.Data)
		job.Complete(nil, err)
	}
}

// runFoEJob services a file-transfer job, reusing the slave's standard
// mailbox offsets the scan FSM recorded for CoE (FoE shares the same
// mailbox SMs; only the mailbox type byte differs) (spec §4.8/§4.11).
func (m *Master) runFoEJob(job *request.Job) {
	s := m.slaveByStation(job.Station)
	if s == nil {
		job.Complete(nil, errNoMailbox)
		return
	}
	mbx := foe.Mailbox{
		Station:  s.StationAddress,
		RxOffset: s.Mailbox.StdRxOffset,
		RxSize:   s.Mailbox.StdRxSize,
		TxOffset: s.Mailbox.StdTxOffset,
		TxSize:   s.Mailbox.StdTxSize,
		TxSM:     1,
	}
	client := foe.New(m.disp, mbx)
	switch job.Kind {
	case request.KindFoERead:
		data, err := client.Read(job.Filename, 0)
		job.Complete(data, err)
	case request.KindFoEWrite:
		err := client.Write(job.Filename, 0, job.Data)
		job.Complete(nil, err)
	}
}

// runRegisterJob services a raw ESC register access addressed by station
// (spec §4.11 "register read/write request"). job.Index carries the
// register address; reads default to 2 bytes unless job.Data specifies a
// wider width to read back into.
func (m *Master) runRegisterJob(job *request.Job) {
	switch job.Kind {
	case request.KindRegisterRead:
		size := 2
		if len(job.Data) > 0 {
			size = len(job.Data)
		}
		d := ethercat.NewDatagram(ethercat.CmdFPRD, ethercat.PhysicalAddress(job.Station, job.Index), size)
		if err := m.disp.RoundTrip(d, 10*time.Millisecond); err != nil {
			job.Complete(nil, err)
			return
		}
		if d.WKC == 0 {
			job.Complete(nil, errors.New("master: register read WKC=0"))
			return
		}
		job.Complete(append([]byte(nil), d.Data...), nil)
	case request.KindRegisterWrite:
		d := ethercat.NewDatagram(ethercat.CmdFPWR, ethercat.PhysicalAddress(job.Station, job.Index), len(job.Data))
		copy(d.Data, job.Data)
		if err := m.disp.RoundTrip(d, 10*time.Millisecond); err != nil {
			job.Complete(nil, err)
			return
		}
		if d.WKC == 0 {
			job.Complete(nil, errors.New("master: register write WKC=0"))
			return
		}
		job.Complete(nil, nil)
	}
}

// runSIIJob services an EEPROM word access addressed by station, using
// configured (FPRD/FPWR) SII addressing since the slave has already been
// assigned a station address by the time jobs are serviced (spec §4.11
// "SII write request").
func (m *Master) runSIIJob(job *request.Job) {
	client := sii.New(m.disp, sii.Configured, job.Station)
	switch job.Kind {
	case request.KindSIIRead:
		word, err := client.ReadWord(job.Index)
		job.Complete(word, err)
	case request.KindSIIWrite:
		if len(job.Data) < 2 {
			job.Complete(nil, errors.New("master: SII write requires a 2-byte value"))
			return
		}
		value := binary.LittleEndian.Uint16(job.Data)
		err := client.WriteWord(job.Index, value)
		job.Complete(nil, err)
	}
}

func (m *Master) slaveByStation(station uint16) *slave.Slave {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slaves {
		if s.StationAddress == station {
			return s
		}
	}
	return nil
}

// SubmitJob appends a user request job to the master-wide pending queue
// (spec §4.9/§4.11). The idle-thread FSM takes jobs from it oldest first,
// one per Send call, whatever slave they target; there are no per-slave
// queues and no round-robin between slaves' jobs.
func (m *Master) SubmitJob(job *request.Job) {
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	job.Submit()
}

// Deactivate stops issuing new domain datagrams; borrows returned by
// domains remain valid until the Master itself is discarded (spec §3
// Ownership).
func (m *Master) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activated = false
}
