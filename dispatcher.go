package ethercat

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultDatagramTimeout is the default per-datagram budget before a
// QUEUED/SENT datagram is marked TIMED_OUT (spec §4.2, millisecond scale).
const DefaultDatagramTimeout = 5 * time.Millisecond

// Stats accumulated by the dispatcher across its lifetime (spec §7,
// "frame-scoped errors accumulate in a master-wide statistics block").
type DispatcherStats struct {
	Corrupted uint64
	Unmatched uint64
	TimedOut  uint64
}

// Dispatcher is the master-wide queue of outstanding datagrams: it packs as
// many as fit into each frame, assigns rolling indices, and demultiplexes
// received frames back to the queued datagram they answer (spec §4.2/C4).
//
// Grounded on canopen.BusManager's subscriber table, generalized from
// "route by CAN ID to a registered listener" to "route by (cmd, index,
// length) back to the one SENT datagram that requested it" — EtherCAT has
// no persistent per-address listeners, only one-shot in-flight datagrams.
type Dispatcher struct {
	mu      sync.Mutex
	logger  *slog.Logger
	device  *Device
	queue   []*Datagram
	nextIdx uint8
	timeout time.Duration
	stats   DispatcherStats
}

func NewDispatcher(device *Device, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		device:  device,
		logger:  logger.With("service", "dispatcher"),
		timeout: DefaultDatagramTimeout,
	}
}

func (disp *Dispatcher) SetTimeout(d time.Duration) {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	disp.timeout = d
}

// Enqueue appends the datagram to the queue, idempotently: a datagram
// already QUEUED or SENT is left untouched (spec §4.2).
func (disp *Dispatcher) Enqueue(d *Datagram) {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if d.Queued() {
		return
	}
	d.State = StateQueued
	d.WKC = 0
	d.QueueTime = time.Now()
	disp.queue = append(disp.queue, d)
}

// SendQueued packs as many QUEUED datagrams as fit into successive frames
// and transmits them, assigning each a fresh rolling 8-bit index. Returns
// the number of frames emitted.
func (disp *Dispatcher) SendQueued() (int, error) {
	disp.mu.Lock()
	pending := make([]*Datagram, 0, len(disp.queue))
	for _, d := range disp.queue {
		if d.State == StateQueued {
			pending = append(pending, d)
		}
	}
	disp.mu.Unlock()

	if disp.device == nil {
		return 0, ErrNoBus
	}

	frames := 0
	for len(pending) > 0 {
		batch, rest := disp.packBatch(pending)
		if len(batch) == 0 {
			// A single datagram exceeds one frame; EncodeFrame will fail
			// for it specifically, surface and drop it from the queue.
			disp.failDatagram(pending[0], StateError)
			pending = pending[1:]
			continue
		}
		pending = rest

		now := time.Now()
		disp.mu.Lock()
		for _, d := range batch {
			d.Index = disp.nextIdx
			disp.nextIdx++
			d.State = StateSent
			d.TxTime = now
		}
		disp.mu.Unlock()

		body, err := EncodeFrame(batch)
		if err != nil {
			return frames, err
		}
		if err := disp.device.SendFrame(body); err != nil {
			return frames, err
		}
		frames++
	}
	return frames, nil
}

// packBatch greedily takes a prefix of pending that fits in one frame.
func (disp *Dispatcher) packBatch(pending []*Datagram) (batch, rest []*Datagram) {
	size := 2 // frame header
	for i, d := range pending {
		next := size + datagramHeaderSize + len(d.Data) + wkcFooterSize
		if next > 1500 && i == 0 {
			// Doesn't fit even alone: caller handles as an error case.
			return nil, pending[1:]
		}
		if next > 1500 {
			return pending[:i], pending[i:]
		}
		size = next
	}
	return pending, nil
}

func (disp *Dispatcher) failDatagram(d *Datagram, state State) {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	d.State = state
	disp.removeLocked(d)
}

// OnFrameReceived parses a raw EtherCAT frame body and matches each
// contained datagram back to the single SENT datagram with the same
// (cmd, index, payload length). Unmatched or malformed content increments
// the corruption/unmatched counters but is never fatal (spec §4.2/§7).
func (disp *Dispatcher) OnFrameReceived(body []byte) error {
	received, err := DecodeFrame(body)
	if err != nil {
		disp.mu.Lock()
		disp.stats.Corrupted++
		disp.mu.Unlock()
		return err
	}

	now := time.Now()
	disp.mu.Lock()
	defer disp.mu.Unlock()
	for _, rd := range received {
		d := disp.findSentLocked(rd)
		if d == nil {
			disp.stats.Unmatched++
			continue
		}
		if d.Origin == OriginExternal {
			copy(d.Data, rd.Data)
		} else {
			d.Data = rd.Data
		}
		d.WKC = rd.WKC
		d.RxTime = now
		d.State = StateReceived
		disp.removeLocked(d)
	}
	return nil
}

func (disp *Dispatcher) findSentLocked(rd ReceivedDatagram) *Datagram {
	for _, d := range disp.queue {
		if d.State == StateSent && d.Command == rd.Command && d.Index == rd.Index && len(d.Data) == len(rd.Data) {
			return d
		}
	}
	return nil
}

// Tick sweeps the queue for QUEUED/SENT datagrams older than the configured
// timeout and marks them TIMED_OUT, guaranteeing the application thread
// never blocks waiting on a stale one (spec §4.2/§5/§9). A datagram can go
// stale in either state: SENT if no reply ever matched it, QUEUED if it was
// never picked up by SendQueued (a send error ended SendQueued early, or no
// device is attached).
func (disp *Dispatcher) Tick() int {
	disp.mu.Lock()
	defer disp.mu.Unlock()

	now := time.Now()
	timedOut := 0
	remaining := disp.queue[:0]
	for _, d := range disp.queue {
		var stale bool
		switch d.State {
		case StateSent:
			stale = !d.TxTime.IsZero() && now.Sub(d.TxTime) > disp.timeout
		case StateQueued:
			stale = !d.QueueTime.IsZero() && now.Sub(d.QueueTime) > disp.timeout
		}
		if stale {
			d.State = StateTimedOut
			disp.stats.TimedOut++
			timedOut++
			continue
		}
		remaining = append(remaining, d)
	}
	disp.queue = remaining
	return timedOut
}

func (disp *Dispatcher) removeLocked(d *Datagram) {
	for i, q := range disp.queue {
		if q == d {
			disp.queue = append(disp.queue[:i], disp.queue[i+1:]...)
			return
		}
	}
}

func (disp *Dispatcher) Stats() DispatcherStats {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	return disp.stats
}

// RoundTrip enqueues a single datagram, drives send/receive until it
// reaches a terminal state or the budget expires, and returns the
// datagram's terminal error (nil on RECEIVED). It exists for the
// configuration-time sub-FSMs (SII, AL-state, CoE, FoE, scan) which run on
// the master-internal worker, not the real-time application thread, and so
// may block a goroutine while making progress one frame at a time (spec
// §5, "idle thread" vs. application thread; §9 design notes).
func (disp *Dispatcher) RoundTrip(d *Datagram, budget time.Duration) error {
	disp.Enqueue(d)
	deadline := time.Now().Add(budget)
	for {
		if _, err := disp.SendQueued(); err != nil {
			return err
		}
		for {
			body, err := disp.device.ReceiveFrame()
			if err != nil {
				break
			}
			if body == nil {
				break
			}
			_ = disp.OnFrameReceived(body)
		}
		switch d.State {
		case StateReceived:
			return nil
		case StateError:
			return ErrIllegalArgument
		}
		if time.Now().After(deadline) {
			disp.failDatagram(d, StateTimedOut)
			return ErrDatagramNotQueue
		}
		disp.Tick()
		time.Sleep(200 * time.Microsecond)
	}
}

func (disp *Dispatcher) QueueLen() int {
	disp.mu.Lock()
	defer disp.mu.Unlock()
	return len(disp.queue)
}
