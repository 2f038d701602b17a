// Package dispatcher implements the ordered dispatcher of spec.md §4.4 (L4):
// it takes unordered (frame_id, payload) pairs and emits a strictly
// increasing frame_id stream, subject to a bounded wait for missing frames.
package dispatcher

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/framepipe/ingest/internal/frame"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
)

// Input is one unordered (frame_id, payload) pair arriving from a
// reassembler.
type Input struct {
	FrameID frame.ID
	Payload []byte
}

// Output is one strictly-ordered delivery.
type Output struct {
	FrameID frame.ID
	Payload []byte
}

// Config tunes the bounded-wait algorithm of spec.md §4.4/§5.
type Config struct {
	Timeout time.Duration
	Poll    time.Duration
	Idle    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 400 * time.Millisecond
	}
	if c.Poll == 0 {
		c.Poll = 30 * time.Millisecond
	}
	if c.Idle == 0 {
		c.Idle = 2 * time.Millisecond
	}
}

type heapItem struct {
	id      frame.ID
	payload []byte
}

type frameHeap []heapItem

func (h frameHeap) Len() int            { return len(h) }
func (h frameHeap) Less(i, j int) bool  { return frame.Less(h[i].id, h[j].id) }
func (h frameHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *frameHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Dispatcher reorders input into a strictly increasing frame_id stream.
type Dispatcher struct {
	cfg     Config
	in      <-chan Input
	out     chan Output
	log     *slog.Logger
	metrics *metrics.Registry

	mu          sync.Mutex
	buf         frameHeap
	receivedSet map[frame.ID]struct{}
	expected    frame.ID
	firstSet    bool
	resetCh     chan resetRequest
}

type resetRequest struct{ ack chan struct{} }

// New constructs a Dispatcher reading from in and writing to an internally
// buffered output channel.
func New(in <-chan Input, cfg Config, m *metrics.Registry, outBuf int) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:         cfg,
		in:          in,
		out:         make(chan Output, outBuf),
		log:         logger.Logger().With("component", "dispatcher"),
		metrics:     m,
		receivedSet: make(map[frame.ID]struct{}),
		resetCh:     make(chan resetRequest, 1),
	}
}

// Output returns the ordered delivery channel.
func (d *Dispatcher) Output() <-chan Output { return d.out }

// Reset arms dispatch_reset (spec.md §4.4 "Reset", §4.8 RESET sequence):
// the buffer, received set, and expected-id state are all cleared and
// first-frame detection is rearmed. The returned channel closes once the
// reset has actually been applied by the run loop, so a caller implementing
// the session controller's RESET sequence ("trigger dispatch_reset, wait
// for it to clear") can block on it.
func (d *Dispatcher) Reset() <-chan struct{} {
	ack := make(chan struct{})
	select {
	case d.resetCh <- resetRequest{ack: ack}:
	default:
		// A reset is already pending; it will clear the same state this
		// request would have, so treat it as already satisfied.
		close(ack)
	}
	return ack
}

func (d *Dispatcher) applyReset() {
	d.mu.Lock()
	d.buf = nil
	d.receivedSet = make(map[frame.ID]struct{})
	d.firstSet = false
	d.mu.Unlock()
}

// Run drains d.in into the heap and emits ordered output until stop is
// closed. It is intended to run on its own goroutine.
func (d *Dispatcher) Run(stop <-chan struct{}) {
	defer close(d.out)
	ticker := time.NewTicker(d.cfg.Idle)
	defer ticker.Stop()

	var waitDeadline time.Time
	waiting := false

	for {
		select {
		case <-stop:
			return
		case req := <-d.resetCh:
			d.applyReset()
			close(req.ack)
			waiting = false
			continue
		default:
		}

		d.drainInput()

		d.mu.Lock()
		if !d.firstSet {
			d.mu.Unlock()
			d.waitTick(stop)
			continue
		}
		d.dropLateLate()

		if d.buf.Len() > 0 && frame.Compare(d.buf[0].id, d.expected) == 0 {
			d.deliverReady()
			waiting = false
			d.mu.Unlock()
			continue
		}
		d.mu.Unlock()

		if !waiting {
			waiting = true
			waitDeadline = time.Now().Add(d.cfg.Timeout)
		}
		if time.Now().After(waitDeadline) {
			d.skipForward()
			waiting = false
		}

		d.waitTick(stop)
	}
}

func (d *Dispatcher) waitTick(stop <-chan struct{}) {
	select {
	case <-stop:
	case <-time.After(d.cfg.Poll):
	}
}

func (d *Dispatcher) drainInput() {
	for {
		select {
		case in, ok := <-d.in:
			if !ok {
				return
			}
			d.ingest(in)
		default:
			return
		}
	}
}

func (d *Dispatcher) ingest(in Input) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.firstSet {
		d.expected = in.FrameID
		d.firstSet = true
	}
	if _, dup := d.receivedSet[in.FrameID]; dup {
		return
	}
	d.receivedSet[in.FrameID] = struct{}{}
	heap.Push(&d.buf, heapItem{id: in.FrameID, payload: in.Payload})
}

// dropLateLate discards heap entries older than expected ("late-late
// frames", spec.md §4.4 step 3). Caller holds d.mu.
func (d *Dispatcher) dropLateLate() {
	for d.buf.Len() > 0 && frame.Less(d.buf[0].id, d.expected) {
		it := heap.Pop(&d.buf).(heapItem)
		delete(d.receivedSet, it.id)
	}
}

// deliverReady pops and emits every buffered entry equal to expected,
// advancing expected by one. Caller holds d.mu.
func (d *Dispatcher) deliverReady() {
	for d.buf.Len() > 0 && frame.Compare(d.buf[0].id, d.expected) == 0 {
		it := heap.Pop(&d.buf).(heapItem)
		delete(d.receivedSet, it.id)
		d.out <- Output{FrameID: it.id, Payload: it.payload}
		if d.metrics != nil {
			d.metrics.DispatcherDelivers.Inc()
		}
		d.expected = d.expected.Next()
	}
}

// skipForward advances expected to the minimum buffered id when the wait
// times out, per spec.md §4.4 step 6.
func (d *Dispatcher) skipForward() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf.Len() == 0 {
		return
	}
	d.log.Warn("dispatcher skip forward", "expected", d.expected, "next_available", d.buf[0].id)
	if d.metrics != nil {
		d.metrics.DispatcherSkips.Inc()
	}
	d.expected = d.buf[0].id
}
