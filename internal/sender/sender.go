// Package sender implements the producer-side reliable chunk sender of
// spec.md §4.2 (L2): a selective-repeat ARQ sender with a bounded window, a
// lazily-deleted retransmission timer heap, and periodic heap compaction.
package sender

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/framepipe/ingest/internal/logger"
)

// Transmitter sends one already-framed packet (header + payload, per
// internal/wire) on the underlying socket. It is implemented by the UDP or
// TCP producer transport.
type Transmitter interface {
	Transmit(packet []byte) error
}

// Key identifies one outstanding chunk. ChunkIndex is unused (always 0) on
// the TCP variant, where a whole frame is one unit.
type Key struct {
	FrameID    uint32
	ChunkIndex uint8
}

// Config holds the ARQ tuning parameters of spec.md §4.2.
type Config struct {
	WindowSize       int
	TimeoutMs        int64
	WindowTick       time.Duration
	RetransmitTick   time.Duration
	CompactionPeriod time.Duration
}

// applyDefaults fills zero fields with the parameters named in spec.md §4.2.
func (c *Config) applyDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = 30
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 100
	}
	if c.WindowTick == 0 {
		c.WindowTick = 15 * time.Millisecond
	}
	if c.RetransmitTick == 0 {
		c.RetransmitTick = 10 * time.Millisecond
	}
	if c.CompactionPeriod == 0 {
		c.CompactionPeriod = 30 * time.Second
	}
}

type pendingEntry struct {
	packet     []byte
	lastSendMs int64
	gen        int64
}

type timerItem struct {
	deadlineMs int64
	key        Key
	gen        int64
	index      int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadlineMs < h[j].deadlineMs }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	it := x.(*timerItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type queuedPacket struct {
	key    Key
	packet []byte
}

// Sender runs the window filler, retransmitter, and heap compaction tasks
// for one producer-side transport instance.
type Sender struct {
	cfg Config
	tx  Transmitter
	log *slog.Logger

	mu      sync.Mutex
	queue   []queuedPacket
	pending map[Key]*pendingEntry
	timers  timerHeap

	wg sync.WaitGroup
}

// New constructs a Sender bound to tx. Run must be called to start its
// cooperative tasks.
func New(tx Transmitter, cfg Config) *Sender {
	cfg.applyDefaults()
	return &Sender{
		cfg:     cfg,
		tx:      tx,
		log:     logger.Logger().With("component", "sender"),
		pending: make(map[Key]*pendingEntry),
	}
}

// Enqueue appends a ready-to-send chunk packet to the send queue. It never
// blocks (spec.md §4.2 "enqueue ... is non-blocking").
func (s *Sender) Enqueue(key Key, packet []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, queuedPacket{key: key, packet: packet})
	s.mu.Unlock()
}

// PendingLen reports the current window occupancy, used by tests asserting
// invariant 4 of spec.md §8 ("pending size ... <= WINDOW_SIZE at all times").
func (s *Sender) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OnAck removes the pending entry for key, if any. A second ACK for the same
// key is a no-op, matching spec.md §8 invariant 7.
func (s *Sender) OnAck(key Key) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// Run starts the window filler, retransmitter, and compaction tasks and
// blocks until ctx is cancelled, at which point all three exit.
func (s *Sender) Run(ctx context.Context) {
	s.wg.Add(3)
	go s.windowFillerLoop(ctx)
	go s.retransmitterLoop(ctx)
	go s.compactionLoop(ctx)
	s.wg.Wait()
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (s *Sender) windowFillerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.WindowTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fillWindow()
		}
	}
}

func (s *Sender) fillWindow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) < s.cfg.WindowSize && len(s.queue) > 0 {
		qp := s.queue[0]
		s.queue = s.queue[1:]
		if err := s.tx.Transmit(qp.packet); err != nil {
			s.log.Warn("transmit failed", "frame_id", qp.key.FrameID, "chunk_index", qp.key.ChunkIndex, "error", err)
			continue
		}
		entry := &pendingEntry{packet: qp.packet, lastSendMs: nowMs(), gen: 1}
		s.pending[qp.key] = entry
		heap.Push(&s.timers, &timerItem{
			deadlineMs: entry.lastSendMs + s.cfg.TimeoutMs,
			key:        qp.key,
			gen:        entry.gen,
		})
	}
}

func (s *Sender) retransmitterLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RetransmitTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retransmitDue()
		}
	}
}

func (s *Sender) retransmitDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowMs()
	for s.timers.Len() > 0 && s.timers[0].deadlineMs <= now {
		item := heap.Pop(&s.timers).(*timerItem)
		entry, ok := s.pending[item.key]
		if !ok || entry.gen != item.gen {
			continue // stale heap entry: already ACKed or already rescheduled
		}
		if err := s.tx.Transmit(entry.packet); err != nil {
			s.log.Warn("retransmit failed", "frame_id", item.key.FrameID, "chunk_index", item.key.ChunkIndex, "error", err)
		}
		entry.lastSendMs = now
		entry.gen++
		heap.Push(&s.timers, &timerItem{
			deadlineMs: now + s.cfg.TimeoutMs,
			key:        item.key,
			gen:        entry.gen,
		})
	}
}

func (s *Sender) compactionLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CompactionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.compact()
		}
	}
}

// compact rebuilds the timer heap from scratch using only entries still in
// pending, discarding accumulated stale entries (spec.md §4.2, §9 "Timer
// heap correctness").
func (s *Sender) compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(timerHeap, 0, len(s.pending))
	for key, entry := range s.pending {
		fresh = append(fresh, &timerItem{
			deadlineMs: entry.lastSendMs + s.cfg.TimeoutMs,
			key:        key,
			gen:        entry.gen,
		})
	}
	heap.Init(&fresh)
	s.timers = fresh
}

// StaleRatio reports heap_len/max(1,pending_len), a proxy metric for when
// compaction is earning its keep.
func (s *Sender) StaleRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pendingLen := len(s.pending)
	if pendingLen == 0 {
		return 0
	}
	return float64(s.timers.Len()) / float64(pendingLen)
}
