package reassembler

import (
	"hash/crc32"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/framepipe/ingest/internal/errors"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
	"github.com/framepipe/ingest/internal/wire"
)

// Config tunes the reassembler. ReassemblyTimeout and DropOnChecksumMismatch
// correspond directly to spec.md §5/§9 and the open question on CRC policy.
type Config struct {
	ReassemblyTimeout      time.Duration
	DropOnChecksumMismatch bool
}

func (c *Config) applyDefaults() {
	if c.ReassemblyTimeout == 0 {
		c.ReassemblyTimeout = 500 * time.Millisecond
	}
}

// AssembledFrame is the (frame_id, payload) pair handed to the ordered
// dispatcher once a frame's chunks are all present.
type AssembledFrame struct {
	FrameID uint32
	Payload []byte
}

// AckWriter emits a UDP ACK to the chunk's source address.
type AckWriter interface {
	WriteAckTo(addr *net.UDPAddr, ack []byte) error
}

// UDPReassembler implements spec.md §4.3 over the chunked-UDP transport.
// One receive loop drives HandleDatagram; a mutex guards the reassembly
// entries, so the timeout sweep and Reset may run from other goroutines.
type UDPReassembler struct {
	cfg     Config
	ack     AckWriter
	log     *slog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	entries map[uint32]*entry
	frames  chan AssembledFrame
}

// NewUDP constructs a UDPReassembler. frameBuf sizes the output channel's
// buffer.
func NewUDP(ack AckWriter, cfg Config, m *metrics.Registry, frameBuf int) *UDPReassembler {
	cfg.applyDefaults()
	return &UDPReassembler{
		cfg:     cfg,
		ack:     ack,
		log:     logger.Logger().With("component", "udp_reassembler"),
		metrics: m,
		entries: make(map[uint32]*entry),
		frames:  make(chan AssembledFrame, frameBuf),
	}
}

// Frames returns the channel of completed frames in arrival (not
// frame-id-ordered) order; the caller wires this into the ordered
// dispatcher.
func (r *UDPReassembler) Frames() <-chan AssembledFrame { return r.frames }

// HandleDatagram processes one raw UDP datagram from addr. Errors returned
// are for logging/metrics only; the caller never needs to act on them since
// every failure mode here is "drop and continue" per spec.md §7.
func (r *UDPReassembler) HandleDatagram(addr *net.UDPAddr, raw []byte) error {
	r.sweep(time.Now())

	chunk, err := wire.DecodeUDPChunk(raw)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ChunksDropped.WithLabelValues("malformed").Inc()
		}
		r.log.Warn("dropping malformed datagram", "error", err, "peer", addr.String())
		return errors.NewReassemblyError("udp.decode", err)
	}

	if crc32.ChecksumIEEE(chunk.Payload) != chunk.CRC32 {
		if r.metrics != nil {
			r.metrics.ChunksDropped.WithLabelValues("crc_mismatch").Inc()
		}
		r.log.Warn("checksum mismatch", "frame_id", chunk.FrameID, "chunk_index", chunk.ChunkIndex)
		if r.cfg.DropOnChecksumMismatch {
			return errors.NewReassemblyError("udp.crc", nil)
		}
		// fall through: deliver with warning, per spec.md §4.3 step 3 / §9 open question
	}

	if err := r.sendAck(addr, chunk.FrameID, chunk.ChunkIndex); err != nil {
		r.log.Warn("ack write failed", "error", err, "peer", addr.String())
	}

	r.mu.Lock()
	e, ok := r.entries[chunk.FrameID]
	if !ok {
		e = newEntry(chunk.TotalChunks, time.Now())
		r.entries[chunk.FrameID] = e
	}
	dup, complete := e.insert(chunk.ChunkIndex, chunk.Payload)
	if dup {
		r.mu.Unlock()
		return nil
	}
	if !complete {
		r.mu.Unlock()
		return nil
	}
	payload := e.assemble()
	delete(r.entries, chunk.FrameID)
	r.mu.Unlock()

	r.frames <- AssembledFrame{FrameID: chunk.FrameID, Payload: payload}
	return nil
}

func (r *UDPReassembler) sendAck(addr *net.UDPAddr, frameID uint32, chunkIndex uint8) error {
	if r.metrics != nil {
		r.metrics.AcksSent.WithLabelValues("udp").Inc()
	}
	return r.ack.WriteAckTo(addr, wire.EncodeUDPAck(frameID, chunkIndex))
}

// sweep evicts reassembly entries that have exceeded ReassemblyTimeout, per
// spec.md §4.3 step 7 (run before processing each datagram) and §3's
// eviction invariant.
func (r *UDPReassembler) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.expired(r.cfg.ReassemblyTimeout, now) {
			delete(r.entries, id)
			if r.metrics != nil {
				r.metrics.ReassemblyTimeouts.Inc()
			}
			r.log.Warn("reassembly entry evicted on timeout", "frame_id", id)
		}
	}
}

// Reset clears all in-flight reassembly state, used by the session
// controller's RESET sequence (spec.md §4.8).
func (r *UDPReassembler) Reset() {
	r.mu.Lock()
	r.entries = make(map[uint32]*entry)
	r.mu.Unlock()
}
