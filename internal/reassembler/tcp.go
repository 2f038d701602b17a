package reassembler

import (
	"bytes"
	"hash/crc32"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/framepipe/ingest/internal/errors"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
	"github.com/framepipe/ingest/internal/wire"
)

// DefaultScanBufferSize is the preallocated TCP scan buffer size of spec.md
// §4.3/§9: large enough for peak frame sizes plus safety margin, not resized
// mid-stream.
const DefaultScanBufferSize = 64 * 1024 * 1024

// TCPReassembler implements spec.md §4.3's framed-TCP variant: one START..END
// delimited frame per logical unit, scanned out of a fixed preallocated
// buffer. It enforces the single-connection policy of §4.3 "Connection
// policy".
type TCPReassembler struct {
	cfg         Config
	scanBufSize int
	log         *slog.Logger
	metrics     *metrics.Registry

	mu        sync.Mutex
	hasClient bool
	conn      net.Conn

	frames chan AssembledFrame
}

// NewTCP constructs a TCPReassembler. scanBufSize <= 0 uses
// DefaultScanBufferSize.
func NewTCP(cfg Config, m *metrics.Registry, scanBufSize int, frameBuf int) *TCPReassembler {
	cfg.applyDefaults()
	if scanBufSize <= 0 {
		scanBufSize = DefaultScanBufferSize
	}
	return &TCPReassembler{
		cfg:         cfg,
		scanBufSize: scanBufSize,
		log:         logger.Logger().With("component", "tcp_reassembler"),
		metrics:     m,
		frames:      make(chan AssembledFrame, frameBuf),
	}
}

// Frames returns the channel of completed frames, already in wire-arrival
// (here: strictly in-order, per spec.md §4.4 "TCP is already in order")
// order.
func (r *TCPReassembler) Frames() <-chan AssembledFrame { return r.frames }

// Accept takes ownership of conn for the reassembler's single active
// connection slot. If a connection is already active, conn is closed
// immediately and an error is returned (spec.md §4.3 "abort the new
// connection").
func (r *TCPReassembler) Accept(conn net.Conn) error {
	r.mu.Lock()
	if r.hasClient {
		r.mu.Unlock()
		_ = conn.Close()
		return errors.NewTransportError("tcp.accept", nil)
	}
	r.hasClient = true
	r.conn = conn
	r.mu.Unlock()

	go r.serve(conn)
	return nil
}

// HasClient reports whether a connection is currently owned.
func (r *TCPReassembler) HasClient() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasClient
}

// Abort closes the active connection, if any, as the "abort the transport"
// step of the session controller's RESET sequence (spec.md §4.8). It
// returns immediately; release() (called from serve's read-loop exit)
// clears hasClient once the read loop observes the close.
func (r *TCPReassembler) Abort() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (r *TCPReassembler) release() {
	r.mu.Lock()
	r.hasClient = false
	r.conn = nil
	r.mu.Unlock()
}

func (r *TCPReassembler) serve(conn net.Conn) {
	defer conn.Close()
	defer r.release()

	buf := make([]byte, r.scanBufSize)
	writeOffset := 0
	readBuf := make([]byte, 64*1024)

	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			if writeOffset+n > len(buf) {
				r.log.Warn("tcp scan buffer overflow, discarding in-flight bytes")
				if r.metrics != nil {
					r.metrics.ChunksDropped.WithLabelValues("scan_overflow").Inc()
				}
				writeOffset = 0
			} else {
				copy(buf[writeOffset:], readBuf[:n])
				writeOffset += n
			}
			writeOffset = r.processBuffer(conn, buf, writeOffset)
		}
		if err != nil {
			if err != io.EOF {
				r.log.Warn("tcp connection read error", "error", err)
			}
			return
		}
	}
}

// processBuffer repeatedly locates START..END delimited frames in
// buf[:writeOffset], handles each, and compacts the buffer. It returns the
// new writeOffset after compaction.
func (r *TCPReassembler) processBuffer(conn net.Conn, buf []byte, writeOffset int) int {
	consumed := 0
	for {
		window := buf[consumed:writeOffset]
		startIdx := bytes.Index(window, wire.StartMarker[:])
		if startIdx < 0 {
			break
		}
		endIdx := bytes.Index(window[startIdx+len(wire.StartMarker):], wire.EndMarker[:])
		if endIdx < 0 {
			break // incomplete frame, wait for more bytes
		}
		frameEnd := startIdx + len(wire.StartMarker) + endIdx + len(wire.EndMarker)
		raw := window[startIdx:frameEnd]

		r.handleFrame(conn, raw)
		consumed += frameEnd
	}
	if consumed == 0 {
		return writeOffset
	}
	remaining := writeOffset - consumed
	copy(buf[0:remaining], buf[consumed:writeOffset])
	return remaining
}

func (r *TCPReassembler) handleFrame(conn net.Conn, raw []byte) {
	f, err := wire.DecodeTCPFrame(raw)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ChunksDropped.WithLabelValues("malformed").Inc()
		}
		r.log.Warn("dropping malformed tcp frame", "error", err)
		return
	}

	if crc32.ChecksumIEEE(f.Payload) != f.CRC32 {
		if r.metrics != nil {
			r.metrics.ChunksDropped.WithLabelValues("crc_mismatch").Inc()
		}
		r.log.Warn("checksum mismatch", "frame_id", f.FrameID)
		if r.cfg.DropOnChecksumMismatch {
			return
		}
	}

	ack := wire.EncodeTCPAck(f.FrameID)
	if _, err := conn.Write(ack); err != nil {
		r.log.Warn("tcp ack write failed", "error", err)
	} else if r.metrics != nil {
		r.metrics.AcksSent.WithLabelValues("tcp").Inc()
	}

	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	r.frames <- AssembledFrame{FrameID: f.FrameID, Payload: payload}
}
