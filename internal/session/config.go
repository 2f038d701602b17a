package session

import (
	"time"

	"github.com/framepipe/ingest/internal/codec"
	"github.com/framepipe/ingest/internal/dispatcher"
	"github.com/framepipe/ingest/internal/inference"
	"github.com/framepipe/ingest/internal/reassembler"
)

// Config composes a Controller for one Variant. Every nested *Config follows
// the same applyDefaults() pattern as its package, so a caller only needs to
// set the fields it cares about.
type Config struct {
	Variant Variant

	// ListenAddr overrides the host part of the bind address; the port is
	// always Variant.Port(). Empty means bind on all interfaces.
	ListenAddr string

	Reassembler reassembler.Config
	Dispatcher  dispatcher.Config
	Codec       codec.Config
	Inference   inference.Config

	// ReasmFrameBuf, DispatchOutBuf, CodecOutBuf size the internal
	// channels strung between pipeline stages.
	ReasmFrameBuf  int
	DispatchOutBuf int
	CodecOutBuf    int

	// TCPScanBufferSize is forwarded to reassembler.NewTCP; zero uses its
	// own default.
	TCPScanBufferSize int

	// ResetPollInterval paces the "wait for protocol_closed" step of the
	// RESET sequence (spec.md §4.8).
	ResetPollInterval time.Duration
	// ResetTimeout bounds the whole RESET sequence.
	ResetTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReasmFrameBuf == 0 {
		c.ReasmFrameBuf = 64
	}
	if c.DispatchOutBuf == 0 {
		c.DispatchOutBuf = 64
	}
	if c.CodecOutBuf == 0 {
		c.CodecOutBuf = 64
	}
	if c.ResetPollInterval == 0 {
		c.ResetPollInterval = 10 * time.Millisecond
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 2 * time.Second
	}
}
