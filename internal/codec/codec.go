// Package codec implements the framing, keyframe detection, pts/timebase
// packing, and worker-pool dispatch contract of spec.md §4.5. The actual
// H.264 bitstream handling is out of scope; NALCodec is the seam a real
// libav binding would occupy, and ReferenceCodec is a pure-Go stand-in that
// keeps the pipeline exercisable end-to-end without cgo.
package codec

import (
	"fmt"
	"sync"

	"github.com/framepipe/ingest/internal/errors"
)

// Config mirrors the encoder parameters of spec.md §4.5: 640x480, ~2Mbit/s,
// 30fps, fixed GOP, no B-frames (the reference codec has no B-frames by
// construction, having no inter-frame prediction at all).
type Config struct {
	Width       int
	Height      int
	BitrateKbps int
	FPS         int
	GOPSize     int
	Workers     int
}

func (c *Config) applyDefaults() {
	if c.Width == 0 {
		c.Width = 640
	}
	if c.Height == 0 {
		c.Height = 480
	}
	if c.BitrateKbps == 0 {
		c.BitrateKbps = 2000
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.GOPSize == 0 {
		c.GOPSize = 240
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
}

// NALCodec is the decode/encode contract a hardware or software H.264
// codec must satisfy. Hardware acceleration is tried first by the caller
// (session wiring), with a software NALCodec as fallback on initialization
// failure, per spec.md §4.5.
type NALCodec interface {
	// Decode consumes one NAL unit and its presentation timestamp and
	// returns the decoded raw BGR frame. produced is false when the codec
	// buffers input internally and has not yet emitted a frame.
	Decode(nal []byte, isKeyframe bool, ptsUs int64) (bgr []byte, produced bool, err error)
	// Encode consumes a raw BGR frame and returns encoded NAL bytes plus
	// whether the codec marked this packet a keyframe.
	Encode(bgr []byte, ptsUs int64, forceKeyframe bool) (nal []byte, isKeyframe bool, err error)
}

// ReferenceCodec is a palette-free passthrough codec: "decode" and "encode"
// are both identity copies of the pixel buffer, with a synthetic keyframe
// cadence on encode. It exists so the pipeline's framing, pacing, and
// worker-pool contracts are testable without a real H.264 implementation.
type ReferenceCodec struct {
	cfg Config

	mu      sync.Mutex
	counter int64
}

// NewReferenceCodec constructs a ReferenceCodec bound to cfg's frame shape
// and GOP size.
func NewReferenceCodec(cfg Config) *ReferenceCodec {
	cfg.applyDefaults()
	return &ReferenceCodec{cfg: cfg}
}

func (c *ReferenceCodec) frameSize() int { return c.cfg.Width * c.cfg.Height * 3 }

func (c *ReferenceCodec) Decode(nal []byte, isKeyframe bool, ptsUs int64) ([]byte, bool, error) {
	if len(nal) != c.frameSize() {
		return nil, false, errors.NewCodecError("reference_codec.decode", fmt.Errorf("unexpected payload size %d, want %d", len(nal), c.frameSize()))
	}
	bgr := make([]byte, len(nal))
	copy(bgr, nal)
	return bgr, true, nil
}

func (c *ReferenceCodec) Encode(bgr []byte, ptsUs int64, forceKeyframe bool) ([]byte, bool, error) {
	if len(bgr) != c.frameSize() {
		return nil, false, errors.NewCodecError("reference_codec.encode", fmt.Errorf("unexpected payload size %d, want %d", len(bgr), c.frameSize()))
	}
	c.mu.Lock()
	n := c.counter
	c.counter++
	c.mu.Unlock()

	isKeyframe := forceKeyframe || n%int64(c.cfg.GOPSize) == 0
	nal := make([]byte, len(bgr))
	copy(nal, bgr)
	return nal, isKeyframe, nil
}
