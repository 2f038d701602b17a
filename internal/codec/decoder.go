package codec

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/framepipe/ingest/internal/frame"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
)

// Decoder turns encoder-framed H.264 input (frame.FormatH264, payload
// packed per PackH264) into raw BGR frames (frame.FormatBGR), offloading
// the blocking codec call to a bounded worker pool so the caller's loop is
// never stalled, per spec.md §5 "every blocking codec call... must be
// dispatched to the worker pool".
type Decoder struct {
	codec   NALCodec
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Registry

	in  <-chan frame.Frame
	out chan frame.Frame
}

// NewDecoder constructs a Decoder reading H264 frames from in.
func NewDecoder(c NALCodec, in <-chan frame.Frame, cfg Config, m *metrics.Registry, outBuf int) *Decoder {
	cfg.applyDefaults()
	return &Decoder{
		codec:   c,
		cfg:     cfg,
		log:     logger.Logger().With("component", "decoder"),
		metrics: m,
		in:      in,
		out:     make(chan frame.Frame, outBuf),
	}
}

// Output returns the decoded BGR frame channel.
func (d *Decoder) Output() <-chan frame.Frame { return d.out }

// Run starts cfg.Workers decode workers and blocks until ctx is cancelled
// or the input channel closes and drains.
func (d *Decoder) Run(ctx context.Context) error {
	defer close(d.out)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error { return d.worker(ctx) })
	}
	return g.Wait()
}

func (d *Decoder) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-d.in:
			if !ok {
				return nil
			}
			out, produced, err := d.decodeOne(in)
			if err != nil {
				d.log.Warn("decode error", "frame_id", in.ID, "error", err)
				if d.metrics != nil {
					d.metrics.CodecErrors.WithLabelValues("decode").Inc()
				}
				continue
			}
			if !produced {
				continue
			}
			select {
			case d.out <- out:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (d *Decoder) decodeOne(in frame.Frame) (frame.Frame, bool, error) {
	ptsUs, isKeyframe, nal, err := UnpackH264(in.Payload)
	if err != nil {
		return frame.Frame{}, false, err
	}
	bgr, produced, err := d.codec.Decode(nal, isKeyframe, ptsUs)
	if err != nil {
		return frame.Frame{}, false, err
	}
	if !produced {
		return frame.Frame{}, false, nil
	}
	return frame.Frame{
		ID:          in.ID,
		CaptureTSMs: in.CaptureTSMs,
		Format:      frame.FormatBGR,
		Payload:     bgr,
		IsKeyframe:  isKeyframe,
		PTSMicros:   ptsUs,
	}, true, nil
}
