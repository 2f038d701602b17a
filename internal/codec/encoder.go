package codec

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/framepipe/ingest/internal/frame"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
)

// Encoder turns raw BGR frames (frame.FormatBGR) into H.264-framed output
// (frame.FormatH264, payload packed per PackH264), paced to cfg.FPS by a
// token-bucket governor so a burst of raw frames cannot exceed the
// configured output rate, per spec.md §4.5 "30 fps".
type Encoder struct {
	codec   NALCodec
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Registry
	limiter *rate.Limiter

	in  <-chan frame.Frame
	out chan frame.Frame
}

// NewEncoder constructs an Encoder reading BGR frames from in.
func NewEncoder(c NALCodec, in <-chan frame.Frame, cfg Config, m *metrics.Registry, outBuf int) *Encoder {
	cfg.applyDefaults()
	return &Encoder{
		codec:   c,
		cfg:     cfg,
		log:     logger.Logger().With("component", "encoder"),
		metrics: m,
		limiter: rate.NewLimiter(rate.Limit(cfg.FPS), 1),
		in:      in,
		out:     make(chan frame.Frame, outBuf),
	}
}

// Output returns the encoded H264 frame channel.
func (e *Encoder) Output() <-chan frame.Frame { return e.out }

// Run starts cfg.Workers encode workers and blocks until ctx is cancelled
// or the input channel closes and drains.
func (e *Encoder) Run(ctx context.Context) error {
	defer close(e.out)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.worker(ctx) })
	}
	return g.Wait()
}

func (e *Encoder) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-e.in:
			if !ok {
				return nil
			}
			if err := e.limiter.Wait(ctx); err != nil {
				return nil
			}
			out, err := e.encodeOne(in)
			if err != nil {
				e.log.Warn("encode error", "frame_id", in.ID, "error", err)
				if e.metrics != nil {
					e.metrics.CodecErrors.WithLabelValues("encode").Inc()
				}
				continue
			}
			select {
			case e.out <- out:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (e *Encoder) encodeOne(in frame.Frame) (frame.Frame, error) {
	nal, isKeyframe, err := e.codec.Encode(in.Payload, in.PTSMicros, in.IsKeyframe)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		ID:          in.ID,
		CaptureTSMs: in.CaptureTSMs,
		Format:      frame.FormatH264,
		Payload:     PackH264(in.PTSMicros, isKeyframe, nal),
		IsKeyframe:  isKeyframe,
		PTSMicros:   in.PTSMicros,
	}, nil
}
