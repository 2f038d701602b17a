package fanout

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/framepipe/ingest/internal/frame"
	"github.com/framepipe/ingest/internal/metrics"
)

// Subscriber is one bounded FIFO of frames awaiting delivery to a connected
// client, per spec.md §3 "Subscriber queue".
type Subscriber struct {
	ID      string
	queue   chan frame.Frame
	limiter *rate.Limiter
}

func newSubscriber(id string, bufSize int, fps float64) *Subscriber {
	var lim *rate.Limiter
	if fps > 0 {
		lim = rate.NewLimiter(rate.Limit(fps), 1)
	}
	return &Subscriber{ID: id, queue: make(chan frame.Frame, bufSize), limiter: lim}
}

// Dequeue blocks for the next frame, applying this subscriber's own pacing
// (if configured) and the freshness filter of spec.md §4.7: frames older
// than freshness are silently skipped rather than delivered stale. A
// freshness of zero disables the filter.
func (s *Subscriber) Dequeue(ctx context.Context, freshness time.Duration, m *metrics.Registry) (frame.Frame, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return frame.Frame{}, err
		}
	}
	for {
		select {
		case f := <-s.queue:
			if freshness > 0 {
				age := time.Since(time.Unix(0, f.EnqueueWallTS))
				if age > freshness {
					if m != nil {
						m.SubscriberDrops.WithLabelValues(s.ID, "stale").Inc()
					}
					continue
				}
			}
			return f, nil
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
}

// Len reports the current queue depth, useful for tests and diagnostics.
func (s *Subscriber) Len() int { return len(s.queue) }
