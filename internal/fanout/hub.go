// Package fanout multiplexes one ordered frame stream to N subscriber
// queues under a drop-if-slow policy, per spec.md §4.7.
package fanout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/framepipe/ingest/internal/frame"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
)

// DefaultFreshness is the subscriber frame-age cutoff of spec.md §4.7/§5.
const DefaultFreshness = 200 * time.Millisecond

// Hub owns the live subscriber list and multicasts frames to it. Subscriber
// list mutation (Subscribe/Unsubscribe) and iteration (Publish) are both
// safe for concurrent use; the teacher's registry uses the same
// snapshot-under-read-lock-then-iterate-outside-it shape.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Registry

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// New constructs an empty Hub.
func New(m *metrics.Registry) *Hub {
	return &Hub{
		log:     logger.Logger().With("component", "fanout"),
		metrics: m,
		subs:    make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber with a bounded queue of depth
// bufSize. fps > 0 paces the subscriber's own Dequeue calls to roughly that
// rate (spec.md §3 domain-stack "subscriber pacing counters"); fps <= 0
// means dequeue as fast as the caller wants.
func (h *Hub) Subscribe(bufSize int, fps float64) *Subscriber {
	sub := newSubscriber(uuid.NewString(), bufSize, fps)
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SubscriberCount.Inc()
	}
	return sub
}

// Unsubscribe removes a subscriber. Called by the subscriber's own handler
// on disconnect, per spec.md §4.7 "removed by the subscriber's own handler
// before its next dequeue".
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, existed := h.subs[sub.ID]
	delete(h.subs, sub.ID)
	h.mu.Unlock()
	if existed && h.metrics != nil {
		h.metrics.SubscriberCount.Dec()
	}
}

// Count returns the current subscriber count.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish tags f with an enqueue wall-clock timestamp and does a
// non-blocking try_enqueue on every subscriber's queue. A full queue means
// that subscriber is skipped for this frame (spec.md §4.7) rather than
// blocking the hub.
func (h *Hub) Publish(f frame.Frame) {
	f.EnqueueWallTS = time.Now().UnixNano()

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.queue <- f:
		default:
			h.log.Debug("dropped frame for slow subscriber", "subscriber_id", s.ID, "frame_id", f.ID)
			if h.metrics != nil {
				h.metrics.SubscriberDrops.WithLabelValues(s.ID, "slow").Inc()
			}
		}
	}
}
