package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/framepipe/ingest/internal/frame"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	h := New(nil)
	a := h.Subscribe(4, 0)
	b := h.Subscribe(4, 0)

	h.Publish(frame.Frame{ID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fa, err := a.Dequeue(ctx, 0, nil)
	if err != nil || fa.ID != 1 {
		t.Fatalf("subscriber a: frame=%+v err=%v", fa, err)
	}
	fb, err := b.Dequeue(ctx, 0, nil)
	if err != nil || fb.ID != 1 {
		t.Fatalf("subscriber b: frame=%+v err=%v", fb, err)
	}
}

func TestPublishDropsForFullQueueWithoutBlocking(t *testing.T) {
	h := New(nil)
	sub := h.Subscribe(1, 0)

	h.Publish(frame.Frame{ID: 1})
	// Queue is now full (capacity 1); this publish must not block.
	done := make(chan struct{})
	go func() {
		h.Publish(frame.Frame{ID: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := sub.Dequeue(ctx, 0, nil)
	if err != nil || got.ID != 1 {
		t.Fatalf("expected the first frame to have been kept, got %+v err=%v", got, err)
	}
}

func TestSlowSubscriberDoesNotAffectFastSubscriber(t *testing.T) {
	h := New(nil)
	fast := h.Subscribe(10, 0)
	slow := h.Subscribe(1, 0)

	for i := 0; i < 5; i++ {
		h.Publish(frame.Frame{ID: frame.ID(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		f, err := fast.Dequeue(ctx, 0, nil)
		if err != nil || f.ID != frame.ID(i) {
			t.Fatalf("fast subscriber missed frame %d: %+v err=%v", i, f, err)
		}
	}
	// The slow subscriber's bounded queue must never exceed its capacity.
	if slow.Len() > 1 {
		t.Fatalf("slow subscriber queue exceeded capacity: %d", slow.Len())
	}
}

func TestDequeueFiltersStaleFrames(t *testing.T) {
	h := New(nil)
	sub := h.Subscribe(4, 0)

	stale := frame.Frame{ID: 1, EnqueueWallTS: time.Now().Add(-time.Second).UnixNano()}
	fresh := frame.Frame{ID: 2, EnqueueWallTS: time.Now().UnixNano()}
	sub.queue <- stale
	sub.queue <- fresh

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := sub.Dequeue(ctx, 200*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != 2 {
		t.Fatalf("expected the stale frame to be skipped, got frame %d", got.ID)
	}
}

func TestUnsubscribeRemovesFromFutureBroadcasts(t *testing.T) {
	h := New(nil)
	sub := h.Subscribe(4, 0)
	h.Unsubscribe(sub)

	h.Publish(frame.Frame{ID: 1})
	if sub.Len() != 0 {
		t.Fatalf("expected unsubscribed subscriber to receive nothing, got queue len %d", sub.Len())
	}
	if h.Count() != 0 {
		t.Fatalf("expected hub to have no subscribers, got %d", h.Count())
	}
}
