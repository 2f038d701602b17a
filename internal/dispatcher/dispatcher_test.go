package dispatcher

import (
	"testing"
	"time"

	"github.com/framepipe/ingest/internal/frame"
)

func TestDispatcherDeliversInOrder(t *testing.T) {
	in := make(chan Input, 10)
	d := New(in, Config{Poll: 2 * time.Millisecond, Timeout: 50 * time.Millisecond}, nil, 10)
	stop := make(chan struct{})
	go d.Run(stop)
	defer close(stop)

	in <- Input{FrameID: 2, Payload: []byte("b")}
	in <- Input{FrameID: 0, Payload: []byte("a")}
	in <- Input{FrameID: 1, Payload: []byte("c")}

	var got []frame.ID
	for i := 0; i < 3; i++ {
		select {
		case out := <-d.Output():
			got = append(got, out.FrameID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for output %d", i)
		}
	}
	for i, id := range got {
		if id != frame.ID(i) {
			t.Fatalf("expected strictly increasing ids, got %v", got)
		}
	}
}

func TestDispatcherDedupesDuplicateFrameID(t *testing.T) {
	in := make(chan Input, 10)
	d := New(in, Config{Poll: 2 * time.Millisecond, Timeout: 50 * time.Millisecond}, nil, 10)
	stop := make(chan struct{})
	go d.Run(stop)
	defer close(stop)

	in <- Input{FrameID: 0, Payload: []byte("a")}
	in <- Input{FrameID: 0, Payload: []byte("a-dup")}
	in <- Input{FrameID: 1, Payload: []byte("b")}

	first := <-d.Output()
	second := <-d.Output()
	if first.FrameID != 0 || second.FrameID != 1 {
		t.Fatalf("unexpected sequence: %+v %+v", first, second)
	}
}

func TestDispatcherSkipsForwardAfterTimeout(t *testing.T) {
	in := make(chan Input, 10)
	d := New(in, Config{Poll: 2 * time.Millisecond, Timeout: 30 * time.Millisecond}, nil, 10)
	stop := make(chan struct{})
	go d.Run(stop)
	defer close(stop)

	in <- Input{FrameID: 0, Payload: []byte("a")}
	first := <-d.Output()
	if first.FrameID != 0 {
		t.Fatalf("expected frame 0 first, got %d", first.FrameID)
	}

	// frame 1 is permanently missing; frame 2 arrives instead.
	in <- Input{FrameID: 2, Payload: []byte("c")}

	select {
	case out := <-d.Output():
		if out.FrameID != 2 {
			t.Fatalf("expected dispatcher to skip to frame 2, got %d", out.FrameID)
		}
	case <-time.After(time.Second):
		t.Fatalf("dispatcher never skipped forward past missing frame 1")
	}
}

func TestDispatcherResetClearsState(t *testing.T) {
	in := make(chan Input, 10)
	d := New(in, Config{Poll: 2 * time.Millisecond, Timeout: 50 * time.Millisecond}, nil, 10)
	stop := make(chan struct{})
	go d.Run(stop)
	defer close(stop)

	in <- Input{FrameID: 5, Payload: []byte("x")}
	<-d.Output()

	d.Reset()
	time.Sleep(10 * time.Millisecond)

	in <- Input{FrameID: 0, Payload: []byte("y")}
	select {
	case out := <-d.Output():
		if out.FrameID != 0 {
			t.Fatalf("expected fresh stream to start at its own first id, got %d", out.FrameID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no output after reset")
	}
}
