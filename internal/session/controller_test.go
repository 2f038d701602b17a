package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/framepipe/ingest/internal/frame"
	"github.com/framepipe/ingest/internal/wire"
)

func TestControllerUDPPassthroughDeliversToSubscriber(t *testing.T) {
	cfg := Config{
		Variant: Variant{
			Protocol: ProtocolUDP,
			Incoming: frame.FormatJPEG,
			Outgoing: frame.FormatJPEG,
		},
		ListenAddr: "127.0.0.1",
	}
	c := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	sub := c.Hub.Subscribe(4, 0)

	conn, err := net.Dial("udp", net.JoinHostPort(cfg.ListenAddr, "8085"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	chunk, err := wire.EncodeUDPChunk(wire.UDPChunk{
		FrameID:     7,
		TotalChunks: 1,
		ChunkIndex:  0,
		Payload:     []byte("hello"),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(chunk); err != nil {
		t.Fatalf("write: %v", err)
	}

	deqCtx, deqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer deqCancel()
	f, err := sub.Dequeue(deqCtx, 0, nil)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if f.ID != frame.ID(7) || string(f.Payload) != "hello" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestControllerResetClearsDispatcherAndReassemblyState(t *testing.T) {
	cfg := Config{
		Variant: Variant{
			Protocol: ProtocolUDP,
			Incoming: frame.FormatJPEG,
			Outgoing: frame.FormatJPEG,
		},
		ListenAddr:   "127.0.0.1",
		ResetTimeout: time.Second,
	}
	c := New(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	if err := c.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if c.paused.Load() {
		t.Fatalf("expected controller to resume after reset completes")
	}
}
