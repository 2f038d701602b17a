package inference

import (
	"context"
	"testing"
	"time"
)

func TestBridgeQueueRoundTripWithoutProcess(t *testing.T) {
	b, err := New(Config{SlotPayloadSize: 8, Capacity: 2}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.input.Close()
	defer b.output.Close()

	if err := b.Submit(42, []byte("abcdefgh")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	frameID, payload, err := b.input.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if frameID != 42 || string(payload) != "abcdefgh" {
		t.Fatalf("unexpected roundtrip: id=%d payload=%q", frameID, payload)
	}
}

func TestBridgeRecordsCrashOnUncleanExit(t *testing.T) {
	b, err := New(Config{SlotPayloadSize: 8, Capacity: 2, Command: "sh", Args: []string{"-c", "exit 7"}}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.input.Close()
	defer b.output.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.Err() == nil {
		t.Fatalf("expected Err() to report the unclean exit")
	}
}

func TestBridgeStopKillsLongRunningProcess(t *testing.T) {
	b, err := New(Config{SlotPayloadSize: 8, Capacity: 2, Command: "sh", Args: []string{"-c", "sleep 30"}}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return after killing the worker")
	}
}
