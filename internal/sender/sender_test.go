package sender

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingTransmitter struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingTransmitter) Transmit(packet []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, append([]byte(nil), packet...))
	return nil
}

func (r *recordingTransmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestWindowFillerTransmitsQueuedPackets(t *testing.T) {
	tx := &recordingTransmitter{}
	s := New(tx, Config{WindowTick: 5 * time.Millisecond, TimeoutMs: 10000})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Enqueue(Key{FrameID: 1, ChunkIndex: 0}, []byte("chunk-a"))
	s.Enqueue(Key{FrameID: 1, ChunkIndex: 1}, []byte("chunk-b"))

	deadline := time.Now().Add(time.Second)
	for tx.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := tx.count(); got != 2 {
		t.Fatalf("expected 2 transmits, got %d", got)
	}
	if got := s.PendingLen(); got != 2 {
		t.Fatalf("expected 2 pending entries, got %d", got)
	}
}

func TestAckRemovesPendingEntryIdempotently(t *testing.T) {
	tx := &recordingTransmitter{}
	s := New(tx, Config{WindowTick: 5 * time.Millisecond, TimeoutMs: 10000})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	key := Key{FrameID: 9, ChunkIndex: 0}
	s.Enqueue(key, []byte("chunk"))

	deadline := time.Now().Add(time.Second)
	for s.PendingLen() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.PendingLen() != 1 {
		t.Fatalf("expected 1 pending entry before ack")
	}

	s.OnAck(key)
	if s.PendingLen() != 0 {
		t.Fatalf("expected 0 pending entries after ack")
	}
	s.OnAck(key) // second ack is a no-op
	if s.PendingLen() != 0 {
		t.Fatalf("expected ack to remain idempotent")
	}
}

func TestRetransmitFiresAfterTimeout(t *testing.T) {
	tx := &recordingTransmitter{}
	s := New(tx, Config{
		WindowTick:     2 * time.Millisecond,
		RetransmitTick: 2 * time.Millisecond,
		TimeoutMs:      20,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Enqueue(Key{FrameID: 3, ChunkIndex: 0}, []byte("chunk"))

	deadline := time.Now().Add(2 * time.Second)
	for tx.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := tx.count(); got < 2 {
		t.Fatalf("expected at least one retransmit (>=2 sends total), got %d", got)
	}
}

func TestWindowSizeCap(t *testing.T) {
	tx := &recordingTransmitter{}
	s := New(tx, Config{WindowSize: 2, WindowTick: 5 * time.Millisecond, TimeoutMs: 10000})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 5; i++ {
		s.Enqueue(Key{FrameID: uint32(i), ChunkIndex: 0}, []byte("x"))
	}

	time.Sleep(50 * time.Millisecond)
	if got := s.PendingLen(); got > 2 {
		t.Fatalf("expected pending <= window size 2, got %d", got)
	}
}
