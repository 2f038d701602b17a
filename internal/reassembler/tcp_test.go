package reassembler

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/framepipe/ingest/internal/wire"
)

func tcpFrameBytes(t *testing.T, frameID uint32, payload []byte) []byte {
	t.Helper()
	return wire.EncodeTCPFrame(wire.TCPFrame{FrameID: frameID, Payload: payload})
}

func TestTCPReassemblerDeliversFramedPackets(t *testing.T) {
	r := NewTCP(Config{}, nil, 1024*1024, 4)
	serverConn, clientConn := net.Pipe()
	if err := r.Accept(serverConn); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// net.Pipe writes block until read: drain the ACKs written back per frame.
	go io.Copy(io.Discard, clientConn)

	go func() {
		clientConn.Write(tcpFrameBytes(t, 1, []byte("hello")))
		clientConn.Write(tcpFrameBytes(t, 2, []byte("world")))
	}()

	got := map[uint32]string{}
	for i := 0; i < 2; i++ {
		select {
		case f := <-r.Frames():
			got[f.FrameID] = string(f.Payload)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
	if got[1] != "hello" || got[2] != "world" {
		t.Fatalf("unexpected frames: %+v", got)
	}
	clientConn.Close()
}

func TestTCPReassemblerRejectsSecondConnection(t *testing.T) {
	r := NewTCP(Config{}, nil, 1024*1024, 4)
	a, aClient := net.Pipe()
	defer aClient.Close()
	if err := r.Accept(a); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	b, bClient := net.Pipe()
	defer bClient.Close()
	if err := r.Accept(b); err == nil {
		t.Fatalf("expected second connection to be rejected")
	}
}

func TestTCPReassemblerReleasesOnDisconnect(t *testing.T) {
	r := NewTCP(Config{}, nil, 1024*1024, 4)
	server, client := net.Pipe()
	if err := r.Accept(server); err != nil {
		t.Fatalf("accept: %v", err)
	}
	client.Close()

	deadline := time.Now().Add(time.Second)
	for r.HasClient() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.HasClient() {
		t.Fatalf("expected hasClient to clear after disconnect")
	}
}
