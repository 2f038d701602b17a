package session

import (
	"testing"

	"github.com/framepipe/ingest/internal/frame"
)

func TestVariantPortTable(t *testing.T) {
	cases := []struct {
		v    Variant
		port int
	}{
		{Variant{Protocol: ProtocolUDP, Incoming: frame.FormatJPEG}, 8085},
		{Variant{Protocol: ProtocolUDP, Incoming: frame.FormatH264}, 8086},
		{Variant{Protocol: ProtocolTCP, Incoming: frame.FormatJPEG}, 8087},
		{Variant{Protocol: ProtocolTCP, Incoming: frame.FormatH264}, 8088},
	}
	for _, c := range cases {
		if got := c.v.Port(); got != c.port {
			t.Fatalf("Port(%+v) = %d, want %d", c.v, got, c.port)
		}
	}
}

func TestProtocolString(t *testing.T) {
	if ProtocolUDP.String() != "udp" {
		t.Fatalf("expected udp, got %s", ProtocolUDP.String())
	}
	if ProtocolTCP.String() != "tcp" {
		t.Fatalf("expected tcp, got %s", ProtocolTCP.String())
	}
}
