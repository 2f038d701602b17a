package session

import "github.com/framepipe/ingest/internal/frame"

// Protocol selects the transport a Controller binds to.
type Protocol int

const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

func (p Protocol) String() string {
	if p == ProtocolTCP {
		return "tcp"
	}
	return "udp"
}

// Variant is one point in the closed 16-way
// INCOMING_FORMAT × OUTGOING_FORMAT × PROTOCOL × INFERENCE_ENABLED space of
// spec.md §4.8/§9. A Controller is built for exactly one Variant; dispatch
// over the space is a constructor choosing components, not inheritance.
type Variant struct {
	Incoming         frame.Format
	Outgoing         frame.Format
	Protocol         Protocol
	InferenceEnabled bool
}

// Port maps a Variant to the listen port table of spec.md §6. Only the
// protocol and incoming format distinguish ports there; outgoing format and
// inference do not change which socket is bound.
func (v Variant) Port() int {
	switch {
	case v.Protocol == ProtocolUDP && v.Incoming == frame.FormatJPEG:
		return 8085
	case v.Protocol == ProtocolUDP && v.Incoming == frame.FormatH264:
		return 8086
	case v.Protocol == ProtocolTCP && v.Incoming == frame.FormatJPEG:
		return 8087
	case v.Protocol == ProtocolTCP && v.Incoming == frame.FormatH264:
		return 8088
	default:
		return 0
	}
}
