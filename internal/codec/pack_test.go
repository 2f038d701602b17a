package codec

import (
	"bytes"
	"testing"
)

func TestPackUnpackH264RoundTrip(t *testing.T) {
	nal := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB}
	packed := PackH264(123456789, true, nal)

	pts, isKey, got, err := UnpackH264(packed)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if pts != 123456789 {
		t.Fatalf("pts mismatch: got %d", pts)
	}
	if !isKey {
		t.Fatalf("expected keyframe flag to survive round trip")
	}
	if !bytes.Equal(got, nal) {
		t.Fatalf("nal payload mismatch: got %x want %x", got, nal)
	}
}

func TestUnpackH264RejectsShortPacket(t *testing.T) {
	if _, _, _, err := UnpackH264([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short packet")
	}
}

func TestDetectKeyframeFindsType5(t *testing.T) {
	nal := []byte{0x00, 0x00, 0x01, 0x65, 0xFF}
	if !DetectKeyframe(nal) {
		t.Fatalf("expected IDR NAL type 5 to be detected as keyframe")
	}
}

func TestDetectKeyframeRejectsNonIDR(t *testing.T) {
	nal := []byte{0x00, 0x00, 0x01, 0x61, 0xFF} // type 1, non-IDR slice
	if DetectKeyframe(nal) {
		t.Fatalf("expected non-IDR NAL to not be a keyframe")
	}
}

func TestDetectKeyframeNoStartCode(t *testing.T) {
	if DetectKeyframe([]byte{0x01, 0x02, 0x03}) {
		t.Fatalf("expected no start code to report non-keyframe")
	}
}
