package codec

import "bytes"

var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// DetectKeyframe scans nal for the first NAL start code and inspects the
// following NAL header byte (nal_type = byte & 0x1F); type 5 is an IDR
// (keyframe). Used as a fallback when a caller has not been told
// is_keyframe directly, per spec.md §4.5 "Keyframe detection (fallback)".
func DetectKeyframe(nal []byte) bool {
	idx := startCodeEnd(nal)
	if idx < 0 || idx >= len(nal) {
		return false
	}
	return nal[idx]&0x1F == 5
}

// startCodeEnd returns the index just past the first NAL start code found
// in nal, or -1 if none is present. A 4-byte code holds the 3-byte code one
// byte in, so the earliest 3-byte match locates the first code of either
// length, and both lengths end at the same index.
func startCodeEnd(nal []byte) int {
	i := bytes.Index(nal, startCode3)
	if i < 0 {
		return -1
	}
	if i > 0 && bytes.HasPrefix(nal[i-1:], startCode4) {
		return i - 1 + len(startCode4)
	}
	return i + len(startCode3)
}
