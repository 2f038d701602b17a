package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/framepipe/ingest/internal/errors"
)

// PackH264 wraps NAL bytes in the server-internal transport framing of
// spec.md §6: pts_us(8, big-endian) | is_keyframe(1) | NAL bytes.
const h264HeaderSize = 9

func PackH264(ptsUs int64, isKeyframe bool, nal []byte) []byte {
	out := make([]byte, h264HeaderSize+len(nal))
	binary.BigEndian.PutUint64(out[0:8], uint64(ptsUs))
	if isKeyframe {
		out[8] = 1
	}
	copy(out[h264HeaderSize:], nal)
	return out
}

// UnpackH264 reverses PackH264.
func UnpackH264(data []byte) (ptsUs int64, isKeyframe bool, nal []byte, err error) {
	if len(data) < h264HeaderSize {
		return 0, false, nil, errors.NewCodecError("unpack_h264", fmt.Errorf("short packet: %d bytes", len(data)))
	}
	ptsUs = int64(binary.BigEndian.Uint64(data[0:8]))
	isKeyframe = data[8] != 0
	nal = data[h264HeaderSize:]
	return ptsUs, isKeyframe, nal, nil
}
