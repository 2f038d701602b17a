// Package wire implements the on-the-wire framing described in spec.md §4.3
// and §6: the chunked-UDP datagram format, the framed-TCP frame format, and
// the advisory ACK formats for both transports. All multi-byte integers are
// big-endian; all encode/decode here is allocation-light and side-effect
// free so it can be fuzzed and golden-vector tested independently of any
// socket.
package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Markers, exactly as specified in spec.md §6.
var (
	StartMarker = [4]byte{0x01, 0x02, 0x7F, 0xED}
	EndMarker   = [4]byte{0x03, 0x04, 0x7F, 0xED}
	AckMarker   = [4]byte{0x05, 0x06, 0x7F, 0xED}
)

// MaxPayloadSize bounds a single UDP chunk's payload (§3 "Chunk").
const MaxPayloadSize = 60000

// UDPHeaderSize is the fixed header length preceding the payload on the UDP
// wire format: START(4) TS(4) FrameID(3) TotalChunks(1) ChunkIndex(1) Len(2) CRC(4).
const UDPHeaderSize = 4 + 4 + 3 + 1 + 1 + 2 + 4

// TCPHeaderSize is the fixed header length preceding the payload on the TCP
// wire format: START(4) TS(4) FrameID(3) Len(4) CRC(4).
const TCPHeaderSize = 4 + 4 + 3 + 4 + 4

// UDPChunk is one fragment of a frame's on-wire representation (§3 "Chunk").
type UDPChunk struct {
	TimestampMs uint32
	FrameID     uint32 // 24-bit, masked
	TotalChunks uint8
	ChunkIndex  uint8
	CRC32       uint32
	Payload     []byte
}

// EncodeUDPChunk serializes c into the wire layout of spec.md §4.3/§6,
// including the start/end markers. The CRC32 field is computed from the
// payload if c.CRC32 is zero and the payload is non-empty; callers that
// want to send a deliberately-corrupt checksum (tests) should set CRC32
// explicitly.
func EncodeUDPChunk(c UDPChunk) ([]byte, error) {
	if len(c.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("wire: payload length %d exceeds MaxPayloadSize", len(c.Payload))
	}
	crc := c.CRC32
	if crc == 0 && len(c.Payload) > 0 {
		crc = crc32.ChecksumIEEE(c.Payload)
	}
	buf := make([]byte, UDPHeaderSize+len(c.Payload)+4)
	off := 0
	off += copy(buf[off:], StartMarker[:])
	binary.BigEndian.PutUint32(buf[off:], c.TimestampMs)
	off += 4
	put24(buf[off:], c.FrameID)
	off += 3
	buf[off] = c.TotalChunks
	off++
	buf[off] = c.ChunkIndex
	off++
	binary.BigEndian.PutUint16(buf[off:], uint16(len(c.Payload)))
	off += 2
	binary.BigEndian.PutUint32(buf[off:], crc)
	off += 4
	off += copy(buf[off:], c.Payload)
	copy(buf[off:], EndMarker[:])
	return buf, nil
}

// DecodeUDPChunk parses a raw datagram into a UDPChunk. It validates the
// start/end markers and the declared payload length but does NOT validate
// the checksum — callers compare CRC32 against crc32.ChecksumIEEE(payload)
// themselves, since spec.md §4.3/§7 treats a mismatch as a warning, not a
// decode failure.
func DecodeUDPChunk(data []byte) (UDPChunk, error) {
	if len(data) < UDPHeaderSize+len(EndMarker) {
		return UDPChunk{}, fmt.Errorf("wire: packet too small (%d bytes)", len(data))
	}
	if !hasPrefix(data, StartMarker[:]) {
		return UDPChunk{}, fmt.Errorf("wire: invalid start marker")
	}
	end := data[len(data)-len(EndMarker):]
	if !equalBytes(end, EndMarker[:]) {
		return UDPChunk{}, fmt.Errorf("wire: invalid end marker")
	}

	off := len(StartMarker)
	ts := binary.BigEndian.Uint32(data[off:])
	off += 4
	frameID := get24(data[off:])
	off += 3
	total := data[off]
	off++
	idx := data[off]
	off++
	length := binary.BigEndian.Uint16(data[off:])
	off += 2
	crc := binary.BigEndian.Uint32(data[off:])
	off += 4

	payload := data[off : len(data)-len(EndMarker)]
	if int(length) != len(payload) {
		return UDPChunk{}, fmt.Errorf("wire: declared length %d does not match payload length %d", length, len(payload))
	}

	return UDPChunk{
		TimestampMs: ts,
		FrameID:     frameID,
		TotalChunks: total,
		ChunkIndex:  idx,
		CRC32:       crc,
		Payload:     payload,
	}, nil
}

// TCPFrame is a whole frame sent as a single packet over TCP (§4.3 "TCP framing").
type TCPFrame struct {
	TimestampMs uint32
	FrameID     uint32
	CRC32       uint32
	Payload     []byte
}

// EncodeTCPFrame serializes f into the TCP wire layout of spec.md §6.
func EncodeTCPFrame(f TCPFrame) []byte {
	crc := f.CRC32
	if crc == 0 && len(f.Payload) > 0 {
		crc = crc32.ChecksumIEEE(f.Payload)
	}
	buf := make([]byte, TCPHeaderSize+len(f.Payload)+4)
	off := 0
	off += copy(buf[off:], StartMarker[:])
	binary.BigEndian.PutUint32(buf[off:], f.TimestampMs)
	off += 4
	put24(buf[off:], f.FrameID)
	off += 3
	binary.BigEndian.PutUint32(buf[off:], uint32(len(f.Payload)))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], crc)
	off += 4
	off += copy(buf[off:], f.Payload)
	copy(buf[off:], EndMarker[:])
	return buf
}

// DecodeTCPFrame parses a complete START..END delimited TCP frame (the
// caller — the scan buffer in the reassembler — is responsible for finding
// frame boundaries first).
func DecodeTCPFrame(data []byte) (TCPFrame, error) {
	if len(data) < TCPHeaderSize+len(EndMarker) {
		return TCPFrame{}, fmt.Errorf("wire: packet too small (%d bytes)", len(data))
	}
	if !hasPrefix(data, StartMarker[:]) {
		return TCPFrame{}, fmt.Errorf("wire: invalid start marker")
	}
	end := data[len(data)-len(EndMarker):]
	if !equalBytes(end, EndMarker[:]) {
		return TCPFrame{}, fmt.Errorf("wire: invalid end marker")
	}

	off := len(StartMarker)
	ts := binary.BigEndian.Uint32(data[off:])
	off += 4
	frameID := get24(data[off:])
	off += 3
	length := binary.BigEndian.Uint32(data[off:])
	off += 4
	crc := binary.BigEndian.Uint32(data[off:])
	off += 4

	payload := data[off : len(data)-len(EndMarker)]
	if int(length) != len(payload) {
		return TCPFrame{}, fmt.Errorf("wire: declared length %d does not match payload length %d", length, len(payload))
	}

	return TCPFrame{TimestampMs: ts, FrameID: frameID, CRC32: crc, Payload: payload}, nil
}

// EncodeUDPAck serializes the 8-byte UDP ACK: marker || frame_id(3) || chunk_index(1).
func EncodeUDPAck(frameID uint32, chunkIndex uint8) []byte {
	buf := make([]byte, 8)
	copy(buf[0:4], AckMarker[:])
	put24(buf[4:], frameID)
	buf[7] = chunkIndex
	return buf
}

// DecodeUDPAck parses an 8-byte UDP ACK.
func DecodeUDPAck(data []byte) (frameID uint32, chunkIndex uint8, err error) {
	if len(data) != 8 {
		return 0, 0, fmt.Errorf("wire: invalid UDP ack length %d", len(data))
	}
	if !hasPrefix(data, AckMarker[:]) {
		return 0, 0, fmt.Errorf("wire: invalid ack marker")
	}
	return get24(data[4:]), data[7], nil
}

// EncodeTCPAck serializes the 7-byte TCP ACK: marker || frame_id(3).
func EncodeTCPAck(frameID uint32) []byte {
	buf := make([]byte, 7)
	copy(buf[0:4], AckMarker[:])
	put24(buf[4:], frameID)
	return buf
}

// DecodeTCPAck parses a 7-byte TCP ACK.
func DecodeTCPAck(data []byte) (frameID uint32, err error) {
	if len(data) != 7 {
		return 0, fmt.Errorf("wire: invalid TCP ack length %d", len(data))
	}
	if !hasPrefix(data, AckMarker[:]) {
		return 0, fmt.Errorf("wire: invalid ack marker")
	}
	return get24(data[4:]), nil
}

func put24(buf []byte, v uint32) {
	buf[0] = byte(v >> 16)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v)
}

func get24(buf []byte) uint32 {
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	return equalBytes(data[:len(prefix)], prefix)
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
