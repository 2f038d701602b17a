// Package reassembler implements the server-side chunk reassembler of
// spec.md §4.3 (L3) for both the UDP and TCP wire formats, plus the protocol
// state machine of §4.9.
package reassembler

import "time"

// entry is the per-frame reassembly state of spec.md §3 "Reassembly entry".
type entry struct {
	chunks      [][]byte
	received    []bool
	totalChunks uint8
	receivedN   int
	startedAt   time.Time
}

func newEntry(total uint8, now time.Time) *entry {
	return &entry{
		chunks:      make([][]byte, total),
		received:    make([]bool, total),
		totalChunks: total,
		startedAt:   now,
	}
}

// insert stores payload at index if not already present. Returns true if
// this insert completed the frame.
func (e *entry) insert(index uint8, payload []byte) (duplicate bool, complete bool) {
	if int(index) >= len(e.chunks) || e.received[index] {
		return true, e.receivedN == int(e.totalChunks)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	e.chunks[index] = buf
	e.received[index] = true
	e.receivedN++
	return false, e.receivedN == int(e.totalChunks)
}

func (e *entry) assemble() []byte {
	total := 0
	for _, c := range e.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range e.chunks {
		out = append(out, c...)
	}
	return out
}

func (e *entry) expired(timeout time.Duration, now time.Time) bool {
	return now.Sub(e.startedAt) > timeout
}
