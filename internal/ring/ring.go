package ring

import (
	"encoding/binary"
	"os"
	"unsafe"

	"github.com/framepipe/ingest/internal/errors"
)

const (
	headerSize     = 32 // head, tail, full, empty, stopping, producerLock, consumerLock + padding
	slotHeaderSize = 8  // frame_id(4) + length(4)
)

// Config describes the fixed shape of a queue: a bounded number of slots,
// each large enough to hold one frame's fixed-shape payload (e.g. a decoded
// H×W×3 buffer, per spec.md §4.1).
type Config struct {
	Capacity        int
	SlotPayloadSize int
}

func (c Config) slotSize() int { return slotHeaderSize + c.SlotPayloadSize }
func (c Config) totalSize() int {
	return headerSize + c.Capacity*c.slotSize()
}

// Queue is one endpoint of the shared ring queue. Both the creating process
// and a process that opened an inherited fd construct one of these over the
// same backing segment; the fields below all point into that segment.
type Queue struct {
	cfg Config
	seg *segment

	head *int32
	tail *int32

	full  *sema
	empty *sema

	stopping *int32
	prodLock spinlock
	consLock spinlock
}

// New creates a fresh queue backed by a new shared memory segment. The
// returned *os.File should be passed to the consumer process via
// exec.Cmd.ExtraFiles; the consumer then calls Open with the fd it observes
// (3 + index into ExtraFiles, by os/exec convention).
func New(name string, cfg Config) (*Queue, *os.File, error) {
	if cfg.Capacity <= 0 || cfg.SlotPayloadSize <= 0 {
		return nil, nil, errors.NewQueueError("ring.New", nil)
	}
	seg, err := createSegment(name, cfg.totalSize())
	if err != nil {
		return nil, nil, errors.NewQueueError("ring.New", err)
	}
	q := wrap(seg, cfg)
	atomicStore(q.head, 0)
	atomicStore(q.tail, 0)
	newSema(q.full.word, 0)
	newSema(q.empty.word, int32(cfg.Capacity))
	atomicStore(q.stopping, 0)
	atomicStore(q.prodLock.word, 0)
	atomicStore(q.consLock.word, 0)
	return q, seg.File(name), nil
}

// Open maps an inherited shared memory fd into the current process. cfg must
// match the Config the creating process used.
func Open(fd int, cfg Config) (*Queue, error) {
	seg, err := openSegment(fd, cfg.totalSize())
	if err != nil {
		return nil, errors.NewQueueError("ring.Open", err)
	}
	return wrap(seg, cfg), nil
}

func wrap(seg *segment, cfg Config) *Queue {
	base := unsafe.Pointer(&seg.data[0])
	q := &Queue{cfg: cfg, seg: seg}
	q.head = (*int32)(unsafe.Add(base, 0))
	q.tail = (*int32)(unsafe.Add(base, 4))
	q.full = &sema{word: (*int32)(unsafe.Add(base, 8))}
	q.empty = &sema{word: (*int32)(unsafe.Add(base, 12))}
	q.stopping = (*int32)(unsafe.Add(base, 16))
	q.prodLock = spinlock{word: (*int32)(unsafe.Add(base, 20))}
	q.consLock = spinlock{word: (*int32)(unsafe.Add(base, 24))}
	return q
}

func atomicStore(addr *int32, v int32) { *addr = v }

func (q *Queue) slot(index int32) []byte {
	off := headerSize + int(index)*q.cfg.slotSize()
	return q.seg.data[off : off+q.cfg.slotSize()]
}

// Put writes one frame into the queue, blocking until a slot is free or the
// queue is stopped. No partial writes are ever visible to a consumer: the
// full slot copy completes, under the producer lock, before the full
// semaphore token is posted (spec.md §4.1 "Failure").
func (q *Queue) Put(frameID uint32, payload []byte) error {
	if len(payload) > q.cfg.SlotPayloadSize {
		return errors.NewQueueError("ring.Put", nil)
	}
	if !q.empty.wait(q.stopping) {
		return errors.NewQueueStopped("ring.Put")
	}
	q.prodLock.lock()
	idx := *q.tail
	s := q.slot(idx)
	binary.BigEndian.PutUint32(s[0:4], frameID)
	binary.BigEndian.PutUint32(s[4:8], uint32(len(payload)))
	copy(s[slotHeaderSize:], payload)
	*q.tail = (idx + 1) % int32(q.cfg.Capacity)
	q.prodLock.unlock()
	q.full.post(1)
	return nil
}

// Get removes and returns one frame, blocking until one is available or the
// queue is stopped, in which case it returns a QueueStopped error (spec.md
// §7 "Stop-during-get on shared ring").
func (q *Queue) Get() (frameID uint32, payload []byte, err error) {
	if !q.full.wait(q.stopping) {
		return 0, nil, errors.NewQueueStopped("ring.Get")
	}
	q.consLock.lock()
	idx := *q.head
	s := q.slot(idx)
	frameID = binary.BigEndian.Uint32(s[0:4])
	length := binary.BigEndian.Uint32(s[4:8])
	payload = make([]byte, length)
	copy(payload, s[slotHeaderSize:slotHeaderSize+int(length)])
	*q.head = (idx + 1) % int32(q.cfg.Capacity)
	q.consLock.unlock()
	q.empty.post(1)
	return frameID, payload, nil
}

// Stop drains both semaphores so any blocked Put or Get wakes, observes
// stopping, and returns QueueStopped rather than hanging forever. Stop is
// idempotent.
func (q *Queue) Stop() {
	*q.stopping = 1
	q.full.post(int32(q.cfg.Capacity))
	q.empty.post(int32(q.cfg.Capacity))
}

// QSize reads the current occupancy. Both locks are held, matching spec.md
// §4.1's requirement that size queries not race the pointer advance in
// either Put or Get.
func (q *Queue) QSize() int {
	q.prodLock.lock()
	q.consLock.lock()
	defer q.consLock.unlock()
	defer q.prodLock.unlock()
	cap32 := int32(q.cfg.Capacity)
	n := int(((*q.tail - *q.head) + cap32) % cap32)
	// head == tail both when empty and when full; with no empty-slot tokens
	// left, every slot is occupied.
	if n == 0 && q.empty.value() == 0 {
		return q.cfg.Capacity
	}
	return n
}

func (q *Queue) Empty() bool { return q.QSize() == 0 }
func (q *Queue) Full() bool  { return q.QSize() == q.cfg.Capacity }

// Close unmaps the segment. It does not call Stop; callers that own the
// queue's lifetime should Stop before Close so waiters are released first.
func (q *Queue) Close() error { return q.seg.close() }
