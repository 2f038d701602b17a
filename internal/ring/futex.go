package ring

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// futexWait blocks while *addr == expect. It is a thin wrapper over the raw
// FUTEX_WAIT syscall without FUTEX_PRIVATE_FLAG, since the futex word lives
// in memory shared across process boundaries (private futexes are only
// valid within one process's address space).
func futexWait(addr *int32, expect int32) {
	for {
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
			uintptr(unix.FUTEX_WAIT), uintptr(expect), 0, 0, 0)
		if errno == 0 || errno == unix.EAGAIN || errno == unix.EINTR {
			return
		}
		if errno == unix.ETIMEDOUT {
			return
		}
		return
	}
}

// futexWake wakes up to n waiters blocked on addr.
func futexWake(addr *int32, n int32) {
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE), uintptr(n), 0, 0, 0)
}

// sema is a process-shared counting semaphore whose word lives in a shared
// memory segment. It implements the "full_semaphore"/"empty_semaphore" pair
// of spec.md §3/§4.1.
type sema struct {
	word *int32
}

func newSema(word *int32, initial int32) *sema {
	atomic.StoreInt32(word, initial)
	return &sema{word: word}
}

func (s *sema) post(n int32) {
	atomic.AddInt32(s.word, n)
	futexWake(s.word, n)
}

// wait blocks until a token is available or stopping becomes non-zero, in
// which case it returns false (the caller should treat this as QueueStopped
// per spec.md §4.1/§7 "stop-during-get").
func (s *sema) wait(stopping *int32) bool {
	for {
		if atomic.LoadInt32(stopping) != 0 {
			return false
		}
		v := atomic.LoadInt32(s.word)
		if v > 0 {
			if atomic.CompareAndSwapInt32(s.word, v, v-1) {
				return true
			}
			continue
		}
		futexWait(s.word, 0)
	}
}

func (s *sema) value() int32 { return atomic.LoadInt32(s.word) }

// spinlock is a short-held mutual exclusion lock guarding head/tail pointer
// advance (the "producer-lock"/"consumer-lock" pair, which per spec.md §3
// are deliberately two distinct locks rather than one, so a blocked producer
// never starves a consumer draining the queue during shutdown).
type spinlock struct {
	word *int32
}

func (l *spinlock) lock() {
	for !atomic.CompareAndSwapInt32(l.word, 0, 1) {
		futexWait(l.word, 1)
	}
}

func (l *spinlock) unlock() {
	atomic.StoreInt32(l.word, 0)
	futexWake(l.word, 1)
}
