// Package ring implements the shared ring queue of spec.md §4.1 (L1): a
// fixed-capacity, fixed-slot-shape circular buffer that hands frames across
// a process boundary to the inference worker and back. It is backed by an
// anonymous, file-descriptor-addressable shared memory segment (memfd_create
// + mmap) so the same mapping can be handed to a child process across exec
// via os/exec's ExtraFiles, without cgo and without naming a filesystem path
// the way POSIX shm_open would require.
package ring

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// segment is a shared-memory mapping plus the fd that identifies it across
// a fork/exec boundary.
type segment struct {
	fd   int
	data []byte
}

// createSegment allocates a new anonymous shared memory segment of size
// bytes, suitable for passing to a child process via *os.File (Fd()) and
// cmd.ExtraFiles.
func createSegment(name string, size int) (*segment, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("ring: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: mmap: %w", err)
	}
	return &segment{fd: fd, data: data}, nil
}

// openSegment maps an existing shared memory fd (inherited across exec,
// typically fd 3+len(os.Stdin/out/err) via cmd.ExtraFiles) of the given size.
func openSegment(fd int, size int) (*segment, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap existing fd %d: %w", fd, err)
	}
	return &segment{fd: fd, data: data}, nil
}

// File exposes the segment as an *os.File so it can be threaded through
// exec.Cmd.ExtraFiles to a child process.
func (s *segment) File(name string) *os.File {
	return os.NewFile(uintptr(s.fd), name)
}

func (s *segment) close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return err
		}
		s.data = nil
	}
	return unix.Close(s.fd)
}
