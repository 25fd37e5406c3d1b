//go:build linux

package shm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const memfdName = "mirror-ring"

type hostVM struct{}

func platformPageSize() int {
	return unix.Getpagesize()
}

func (hostVM) Reserve(size, span int) (*Segment, error) {
	fd, err := unix.MemfdCreate(memfdName, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	// Pages past size are never touched: the caller unmaps them right away.
	addr, err := unix.MmapPtr(fd, 0, nil, uintptr(span), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Segment{Addr: addr, Size: size, fd: fd}, nil
}

func (hostVM) Release(addr unsafe.Pointer, length int) error {
	if length == 0 {
		return nil
	}
	if err := unix.MunmapPtr(addr, uintptr(length)); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

func (hostVM) Alias(seg *Segment, at unsafe.Pointer) error {
	got, err := unix.MmapPtr(seg.fd, 0, at, uintptr(seg.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED_NOREPLACE)
	if errors.Is(err, unix.EEXIST) {
		return ErrCollision
	}
	if err != nil {
		return fmt.Errorf("mmap fixed: %w", err)
	}
	if got != at {
		// Kernels before 4.17 treat MAP_FIXED_NOREPLACE as a hint.
		_ = unix.MunmapPtr(got, uintptr(seg.Size))
		return ErrCollision
	}
	return nil
}

func (hostVM) Detach(seg *Segment) error {
	if seg.fd < 0 {
		return nil
	}
	err := unix.Close(seg.fd)
	seg.fd = -1
	if err != nil {
		return fmt.Errorf("close memfd: %w", err)
	}
	return nil
}
