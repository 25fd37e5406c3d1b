//go:build !linux

package shm

import (
	"errors"
	"os"
	"unsafe"
)

type hostVM struct{}

func platformPageSize() int {
	return os.Getpagesize()
}

func (hostVM) Reserve(size, span int) (*Segment, error) {
	return nil, errors.ErrUnsupported
}

func (hostVM) Release(addr unsafe.Pointer, length int) error {
	return errors.ErrUnsupported
}

func (hostVM) Alias(seg *Segment, at unsafe.Pointer) error {
	return errors.ErrUnsupported
}

func (hostVM) Detach(seg *Segment) error {
	return nil
}
