// Package shm contains the platform virtual-memory primitives behind mirrored regions.
package shm

import (
	"errors"
	"sync"
	"unsafe"
)

// ErrCollision reports that a fixed-address mapping could not be placed because
// something else already occupies the target range.
var ErrCollision = errors.New("shm: target address range is occupied")

// Segment is chunk 0 of an in-progress mirrored region together with the
// handle of the memory object that backs it.
type Segment struct {
	Addr unsafe.Pointer
	Size int
	fd   int
}

// VM is the slice of the OS virtual memory subsystem a mirrored region needs.
type VM interface {
	// Reserve maps span bytes anywhere. The first size bytes are backed by a
	// new shareable memory object.
	Reserve(size, span int) (*Segment, error)
	// Release unmaps length bytes starting at addr.
	Release(addr unsafe.Pointer, length int) error
	// Alias maps seg's memory object at exactly at. It returns ErrCollision
	// when the range is taken and never replaces an existing mapping.
	Alias(seg *Segment, at unsafe.Pointer) error
	// Detach drops the memory object handle. Existing mappings stay valid.
	Detach(seg *Segment) error
}

var pageSize = sync.OnceValue(platformPageSize)

// PageSize returns the virtual memory page size. It is queried once per process.
func PageSize() int {
	return pageSize()
}

// Host returns the VM of the running process.
func Host() VM {
	return hostVM{}
}
