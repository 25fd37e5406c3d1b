package mirror

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/srediag/mirror-ring/api"
)

var _ api.Mirror = (*Region)(nil)

// Region is a mirrored region. Its chunks are never owned separately: the
// whole range is released at once by Release.
//
// A Region is not safe for concurrent Release; concurrent access to the
// bytes themselves is up to the caller.
type Region struct {
	base      unsafe.Pointer
	chunkSize int
	copies    int
	owner     *Allocator
}

// Base returns the address of the first byte of chunk 0.
func (r *Region) Base() unsafe.Pointer {
	return r.base
}

// ChunkSize returns the size of one chunk in bytes.
func (r *Region) ChunkSize() int {
	return r.chunkSize
}

// Copies returns the number of chunks.
func (r *Region) Copies() int {
	return r.copies
}

// Len returns ChunkSize() * Copies().
func (r *Region) Len() int {
	return r.chunkSize * r.copies
}

// Bytes returns the whole region. Byte i and byte i+ChunkSize() are the same
// storage. The slice must not be used after Release.
func (r *Region) Bytes() []byte {
	if r.base == nil {
		return nil
	}
	return unsafe.Slice((*byte)(r.base), r.Len())
}

// Chunk returns chunk i. It panics if i is out of range.
func (r *Region) Chunk(i int) []byte {
	if i < 0 || i >= r.copies {
		panic(fmt.Sprintf("mirror: chunk %d out of range [0, %d)", i, r.copies))
	}
	b := r.Bytes()
	return b[i*r.chunkSize : (i+1)*r.chunkSize : (i+1)*r.chunkSize]
}

// Release unmaps the entire region. Releasing a region twice returns ErrReleased.
func (r *Region) Release() error {
	if r.base == nil {
		return ErrReleased
	}
	a := r.owner
	size := r.Len()
	err := a.vm.Release(r.base, size)
	r.base = nil
	if err != nil {
		return fmt.Errorf("mirror: release %d bytes: %w", size, err)
	}
	a.metrics.Released(context.Background(), size)
	return nil
}
