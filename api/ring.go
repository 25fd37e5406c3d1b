// Package api defines public API contracts for mirror-ring.
package api

import "unsafe"

// Mirror is a range of equal chunks that all alias the same storage.
type Mirror interface {
	Base() unsafe.Pointer
	ChunkSize() int
	Copies() int
	Len() int
	Bytes() []byte
	Chunk(i int) []byte
	Release() error
}

// Ring is a byte queue whose unread data and free space are each one
// contiguous range of memory.
type Ring interface {
	AvailableBytes() int
	ReadPointer() unsafe.Pointer
	AdvanceReadPointer(n int)

	EnsureWriteSpace(n int) bool
	WritePointer() unsafe.Pointer
	AdvanceWritePointer(n int)

	LockAllocation()
	UnlockAllocation()

	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}
