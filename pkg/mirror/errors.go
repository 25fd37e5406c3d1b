package mirror

import "errors"

var (
	// ErrInvalidArgument is returned for a chunk size that is not a positive
	// multiple of the page size, or fewer than two copies.
	ErrInvalidArgument = errors.New("mirror: invalid argument")
	// ErrOutOfMemory is returned when the OS refuses to reserve or map the region.
	ErrOutOfMemory = errors.New("mirror: out of memory")
	// ErrReleased is returned when releasing a region twice.
	ErrReleased = errors.New("mirror: region already released")
)
