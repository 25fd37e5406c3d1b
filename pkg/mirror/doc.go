// Package mirror allocates mirrored regions: address ranges made of several
// equal, page-aligned chunks that all map the same physical pages.
//
// A byte written at offset o of any chunk is visible at offset o of every
// other chunk, so data that runs past the end of one chunk continues at the
// start of the same storage. This lets a ring buffer hand out contiguous
// slices without splitting reads and writes at the wrap point.
//
// Example usage:
//
//	r, err := mirror.Allocate(mirror.PageSize(), 2)
//	if err != nil {
//		return err
//	}
//	defer r.Release()
//	r.Chunk(0)[0] = 'x' // r.Chunk(1)[0] == 'x'
//
// The allocator reserves the full range, drops every chunk but the first and
// maps the first chunk's storage into the hole. Another mapping made by the
// process can land in the hole first; such attempts are thrown away and
// retried until one succeeds or the OS reports a real failure.
package mirror
