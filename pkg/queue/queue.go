/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package queue implements a byte queue on top of a two-copy mirrored region.
//
// Because the second half of the region maps the first, the unread bytes and
// the free space are always one contiguous slice, even when they run past the
// end of the ring. Callers can hand those slices straight to read(2),
// write(2) or a decoder without splitting them at the wrap point.
//
// The pointer-level API (ReadPointer, AdvanceReadPointer, EnsureWriteSpace,
// WritePointer, AdvanceWritePointer) does not lock. A reader goroutine and a
// writer goroutine sharing a Queue must bracket it with LockAllocation and
// UnlockAllocation, or use Read, Write, ReadFrom and WriteTo, which do so
// themselves.
package queue

import (
	"context"
	"fmt"
	"io"
	"sync"
	"unsafe"

	"github.com/srediag/mirror-ring/api"
	"github.com/srediag/mirror-ring/internal/logging"
	"github.com/srediag/mirror-ring/internal/shm"
	"github.com/srediag/mirror-ring/pkg/mirror"
	"github.com/srediag/mirror-ring/pkg/telemetry"
)

var (
	_ api.Ring      = (*Queue)(nil)
	_ io.ReaderFrom = (*Queue)(nil)
	_ io.WriterTo   = (*Queue)(nil)

	internalLogger = logging.New("queue", nil)
)

// Queue is a growable byte queue backed by a mirrored region.
type Queue struct {
	mu sync.Mutex

	alloc   *mirror.Allocator
	metrics *telemetry.Metrics
	guard   bool
	maxCap  int

	region   *mirror.Region
	buf      []byte // both halves of region
	capacity int
	write    int // in [0, capacity)
	used     int // in [0, capacity]
}

// New creates a Queue. A nil config means DefaultConfig().
func New(config *Config) (*Queue, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	ps := mirror.PageSize()
	q := &Queue{
		alloc:   config.Allocator,
		metrics: config.Metrics,
		guard:   config.HostMemoryGuard,
		maxCap:  config.MaxCapacity / ps * ps,
	}
	if q.alloc == nil {
		q.alloc = mirror.DefaultAllocator()
	}
	if q.metrics == nil {
		q.metrics = telemetry.Default()
	}

	capacity := roundUp(config.InitialCapacity, ps)
	region, err := q.alloc.Allocate(capacity, 2)
	if err != nil {
		return nil, err
	}
	q.region = region
	q.buf = region.Bytes()
	q.capacity = capacity
	return q, nil
}

// Capacity returns the current size of the ring in bytes.
func (q *Queue) Capacity() int {
	return q.capacity
}

// AvailableBytes returns the number of unread bytes.
func (q *Queue) AvailableBytes() int {
	return q.used
}

// Free returns the number of bytes that can be written without growing.
func (q *Queue) Free() int {
	return q.capacity - q.used
}

func (q *Queue) readOffset() int {
	return (q.write - q.used + q.capacity) % q.capacity
}

// ReadPointer returns the address of the first unread byte.
func (q *Queue) ReadPointer() unsafe.Pointer {
	return unsafe.Pointer(&q.buf[q.readOffset()])
}

// Readable returns the unread bytes as one slice. It is valid until the next
// call that grows the queue.
func (q *Queue) Readable() []byte {
	start := q.readOffset()
	return q.buf[start : start+q.used : start+q.used]
}

// AdvanceReadPointer consumes n bytes. It panics if n is negative or larger
// than AvailableBytes.
func (q *Queue) AdvanceReadPointer(n int) {
	if n < 0 || n > q.used {
		panic(fmt.Sprintf("queue: advance read by %d with %d bytes available", n, q.used))
	}
	q.used -= n
}

// WritePointer returns the address where the next write begins.
func (q *Queue) WritePointer() unsafe.Pointer {
	return unsafe.Pointer(&q.buf[q.write])
}

// Writable returns the free space as one slice starting at WritePointer.
// It is valid until the next call that grows the queue.
func (q *Queue) Writable() []byte {
	end := q.write + q.capacity - q.used
	return q.buf[q.write:end:end]
}

// AdvanceWritePointer publishes n bytes written at WritePointer. It panics if
// n is negative or larger than Free.
func (q *Queue) AdvanceWritePointer(n int) {
	if n < 0 || n > q.capacity-q.used {
		panic(fmt.Sprintf("queue: advance write by %d with %d bytes free", n, q.capacity-q.used))
	}
	q.used += n
	q.write += n
	if q.write >= q.capacity {
		q.write -= q.capacity
	}
}

// EnsureWriteSpace makes at least n contiguous bytes writable at
// WritePointer, growing the ring if needed. It reports false only when the
// queue could not grow.
func (q *Queue) EnsureWriteSpace(n int) bool {
	if err := q.ensure(n); err != nil {
		internalLogger.Warnf("ensure %d bytes of write space: %v", n, err)
		return false
	}
	return true
}

// LockAllocation acquires the queue lock.
func (q *Queue) LockAllocation() {
	q.mu.Lock()
}

// UnlockAllocation releases the queue lock.
func (q *Queue) UnlockAllocation() {
	q.mu.Unlock()
}

func (q *Queue) ensure(n int) error {
	if q.region == nil {
		return ErrClosed
	}
	if n <= q.capacity-q.used {
		return nil
	}
	if err := q.grow(n); err != nil {
		q.metrics.GrowthFailed(context.Background())
		return err
	}
	q.metrics.Grew(context.Background())
	return nil
}

// grow moves the unread bytes to the start of a new region of at least
// twice the capacity, or exactly enough for n more bytes if that is larger.
func (q *Queue) grow(n int) error {
	ps := mirror.PageSize()
	need := q.used + n
	if need < q.used {
		return fmt.Errorf("%w: %d more bytes overflow the queue size", ErrNoSpace, n)
	}
	newCap := roundUp(max(2*q.capacity, need), ps)
	if q.maxCap > 0 && newCap > q.maxCap {
		if need > q.maxCap {
			return fmt.Errorf("%w: need %d bytes, max capacity is %d", ErrNoSpace, need, q.maxCap)
		}
		newCap = q.maxCap
	}
	if q.guard {
		// a resize holds both regions until the copy is done
		ok, err := shm.CanReserve(uint64(newCap))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNoSpace, err)
		}
		if !ok {
			return fmt.Errorf("%w: host cannot back %d more bytes", ErrNoSpace, newCap)
		}
	}

	region, err := q.alloc.Allocate(newCap, 2)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	buf := region.Bytes()
	copy(buf, q.Readable())

	old, oldCap := q.region, q.capacity
	q.region = region
	q.buf = buf
	q.capacity = newCap
	q.write = q.used
	if err := old.Release(); err != nil {
		internalLogger.Warnf("release old ring of %d bytes: %v", oldCap, err)
	}
	internalLogger.Infof("queue grew from %d to %d bytes with %d unread", oldCap, newCap, q.used)
	return nil
}

// Write appends p in full or not at all. If the queue cannot grow enough it
// returns 0 and an error wrapping ErrNoSpace, leaving the queue unchanged.
func (q *Queue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.region == nil {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := q.ensure(len(p)); err != nil {
		return 0, err
	}
	n := copy(q.Writable(), p)
	q.AdvanceWritePointer(n)
	return n, nil
}

// Read consumes up to len(p) bytes. An empty queue returns 0, io.EOF and is
// left untouched; more data may arrive later.
func (q *Queue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.region == nil {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if q.used == 0 {
		return 0, io.EOF
	}
	n := copy(p, q.Readable())
	q.AdvanceReadPointer(n)
	return n, nil
}

// Close releases the backing region. Unread bytes are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.region == nil {
		return ErrClosed
	}
	err := q.region.Release()
	q.region = nil
	q.buf = nil
	q.capacity = 0
	q.write = 0
	q.used = 0
	return err
}
