package mirror

import (
	"context"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/mirror-ring/internal/logging"
	"github.com/srediag/mirror-ring/internal/shm"
	"github.com/srediag/mirror-ring/pkg/telemetry"
)

// Allocator creates mirrored regions. The zero value is not usable; use
// NewAllocator. An Allocator is safe for concurrent use.
type Allocator struct {
	vm      shm.VM
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	log     *logging.Logger
}

// NewAllocator returns an Allocator backed by the host's virtual memory.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		vm:      shm.Host(),
		tracer:  noop.NewTracerProvider().Tracer(""),
		metrics: telemetry.Default(),
		log:     logging.New("mirror", nil),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var defaultAllocator = NewAllocator()

// DefaultAllocator returns the Allocator used by the package level functions.
func DefaultAllocator() *Allocator {
	return defaultAllocator
}

// PageSize returns the platform page size. Chunk sizes must be multiples of it.
func PageSize() int {
	return shm.PageSize()
}

// Allocate returns a region of copies chunks of chunkSize bytes each, all
// aliasing the same storage, using the default Allocator.
func Allocate(chunkSize, copies int) (*Region, error) {
	return defaultAllocator.AllocateContext(context.Background(), chunkSize, copies)
}

// Allocate is AllocateContext with a background context.
func (a *Allocator) Allocate(chunkSize, copies int) (*Region, error) {
	return a.AllocateContext(context.Background(), chunkSize, copies)
}

// AllocateContext allocates a mirrored region. ctx only parents the trace
// span; the allocation itself cannot be cancelled.
//
// chunkSize must be a positive multiple of PageSize and copies at least 2,
// otherwise ErrInvalidArgument is returned. Failures from the OS other than
// an occupied target range are returned wrapped in ErrOutOfMemory.
func (a *Allocator) AllocateContext(ctx context.Context, chunkSize, copies int) (*Region, error) {
	ctx, span := a.tracer.Start(ctx, "mirror.Allocate", trace.WithAttributes(
		attribute.Int("mirror.chunk_size", chunkSize),
		attribute.Int("mirror.copies", copies),
	))
	defer span.End()

	if err := validate(chunkSize, copies); err != nil {
		a.metrics.AllocationFailed(ctx, telemetry.ResultInvalidArgument)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var (
		base     unsafe.Pointer
		attempts int
	)
	op := func() error {
		attempts++
		b, err := a.attempt(chunkSize, copies)
		if err == nil {
			base = b
			return nil
		}
		if errors.Is(err, shm.ErrCollision) {
			a.metrics.Collision(ctx)
			a.log.Debugf("mirror hole taken on attempt %d (chunk=%d copies=%d), retrying", attempts, chunkSize, copies)
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, &backoff.ZeroBackOff{})
	span.SetAttributes(attribute.Int("mirror.attempts", attempts))
	if err != nil {
		a.metrics.AllocationFailed(ctx, telemetry.ResultOutOfMemory)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r := &Region{
		base:      base,
		chunkSize: chunkSize,
		copies:    copies,
		owner:     a,
	}
	a.metrics.Allocated(ctx, r.Len())
	a.log.Tracef("allocated mirrored region %p chunk=%d copies=%d attempts=%d", base, chunkSize, copies, attempts)
	return r, nil
}

func validate(chunkSize, copies int) error {
	if copies < 2 {
		return fmt.Errorf("%w: copies %d, need at least 2", ErrInvalidArgument, copies)
	}
	if chunkSize <= 0 || chunkSize%PageSize() != 0 {
		return fmt.Errorf("%w: chunk size %d is not a positive multiple of page size %d",
			ErrInvalidArgument, chunkSize, PageSize())
	}
	if chunkSize > math.MaxInt/copies {
		return fmt.Errorf("%w: %d copies of %d bytes overflow the address space",
			ErrInvalidArgument, copies, chunkSize)
	}
	return nil
}

// attempt makes one pass of reserve, punch the hole, alias into the hole.
// It returns shm.ErrCollision, unwrapped, when the hole was taken; every
// mapping made by the attempt has been released by then.
func (a *Allocator) attempt(chunkSize, copies int) (unsafe.Pointer, error) {
	span := chunkSize * copies
	seg, err := a.vm.Reserve(chunkSize, span)
	if err != nil {
		return nil, fmt.Errorf("%w: reserve %d bytes: %w", ErrOutOfMemory, span, err)
	}
	defer func() {
		if err := a.vm.Detach(seg); err != nil {
			a.log.Warnf("detach memory object of %p: %v", seg.Addr, err)
		}
	}()

	tail := span - chunkSize
	if err := a.vm.Release(unsafe.Add(seg.Addr, chunkSize), tail); err != nil {
		a.rollback(seg.Addr, span)
		return nil, fmt.Errorf("%w: release tail of %d bytes: %w", ErrOutOfMemory, tail, err)
	}

	for i := 1; i < copies; i++ {
		err := a.vm.Alias(seg, unsafe.Add(seg.Addr, i*chunkSize))
		if err == nil {
			continue
		}
		if rerr := a.rollback(seg.Addr, i*chunkSize); rerr != nil {
			return nil, fmt.Errorf("%w: release partial region: %w", ErrOutOfMemory, rerr)
		}
		if errors.Is(err, shm.ErrCollision) {
			return nil, shm.ErrCollision
		}
		return nil, fmt.Errorf("%w: map chunk %d: %w", ErrOutOfMemory, i, err)
	}
	return seg.Addr, nil
}

func (a *Allocator) rollback(addr unsafe.Pointer, length int) error {
	err := a.vm.Release(addr, length)
	if err != nil {
		a.log.Warnf("release %d bytes at %p: %v", length, addr, err)
	}
	return err
}
