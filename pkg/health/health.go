// Package health exposes liveness and readiness probes for processes that
// depend on mirrored regions.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/mirror-ring/internal/shm"
	"github.com/srediag/mirror-ring/pkg/mirror"
)

// DefaultTimeout bounds every check added by NewHandler.
const DefaultTimeout = 2 * time.Second

var errNotMirrored = errors.New("health: canary region does not mirror")

// Options configures NewHandler.
type Options struct {
	// Allocator is probed by the liveness check; nil means mirror.DefaultAllocator().
	Allocator *mirror.Allocator
	// MinAvailable is the host memory, in bytes, below which the process is
	// reported not ready. Zero disables the readiness check.
	MinAvailable uint64
	// Timeout bounds each check; zero means DefaultTimeout.
	Timeout time.Duration
}

// NewHandler returns a healthcheck.Handler serving /live and /ready.
func NewHandler(opts Options) healthcheck.Handler {
	if opts.Allocator == nil {
		opts.Allocator = mirror.DefaultAllocator()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("mirror-canary", healthcheck.Timeout(MirrorCheck(opts.Allocator), opts.Timeout))
	if opts.MinAvailable > 0 {
		h.AddReadinessCheck("host-memory", healthcheck.Timeout(HostMemoryCheck(opts.MinAvailable), opts.Timeout))
	}
	return h
}

// MirrorCheck allocates a one page, two copy region, writes through each
// chunk and verifies the other one sees it.
func MirrorCheck(a *mirror.Allocator) healthcheck.Check {
	return func() error {
		r, err := a.Allocate(mirror.PageSize(), 2)
		if err != nil {
			return err
		}
		defer func() { _ = r.Release() }()

		first, second := r.Chunk(0), r.Chunk(1)
		last := len(first) - 1
		first[0] = 0xA5
		second[last] = 0x5A
		if second[0] != 0xA5 || first[last] != 0x5A {
			return errNotMirrored
		}
		return nil
	}
}

// HostMemoryCheck fails when the host reports less than minAvailable bytes available.
func HostMemoryCheck(minAvailable uint64) healthcheck.Check {
	return func() error {
		avail, err := shm.HostAvailable()
		if err != nil {
			return err
		}
		if avail < minAvailable {
			return fmt.Errorf("health: %d bytes available, want at least %d", avail, minAvailable)
		}
		return nil
	}
}
