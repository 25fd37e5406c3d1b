package mirror

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/mirror-ring/internal/shm"
	"github.com/srediag/mirror-ring/pkg/telemetry"
)

// Option configures an Allocator.
type Option func(*Allocator)

// WithTracer sets the tracer used for allocation spans.
func WithTracer(t trace.Tracer) Option {
	return func(a *Allocator) {
		if t != nil {
			a.tracer = t
		}
	}
}

// WithMetrics replaces the process-wide telemetry.Default metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Allocator) {
		a.metrics = m
	}
}

func withVM(vm shm.VM) Option {
	return func(a *Allocator) {
		a.vm = vm
	}
}
