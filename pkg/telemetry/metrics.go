// Package telemetry holds the Prometheus collectors and OpenTelemetry
// instruments recorded by the mirrored region allocator and queue.
package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const namespace = "mirror_ring"

// Allocation results.
const (
	ResultSuccess         = "success"
	ResultInvalidArgument = "invalid_argument"
	ResultOutOfMemory     = "out_of_memory"
)

// Metrics is a prometheus.Collector. Every recording method is safe on a nil receiver.
type Metrics struct {
	allocations    *prometheus.CounterVec
	collisions     prometheus.Counter
	releases       prometheus.Counter
	mappedBytes    prometheus.Gauge
	growths        prometheus.Counter
	growthFailures prometheus.Counter

	otelAllocations metric.Int64Counter
	otelCollisions  metric.Int64Counter
	otelMapped      metric.Int64UpDownCounter
	otelGrowths     metric.Int64Counter
}

// NewMetrics creates unregistered collectors. A nil meter records nothing to OpenTelemetry.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &Metrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Mirrored region allocations by result.",
		}, []string{"result"}),
		collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collisions_total",
			Help:      "Allocation attempts abandoned because the mirror hole was taken.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Mirrored regions released.",
		}),
		mappedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mapped_bytes",
			Help:      "Virtual bytes currently mapped by live mirrored regions.",
		}),
		growths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_growths_total",
			Help:      "Queue capacity increases.",
		}),
		growthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_growth_failures_total",
			Help:      "Queue capacity increases that could not be satisfied.",
		}),
	}

	var err error
	if m.otelAllocations, err = meter.Int64Counter("mirror_ring.allocations",
		metric.WithDescription("Mirrored region allocations by result.")); err != nil {
		return nil, err
	}
	if m.otelCollisions, err = meter.Int64Counter("mirror_ring.collisions",
		metric.WithDescription("Allocation attempts abandoned because the mirror hole was taken.")); err != nil {
		return nil, err
	}
	if m.otelMapped, err = meter.Int64UpDownCounter("mirror_ring.mapped",
		metric.WithUnit("By"),
		metric.WithDescription("Virtual bytes currently mapped by live mirrored regions.")); err != nil {
		return nil, err
	}
	if m.otelGrowths, err = meter.Int64Counter("mirror_ring.queue.growths",
		metric.WithDescription("Queue capacity increases by result.")); err != nil {
		return nil, err
	}
	return m, nil
}

var defaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(nil)
	if err != nil {
		panic(err)
	}
	return m
})

// Default returns the process-wide Metrics used when no other is configured.
func Default() *Metrics {
	return defaultMetrics()
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.allocations,
		m.collisions,
		m.releases,
		m.mappedBytes,
		m.growths,
		m.growthFailures,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// Allocated records a successful allocation of size mapped bytes.
func (m *Metrics) Allocated(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(ResultSuccess).Inc()
	m.mappedBytes.Add(float64(size))
	m.otelAllocations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", ResultSuccess)))
	m.otelMapped.Add(ctx, int64(size))
}

// AllocationFailed records a failed allocation with one of the Result constants.
func (m *Metrics) AllocationFailed(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
	m.otelAllocations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Collision records one abandoned allocation attempt.
func (m *Metrics) Collision(ctx context.Context) {
	if m == nil {
		return
	}
	m.collisions.Inc()
	m.otelCollisions.Add(ctx, 1)
}

// Released records the release of size mapped bytes.
func (m *Metrics) Released(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.releases.Inc()
	m.mappedBytes.Sub(float64(size))
	m.otelMapped.Add(ctx, -int64(size))
}

// Grew records a queue capacity increase.
func (m *Metrics) Grew(ctx context.Context) {
	if m == nil {
		return
	}
	m.growths.Inc()
	m.otelGrowths.Add(ctx, 1, metric.WithAttributes(attribute.String("result", ResultSuccess)))
}

// GrowthFailed records a queue capacity increase that could not happen.
func (m *Metrics) GrowthFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.growthFailures.Inc()
	m.otelGrowths.Add(ctx, 1, metric.WithAttributes(attribute.String("result", ResultOutOfMemory)))
}
