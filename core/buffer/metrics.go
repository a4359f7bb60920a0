package buffer

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments the buffer manager updates
// on the hot path. Constructed once from pkg/telemetry's Meter and passed
// into NewBufferManager rather than reached through a package-level
// global.
type Metrics struct {
	hits          metric.Int64Counter
	misses        metric.Int64Counter
	evictions     metric.Int64Counter
	dirtyWrites   metric.Int64Counter
	faultLatency  metric.Float64Histogram
	residentPages metric.Int64UpDownCounter
}

// NewMetrics registers the buffer-pool instruments against meter. A nil
// meter (telemetry disabled) is handled by pkg/telemetry's noop.Meter, so
// every call here stays safe even when metrics export is off.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	hits, err := meter.Int64Counter("novadb.buffer.hits",
		metric.WithDescription("page requests served from a resident frame"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("novadb.buffer.misses",
		metric.WithDescription("page requests that required a read-through from the SSD region"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter("novadb.buffer.evictions",
		metric.WithDescription("frames evicted from a volatile region"))
	if err != nil {
		return nil, err
	}
	dirtyWrites, err := meter.Int64Counter("novadb.buffer.dirty_writebacks",
		metric.WithDescription("dirty frames written back to the SSD region on eviction"))
	if err != nil {
		return nil, err
	}
	faultLatency, err := meter.Float64Histogram("novadb.buffer.page_fault_latency_seconds",
		metric.WithDescription("latency of a read-through page fault"))
	if err != nil {
		return nil, err
	}
	residentPages, err := meter.Int64UpDownCounter("novadb.buffer.resident_pages",
		metric.WithDescription("frames currently resident in any volatile region"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		hits:          hits,
		misses:        misses,
		evictions:     evictions,
		dirtyWrites:   dirtyWrites,
		faultLatency:  faultLatency,
		residentPages: residentPages,
	}, nil
}

func (m *Metrics) recordHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.hits.Add(ctx, 1)
}

func (m *Metrics) recordMiss(ctx context.Context, latencySeconds float64) {
	if m == nil {
		return
	}
	m.misses.Add(ctx, 1)
	m.faultLatency.Record(ctx, latencySeconds)
}

func (m *Metrics) recordEviction(ctx context.Context, dirty bool) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1)
	if dirty {
		m.dirtyWrites.Add(ctx, 1)
	}
}

func (m *Metrics) adjustResident(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.residentPages.Add(ctx, delta)
}
