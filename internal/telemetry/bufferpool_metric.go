package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics holds all the metric instruments for the buffer pool.
// A nil *BufferPoolMetrics is valid and records nothing.
type BufferPoolMetrics struct {
	HitsCounter              metric.Int64Counter
	MissesCounter            metric.Int64Counter
	EvictionsCounter         metric.Int64Counter
	FlushesCounter           metric.Int64Counter
	PinnedPagesUpDownCounter metric.Int64UpDownCounter
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hits, err := meter.Int64Counter(
		"pagekv.bufferpool.hits",
		metric.WithDescription("Page requests served from a resident slot."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"pagekv.bufferpool.misses",
		metric.WithDescription("Page requests that needed a slot and a disk read."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"pagekv.bufferpool.evictions",
		metric.WithDescription("Slots reclaimed from an unpinned page."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"pagekv.bufferpool.flushes",
		metric.WithDescription("Pages written back to the store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinned, err := meter.Int64UpDownCounter(
		"pagekv.bufferpool.pinned_pages",
		metric.WithDescription("Resident pages with a non-zero pin count."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		HitsCounter:              hits,
		MissesCounter:            misses,
		EvictionsCounter:         evictions,
		FlushesCounter:           flushes,
		PinnedPagesUpDownCounter: pinned,
	}, nil
}

func (m *BufferPoolMetrics) RecordHit(ctx context.Context) {
	if m != nil {
		m.HitsCounter.Add(ctx, 1)
	}
}

func (m *BufferPoolMetrics) RecordMiss(ctx context.Context) {
	if m != nil {
		m.MissesCounter.Add(ctx, 1)
	}
}

func (m *BufferPoolMetrics) RecordEviction(ctx context.Context) {
	if m != nil {
		m.EvictionsCounter.Add(ctx, 1)
	}
}

func (m *BufferPoolMetrics) RecordFlush(ctx context.Context) {
	if m != nil {
		m.FlushesCounter.Add(ctx, 1)
	}
}

// RecordPinTransition adjusts the pinned-page gauge by delta (+1 when a page
// gains its first pin, -1 when it loses its last).
func (m *BufferPoolMetrics) RecordPinTransition(ctx context.Context, delta int64) {
	if m != nil {
		m.PinnedPagesUpDownCounter.Add(ctx, delta)
	}
}
