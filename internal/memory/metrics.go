package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const memoryInstrumentationName = "github.com/fyrsmithlabs/reflectmem/internal/memory"

// Metrics holds engine-level metrics.
type Metrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	writes         metric.Int64Counter
	retrievals     metric.Int64Counter
	retrievalHits  metric.Int64Histogram
	pruned         metric.Int64Counter
	consolidations metric.Int64Counter
	writeDuration  metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance for the engine.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(memoryInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.writes, err = m.meter.Int64Counter(
		"reflectmem.engine.writes_total",
		metric.WithDescription("Total write attempts by outcome (stored, rejected_duplicate, error)"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		m.logger.Warn("failed to create writes counter", zap.Error(err))
	}

	m.retrievals, err = m.meter.Int64Counter(
		"reflectmem.engine.retrievals_total",
		metric.WithDescription("Total retrieval calls"),
		metric.WithUnit("{retrieval}"),
	)
	if err != nil {
		m.logger.Warn("failed to create retrievals counter", zap.Error(err))
	}

	m.retrievalHits, err = m.meter.Int64Histogram(
		"reflectmem.engine.retrieval_hits",
		metric.WithDescription("Records returned per retrieval, after the relevance filter"),
		metric.WithUnit("{record}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 4, 5, 10),
	)
	if err != nil {
		m.logger.Warn("failed to create retrieval hits histogram", zap.Error(err))
	}

	m.pruned, err = m.meter.Int64Counter(
		"reflectmem.engine.records_pruned_total",
		metric.WithDescription("Records deleted by decay pruning"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		m.logger.Warn("failed to create pruned counter", zap.Error(err))
	}

	m.consolidations, err = m.meter.Int64Counter(
		"reflectmem.engine.consolidations_total",
		metric.WithDescription("Consolidation attempts by outcome (applied, rolled_back)"),
		metric.WithUnit("{consolidation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create consolidations counter", zap.Error(err))
	}

	m.writeDuration, err = m.meter.Float64Histogram(
		"reflectmem.engine.write_duration_seconds",
		metric.WithDescription("Duration of the full write path including maintenance"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		m.logger.Warn("failed to create write duration histogram", zap.Error(err))
	}
}

// RecordWrite records a write attempt and its duration.
func (m *Metrics) RecordWrite(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.writes != nil {
		m.writes.Add(ctx, 1, attrs)
	}
	if m.writeDuration != nil {
		m.writeDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordRetrieval records a retrieval call and its result count.
func (m *Metrics) RecordRetrieval(ctx context.Context, hits int) {
	if m.retrievals != nil {
		m.retrievals.Add(ctx, 1)
	}
	if m.retrievalHits != nil {
		m.retrievalHits.Record(ctx, int64(hits))
	}
}

// RecordPruned records the number of records removed by a decay pass.
func (m *Metrics) RecordPruned(ctx context.Context, count int) {
	if count > 0 && m.pruned != nil {
		m.pruned.Add(ctx, int64(count))
	}
}

// RecordConsolidation records a consolidation attempt.
func (m *Metrics) RecordConsolidation(ctx context.Context, outcome string) {
	if m.consolidations != nil {
		m.consolidations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
