package duckdb

import (
	"context"

	"github.com/tinytelemetry/beacon/internal/model"
)

// LogSink adapts the store to a log buffer sink.
type LogSink struct{ store *Store }

// MetricSink adapts the store to a metric buffer sink.
type MetricSink struct{ store *Store }

// LogSink returns a sink writing entries to the logs table.
func (s *Store) LogSink() *LogSink { return &LogSink{store: s} }

// MetricSink returns a sink writing metrics to the metrics table.
func (s *Store) MetricSink() *MetricSink { return &MetricSink{store: s} }

func (l *LogSink) Name() string { return "duckdb:logs" }

func (l *LogSink) Write(ctx context.Context, entries []*model.LogEntry) error {
	return l.store.InsertLogs(ctx, entries)
}

func (m *MetricSink) Name() string { return "duckdb:metrics" }

func (m *MetricSink) Write(ctx context.Context, metrics []*model.PerformanceMetric) error {
	return m.store.InsertMetrics(ctx, metrics)
}
