package model

import (
	"context"
	"time"
)

// Identifiable items carry a stable identity used to suppress duplicate writes.
type Identifiable interface {
	Identity() string
}

// EntrySink accepts log entries produced by the collector.
type EntrySink interface {
	Add(entry *LogEntry)
}

// EntrySource answers window queries over flushed log entries.
type EntrySource interface {
	EntriesBetween(ctx context.Context, start, end time.Time) ([]*LogEntry, error)
}

// LogStatsSource provides the log statistics a report needs.
type LogStatsSource interface {
	LevelCounts(ctx context.Context, start, end time.Time) ([]LevelCount, error)
	TopErrorMessages(ctx context.Context, start, end time.Time, limit int) ([]MessageCount, error)
}

// AnalysisStore persists and lists analysis results.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, result *AnalysisResult) error
	AnalysesBetween(ctx context.Context, start, end time.Time) ([]*AnalysisResult, error)
}

// MetricSummarySource rolls stored metrics up per key for reporting.
type MetricSummarySource interface {
	MetricSummaries(ctx context.Context, start, end time.Time) ([]MetricSummary, error)
}
