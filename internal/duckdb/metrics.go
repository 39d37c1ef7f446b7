package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// InsertMetrics writes metrics in one transaction, skipping ids already stored.
func (s *Store) InsertMetrics(ctx context.Context, metrics []*model.PerformanceMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO metrics
			(id, type, name, timestamp, value, unit, tags, details) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range metrics {
			tags, err := jsonOrNil(m.Tags, len(m.Tags) == 0)
			if err != nil {
				return fmt.Errorf("metric %s: %w", m.ID, err)
			}
			details, err := jsonOrNil(metricDetails(m), metricDetails(m) == nil)
			if err != nil {
				return fmt.Errorf("metric %s: %w", m.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, m.ID, string(m.Type), m.Name, m.Timestamp.UTC(),
				m.Value, nullString(m.Unit), tags, details); err != nil {
				return fmt.Errorf("metric %s: %w", m.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("duckdb: insert metrics: %w", err)
	}
	return nil
}

func metricDetails(m *model.PerformanceMetric) any {
	switch {
	case m.HTTP != nil:
		return m.HTTP
	case m.Database != nil:
		return m.Database
	case m.System != nil:
		return m.System
	case m.Cache != nil:
		return m.Cache
	case m.Business != nil:
		return m.Business
	}
	return nil
}

// MetricSummaries implements model.MetricSummarySource.
func (s *Store) MetricSummaries(ctx context.Context, start, end time.Time) ([]model.MetricSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT type || ':' || name AS key, COUNT(*),
		AVG(value), MIN(value), MAX(value), quantile_disc(value, 0.95)
		FROM metrics WHERE timestamp BETWEEN ? AND ?
		GROUP BY key ORDER BY key`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("duckdb: metric summaries: %w", err)
	}
	defer rows.Close()

	var out []model.MetricSummary
	for rows.Next() {
		var ms model.MetricSummary
		if err := rows.Scan(&ms.Key, &ms.Count, &ms.Avg, &ms.Min, &ms.Max, &ms.P95); err != nil {
			s.logger.Warn("scan metric summary", zap.Error(err))
			continue
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

// MetricCount returns the number of stored metrics.
func (s *Store) MetricCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics`).Scan(&n); err != nil {
		return 0, fmt.Errorf("duckdb: count metrics: %w", err)
	}
	return n, nil
}
