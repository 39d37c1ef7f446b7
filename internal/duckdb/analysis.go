package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// SaveAnalysis implements model.AnalysisStore.
func (s *Store) SaveAnalysis(ctx context.Context, r *model.AnalysisResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("duckdb: marshal analysis %s: %w", r.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO analysis_results
		(id, type, timestamp, window_start, window_end, result) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Type), r.Timestamp.UTC(), r.Window.Start.UTC(), r.Window.End.UTC(), string(data))
	if err != nil {
		return fmt.Errorf("duckdb: save analysis %s: %w", r.ID, err)
	}
	return nil
}

// AnalysesBetween implements model.AnalysisStore: results whose window
// intersects [start, end], oldest first.
func (s *Store) AnalysesBetween(ctx context.Context, start, end time.Time) ([]*model.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT CAST(result AS VARCHAR) FROM analysis_results
		WHERE window_start <= ? AND window_end >= ? ORDER BY timestamp`, end.UTC(), start.UTC())
	if err != nil {
		return nil, fmt.Errorf("duckdb: analyses between: %w", err)
	}
	defer rows.Close()

	var out []*model.AnalysisResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			s.logger.Warn("scan analysis row", zap.Error(err))
			continue
		}
		var r model.AnalysisResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.logger.Warn("decode analysis row", zap.Error(err))
			continue
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteAnalysesBefore removes results whose window ended before cutoff.
func (s *Store) DeleteAnalysesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM analysis_results WHERE window_end < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("duckdb: delete analyses: %w", err)
	}
	return res.RowsAffected()
}
