package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

const logColumns = `id, timestamp, level, message, service, module, user_id, session_id, ip,
	user_agent, url, method, status_code, response_time, error, metadata, tags, source, anonymized`

// InsertLogs writes entries in one transaction. Entries already stored under
// the same id are skipped, so a replayed batch is harmless.
func (s *Store) InsertLogs(ctx context.Context, entries []*model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO logs (`+logColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			args, err := logArgs(e)
			if err != nil {
				return fmt.Errorf("entry %s: %w", e.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("entry %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("duckdb: insert logs: %w", err)
	}
	return nil
}

func logArgs(e *model.LogEntry) ([]any, error) {
	errJSON, err := jsonOrNil(e.Error, e.Error == nil)
	if err != nil {
		return nil, err
	}
	metaJSON, err := jsonOrNil(e.Metadata, len(e.Metadata) == 0)
	if err != nil {
		return nil, err
	}
	tagsJSON, err := jsonOrNil(e.Tags, len(e.Tags) == 0)
	if err != nil {
		return nil, err
	}
	var status, rt any
	if e.StatusCode != 0 {
		status = e.StatusCode
	}
	if e.ResponseTime != nil {
		rt = *e.ResponseTime
	}
	return []any{
		e.ID, e.Timestamp.UTC(), string(e.Level), e.Message, e.Service,
		nullString(e.Module), nullString(e.UserID), nullString(e.SessionID), nullString(e.IP),
		nullString(e.UserAgent), nullString(e.URL), nullString(e.Method), status, rt,
		errJSON, metaJSON, tagsJSON, nullString(e.Source), e.Anonymized,
	}, nil
}

// EntriesBetween implements model.EntrySource.
func (s *Store) EntriesBetween(ctx context.Context, start, end time.Time) ([]*model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, level, message, service, module, user_id,
		session_id, ip, user_agent, url, method, status_code, response_time,
		CAST(error AS VARCHAR), CAST(metadata AS VARCHAR), CAST(tags AS VARCHAR), source, anonymized
		FROM logs WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("duckdb: entries between: %w", err)
	}
	defer rows.Close()

	var out []*model.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			s.logger.Warn("scan log row", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*model.LogEntry, error) {
	var (
		e                                        model.LogEntry
		level                                    string
		module, userID, sessionID, ip, ua, url   sql.NullString
		method, errJSON, metaJSON, tagsJSON, src sql.NullString
		status                                   sql.NullInt64
		rt                                       sql.NullFloat64
		anonymized                               sql.NullBool
	)
	if err := rows.Scan(&e.ID, &e.Timestamp, &level, &e.Message, &e.Service, &module, &userID,
		&sessionID, &ip, &ua, &url, &method, &status, &rt,
		&errJSON, &metaJSON, &tagsJSON, &src, &anonymized); err != nil {
		return nil, err
	}
	e.Level = model.Level(level)
	e.Module, e.UserID, e.SessionID, e.IP = module.String, userID.String, sessionID.String, ip.String
	e.UserAgent, e.URL, e.Method, e.Source = ua.String, url.String, method.String, src.String
	e.StatusCode = int(status.Int64)
	if rt.Valid {
		e.ResponseTime = model.Float64(rt.Float64)
	}
	e.Anonymized = anonymized.Bool
	e.Processed = true
	if errJSON.Valid {
		e.Error = &model.ErrorInfo{}
		if err := json.Unmarshal([]byte(errJSON.String), e.Error); err != nil {
			return nil, fmt.Errorf("error column: %w", err)
		}
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("metadata column: %w", err)
		}
	}
	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &e.Tags); err != nil {
			return nil, fmt.Errorf("tags column: %w", err)
		}
	}
	return &e, nil
}

// LevelCounts implements model.LogStatsSource.
func (s *Store) LevelCounts(ctx context.Context, start, end time.Time) ([]model.LevelCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT level, COUNT(*) FROM logs
		WHERE timestamp BETWEEN ? AND ? GROUP BY level ORDER BY level`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("duckdb: level counts: %w", err)
	}
	defer rows.Close()

	var out []model.LevelCount
	for rows.Next() {
		var lc model.LevelCount
		var level string
		if err := rows.Scan(&level, &lc.Count); err != nil {
			s.logger.Warn("scan level count", zap.Error(err))
			continue
		}
		lc.Level = model.Level(level)
		out = append(out, lc)
	}
	return out, rows.Err()
}

// TopErrorMessages implements model.LogStatsSource.
func (s *Store) TopErrorMessages(ctx context.Context, start, end time.Time, limit int) ([]model.MessageCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT message, COUNT(*) AS n FROM logs
		WHERE level = 'ERROR' AND timestamp BETWEEN ? AND ?
		GROUP BY message ORDER BY n DESC, message LIMIT ?`, start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("duckdb: top errors: %w", err)
	}
	defer rows.Close()

	var out []model.MessageCount
	for rows.Next() {
		var mc model.MessageCount
		if err := rows.Scan(&mc.Message, &mc.Count); err != nil {
			s.logger.Warn("scan error message", zap.Error(err))
			continue
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// LogCount returns the number of stored log entries.
func (s *Store) LogCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("duckdb: count logs: %w", err)
	}
	return n, nil
}
