package sink

import (
	"context"
	"sort"
	"time"

	"github.com/tinytelemetry/beacon/internal/model"
)

// EntryRing is the in-memory log ring. It doubles as the analyzer input and
// the reporter's log statistics source when no database is configured.
type EntryRing struct {
	*Ring[*model.LogEntry]
}

// NewEntryRing creates a log ring with the given capacity.
func NewEntryRing(capacity int) *EntryRing {
	return &EntryRing{Ring: NewRing("memory", capacity, func(e *model.LogEntry) time.Time { return e.Timestamp })}
}

// EntriesBetween implements model.EntrySource.
func (r *EntryRing) EntriesBetween(_ context.Context, start, end time.Time) ([]*model.LogEntry, error) {
	return r.Between(start, end), nil
}

// LevelCounts implements model.LogStatsSource.
func (r *EntryRing) LevelCounts(_ context.Context, start, end time.Time) ([]model.LevelCount, error) {
	return CountLevels(r.Between(start, end)), nil
}

// TopErrorMessages implements model.LogStatsSource.
func (r *EntryRing) TopErrorMessages(_ context.Context, start, end time.Time, limit int) ([]model.MessageCount, error) {
	return TopErrors(r.Between(start, end), limit), nil
}

// CountLevels tallies entries per level, ordered by level name.
func CountLevels(entries []*model.LogEntry) []model.LevelCount {
	counts := make(map[model.Level]int64)
	for _, e := range entries {
		counts[e.Level]++
	}
	out := make([]model.LevelCount, 0, len(counts))
	for lvl, n := range counts {
		out = append(out, model.LevelCount{Level: lvl, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// TopErrors returns the most frequent ERROR messages, most frequent first.
func TopErrors(entries []*model.LogEntry, limit int) []model.MessageCount {
	counts := make(map[string]int64)
	for _, e := range entries {
		if e.Level == model.LevelError {
			counts[e.Message]++
		}
	}
	out := make([]model.MessageCount, 0, len(counts))
	for msg, n := range counts {
		out = append(out, model.MessageCount{Message: msg, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
