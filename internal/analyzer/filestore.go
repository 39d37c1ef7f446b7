package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/journal"
	"github.com/tinytelemetry/beacon/internal/model"
)

// FileTimestampLayout is the timestamp embedded in analysis file names.
const FileTimestampLayout = "20060102T150405.000Z"

// FilePrefix starts every analysis file name.
const FilePrefix = "analysis-"

// FileStore keeps each analysis result as one JSON document in a directory.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create analysis dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string { return s.dir }

// FileName returns the file name a result is stored under.
func FileName(r *model.AnalysisResult) string {
	return fmt.Sprintf("%s%s-%s.json", FilePrefix, r.Type, r.Timestamp.UTC().Format(FileTimestampLayout))
}

// SaveAnalysis writes r atomically.
func (s *FileStore) SaveAnalysis(_ context.Context, r *model.AnalysisResult) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	if err := journal.WriteFileAtomic(filepath.Join(s.dir, FileName(r)), data); err != nil {
		return fmt.Errorf("write analysis: %w", err)
	}
	return nil
}

// AnalysesBetween returns the stored results whose window intersects
// [start, end], oldest first. Unreadable files are skipped.
func (s *FileStore) AnalysesBetween(ctx context.Context, start, end time.Time) ([]*model.AnalysisResult, error) {
	des, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read analysis dir: %w", err)
	}

	query := model.Window{Start: start, End: end}
	var out []*model.AnalysisResult
	for _, de := range des {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("read analysis file", zap.String("file", name), zap.Error(err))
			continue
		}
		var r model.AnalysisResult
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("decode analysis file", zap.String("file", name), zap.Error(err))
			continue
		}
		if r.Window.Overlaps(query) {
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// MultiStore saves to every store and lists from the first.
type MultiStore []model.AnalysisStore

// SaveAnalysis writes r to each store, joining the failures.
func (m MultiStore) SaveAnalysis(ctx context.Context, r *model.AnalysisResult) error {
	var errs []error
	for _, s := range m {
		if err := s.SaveAnalysis(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AnalysesBetween queries the primary store.
func (m MultiStore) AnalysesBetween(ctx context.Context, start, end time.Time) ([]*model.AnalysisResult, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return m[0].AnalysesBetween(ctx, start, end)
}
