package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// ErrBatchRunning is returned when a batch pass is already in progress.
var ErrBatchRunning = errors.New("batch analysis already running")

// BatchConfig controls the batch pass.
type BatchConfig struct {
	Window     time.Duration
	Types      []model.AnalysisType
	Thresholds Thresholds
}

// BatchObserver is notified of each completed or failed analysis.
type BatchObserver interface {
	AnalysisCompleted(kind model.AnalysisType, alerts int)
	AnalysisFailed(kind model.AnalysisType)
}

// Batch runs the configured analyses over a window of stored entries.
type Batch struct {
	source   model.EntrySource
	store    model.AnalysisStore
	cfg      BatchConfig
	logger   *zap.Logger
	observer BatchObserver
	now      func() time.Time

	running atomic.Bool
}

// NewBatch creates a batch analyzer. store may be nil to skip persistence.
func NewBatch(source model.EntrySource, store model.AnalysisStore, cfg BatchConfig, logger *zap.Logger, now func() time.Time) *Batch {
	if cfg.Window <= 0 {
		cfg.Window = model.DefaultBatchWindow
	}
	if len(cfg.Types) == 0 {
		cfg.Types = model.AnalysisTypes
	}
	if cfg.Thresholds.ErrorCount <= 0 {
		cfg.Thresholds.ErrorCount = DefaultErrorCountThreshold
	}
	if cfg.Thresholds.AvgResponseTime <= 0 {
		cfg.Thresholds.AvgResponseTime = DefaultAvgResponseTime
	}
	if cfg.Thresholds.ErrorRate <= 0 {
		cfg.Thresholds.ErrorRate = DefaultBatchErrorRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Batch{source: source, store: store, cfg: cfg, logger: logger, now: now}
}

// SetObserver installs o; call before the first pass.
func (b *Batch) SetObserver(o BatchObserver) { b.observer = o }

// Window is the lookback of each pass.
func (b *Batch) Window() time.Duration { return b.cfg.Window }

// RunBatch analyzes the trailing window ending now.
func (b *Batch) RunBatch(ctx context.Context) ([]*model.AnalysisResult, error) {
	end := b.now()
	return b.Analyze(ctx, model.Window{Start: end.Add(-b.cfg.Window), End: end})
}

// Analyze runs every configured analysis over w. A failing analysis is
// logged and skipped; the others still run and are stored.
func (b *Batch) Analyze(ctx context.Context, w model.Window) ([]*model.AnalysisResult, error) {
	if !b.running.CompareAndSwap(false, true) {
		return nil, ErrBatchRunning
	}
	defer b.running.Store(false)

	entries, err := b.source.EntriesBetween(ctx, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	results := make([]*model.AnalysisResult, 0, len(b.cfg.Types))
	for _, kind := range b.cfg.Types {
		res, err := b.runOne(kind, entries, w)
		if err != nil {
			b.logger.Error("analysis failed", zap.String("type", string(kind)), zap.Error(err))
			if b.observer != nil {
				b.observer.AnalysisFailed(kind)
			}
			continue
		}
		if b.store != nil {
			if err := b.store.SaveAnalysis(ctx, res); err != nil {
				b.logger.Error("save analysis", zap.String("type", string(kind)), zap.Error(err))
			}
		}
		if b.observer != nil {
			b.observer.AnalysisCompleted(kind, len(res.Alerts))
		}
		b.logger.Debug("analysis complete",
			zap.String("type", string(kind)),
			zap.Int("entries", len(entries)),
			zap.Int("alerts", len(res.Alerts)))
		results = append(results, res)
	}
	return results, nil
}

func (b *Batch) runOne(kind model.AnalysisType, entries []*model.LogEntry, w model.Window) (res *model.AnalysisResult, err error) {
	fn, ok := analyses[kind]
	if !ok {
		return nil, fmt.Errorf("unknown analysis type %q", kind)
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	o := fn(entries, b.cfg.Thresholds)
	return &model.AnalysisResult{
		ID:              uuid.NewString(),
		Type:            kind,
		Timestamp:       b.now(),
		Window:          w,
		Metrics:         o.metrics,
		Insights:        nonNil(o.insights),
		Alerts:          o.alerts,
		Recommendations: nonNil(o.recommendations),
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
