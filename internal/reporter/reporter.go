// Package reporter assembles log statistics, analyses and alerts for a time
// window and renders them as JSON, HTML or CSV.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/logpattern"
	"github.com/tinytelemetry/beacon/internal/metrics"
	"github.com/tinytelemetry/beacon/internal/model"
)

var (
	ErrUnknownReportType = errors.New("unknown report type")
	ErrUnknownFormat     = errors.New("unknown report format")
)

// Type names the window a report covers.
type Type string

const (
	TypeDaily   Type = "daily"
	TypeWeekly  Type = "weekly"
	TypeMonthly Type = "monthly"
	TypeCustom  Type = "custom"
)

// Format is the rendered output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatCSV  Format = "csv"
)

// ParseFormat validates s.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatHTML, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FileTimestampLayout is the timestamp embedded in report file names.
const FileTimestampLayout = "20060102T150405.000Z"

// FilePrefix starts every report file name.
const FilePrefix = "log-report-"

// Report tuning.
const (
	TopErrorLimit = 10
	// TopErrorFetch is how many exact messages are clustered into the
	// TopErrorLimit patterns.
	TopErrorFetch         = 200
	ErrorRateAdvice       = 0.05
	ResponseTimeAdviceMs  = 1000.0
	DefaultScheduleFormat = FormatHTML
)

// AlertSource lists alerts fired within a window.
type AlertSource interface {
	AlertsBetween(start, end time.Time) []model.AlertEvent
}

// Config selects the report window and output.
type Config struct {
	Type   Type
	Start  time.Time
	End    time.Time
	Format Format
}

// Summary holds the headline numbers of a report.
type Summary struct {
	TotalLogs      int64   `json:"totalLogs"`
	Errors         int64   `json:"errors"`
	Warnings       int64   `json:"warnings"`
	ErrorRate      float64 `json:"errorRate"`
	Analyses       int     `json:"analyses"`
	Alerts         int     `json:"alerts"`
	ActiveAlerts   int     `json:"activeAlerts"`
	CriticalAlerts int     `json:"criticalAlerts"`
}

// Report is a point-in-time view of one window.
type Report struct {
	ID              string                  `json:"id"`
	Type            Type                    `json:"type"`
	GeneratedAt     time.Time               `json:"generatedAt"`
	Window          model.Window            `json:"window"`
	Summary         Summary                 `json:"summary"`
	LevelCounts     []model.LevelCount      `json:"levelCounts"`
	TopErrors       []model.MessageCount    `json:"topErrors"`
	Metrics         []model.MetricSummary   `json:"metrics,omitempty"`
	Analyses        []*model.AnalysisResult `json:"analyses"`
	Alerts          []model.AlertEvent      `json:"alerts"`
	Recommendations []string                `json:"recommendations"`
}

// Options carries optional collaborators.
type Options struct {
	Logger  *zap.Logger
	Alerts  AlertSource
	Metrics model.MetricSummarySource
	Now     func() time.Time
}

// Reporter builds and writes reports.
type Reporter struct {
	dir      string
	stats    model.LogStatsSource
	analyses model.AnalysisStore
	alerts   AlertSource
	metrics  model.MetricSummarySource
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a reporter writing into dir.
func New(dir string, stats model.LogStatsSource, analyses model.AnalysisStore, opts Options) (*Reporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reporter{
		dir:      dir,
		stats:    stats,
		analyses: analyses,
		alerts:   opts.Alerts,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
	}, nil
}

// Dir returns the output directory.
func (r *Reporter) Dir() string { return r.dir }

// WindowFor computes the window of a scheduled report type ending at now:
// daily is the last 24h, weekly the last 7 days, monthly the previous
// calendar month.
func WindowFor(t Type, now time.Time) (model.Window, error) {
	switch t {
	case TypeDaily:
		return model.Window{Start: now.Add(-24 * time.Hour), End: now}, nil
	case TypeWeekly:
		return model.Window{Start: now.AddDate(0, 0, -7), End: now}, nil
	case TypeMonthly:
		thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return model.Window{Start: thisMonth.AddDate(0, -1, 0), End: thisMonth.Add(-time.Nanosecond)}, nil
	}
	return model.Window{}, fmt.Errorf("%w: %q", ErrUnknownReportType, t)
}

// Build gathers the report data for cfg without rendering it.
func (r *Reporter) Build(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Type == "" {
		cfg.Type = TypeCustom
	}
	if !cfg.End.After(cfg.Start) {
		return nil, fmt.Errorf("report window end %s is not after start %s", cfg.End, cfg.Start)
	}

	rep := &Report{
		ID:          uuid.NewString(),
		Type:        cfg.Type,
		GeneratedAt: r.now(),
		Window:      model.Window{Start: cfg.Start, End: cfg.End},
		Alerts:      []model.AlertEvent{},
	}

	var err error
	if rep.LevelCounts, err = r.stats.LevelCounts(ctx, cfg.Start, cfg.End); err != nil {
		return nil, fmt.Errorf("level counts: %w", err)
	}
	messages, err := r.stats.TopErrorMessages(ctx, cfg.Start, cfg.End, TopErrorFetch)
	if err != nil {
		return nil, fmt.Errorf("top errors: %w", err)
	}
	rep.TopErrors = logpattern.Cluster(messages, TopErrorLimit)
	if rep.Analyses, err = r.analyses.AnalysesBetween(ctx, cfg.Start, cfg.End); err != nil {
		return nil, fmt.Errorf("analyses: %w", err)
	}
	if r.metrics != nil {
		if rep.Metrics, err = r.metrics.MetricSummaries(ctx, cfg.Start, cfg.End); err != nil {
			return nil, fmt.Errorf("metric summaries: %w", err)
		}
	}
	if r.alerts != nil {
		rep.Alerts = r.alerts.AlertsBetween(cfg.Start, cfg.End)
	}

	rep.Summary = summarize(rep)
	rep.Recommendations = recommend(rep)
	return rep, nil
}

// GenerateReport builds, renders and writes a report, returning it and the
// written path.
func (r *Reporter) GenerateReport(ctx context.Context, cfg Config) (*Report, string, error) {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if _, err := ParseFormat(string(cfg.Format)); err != nil {
		return nil, "", err
	}
	rep, err := r.Build(ctx, cfg)
	if err != nil {
		return nil, "", err
	}

	path := filepath.Join(r.dir, FileName(rep.Type, rep.GeneratedAt, cfg.Format))
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("create report file: %w", err)
	}
	if err := Render(f, rep, cfg.Format); err != nil {
		f.Close()
		os.Remove(path)
		return nil, "", err
	}
	if err := f.Close(); err != nil {
		return nil, "", fmt.Errorf("close report file: %w", err)
	}

	r.logger.Info("report generated",
		zap.String("type", string(rep.Type)),
		zap.String("format", string(cfg.Format)),
		zap.String("path", path),
		zap.Int64("logs", rep.Summary.TotalLogs),
		zap.Int("alerts", rep.Summary.Alerts))
	return rep, path, nil
}

// GenerateScheduledReport renders the report for a daily, weekly or monthly
// window ending now.
func (r *Reporter) GenerateScheduledReport(ctx context.Context, t Type, format Format) (*Report, string, error) {
	w, err := WindowFor(t, r.now())
	if err != nil {
		return nil, "", err
	}
	return r.GenerateReport(ctx, Config{Type: t, Start: w.Start, End: w.End, Format: format})
}

// FileName returns the report file name for the given type, time and format.
func FileName(t Type, ts time.Time, f Format) string {
	return fmt.Sprintf("%s%s-%s.%s", FilePrefix, t, ts.UTC().Format(FileTimestampLayout), f)
}

func summarize(rep *Report) Summary {
	var s Summary
	for _, lc := range rep.LevelCounts {
		s.TotalLogs += lc.Count
		switch lc.Level {
		case model.LevelError:
			s.Errors += lc.Count
		case model.LevelWarn:
			s.Warnings += lc.Count
		}
	}
	if s.TotalLogs > 0 {
		s.ErrorRate = float64(s.Errors) / float64(s.TotalLogs)
	}
	s.Analyses = len(rep.Analyses)
	s.Alerts = len(rep.Alerts)
	for _, a := range rep.Alerts {
		if !a.Resolved {
			s.ActiveAlerts++
			if a.Severity == model.SeverityCritical {
				s.CriticalAlerts++
			}
		}
	}
	return s
}

// recommend derives advice from the summary and analyses, deduplicated in
// first-seen order.
func recommend(rep *Report) []string {
	out := []string{}
	seen := map[string]bool{}
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if rep.Summary.ErrorRate > ErrorRateAdvice {
		add(fmt.Sprintf("Error rate is %.1f%%, check recent deployments", rep.Summary.ErrorRate*100))
	}
	if rep.Summary.CriticalAlerts > 0 {
		add(fmt.Sprintf("%d critical alerts are unresolved, investigate them first", rep.Summary.CriticalAlerts))
	}
	for _, a := range rep.Analyses {
		if a.Type == model.AnalysisPerformance {
			if avg := cast.ToFloat64(a.Metrics["avgResponseTime"]); avg > ResponseTimeAdviceMs {
				add("Average response time exceeds 1000ms, optimize the slowest endpoints")
			}
		}
		for _, rec := range a.Recommendations {
			add(rec)
		}
	}
	for _, m := range rep.Metrics {
		if m.Key == string(model.MetricHTTP)+":"+metrics.NameHTTPRequest && m.Avg > ResponseTimeAdviceMs {
			add("Average response time exceeds 1000ms, optimize the slowest endpoints")
		}
	}
	return out
}
