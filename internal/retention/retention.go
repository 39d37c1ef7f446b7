// Package retention deletes raw logs, analyses and reports older than their
// configured retention.
package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/analyzer"
	"github.com/tinytelemetry/beacon/internal/reporter"
	"github.com/tinytelemetry/beacon/internal/scheduler"
	"github.com/tinytelemetry/beacon/internal/sink"
)

// JobName is the scheduler job running Cleanup.
const JobName = "retention:cleanup"

// DefaultInterval is the pause between cleanups.
const DefaultInterval = time.Hour

// Config holds retention days per category. Zero or less keeps that
// category forever.
type Config struct {
	RawDays      int           `mapstructure:"raw-days"`
	AnalysisDays int           `mapstructure:"analysis-days"`
	ReportDays   int           `mapstructure:"report-days"`
	Interval     time.Duration `mapstructure:"interval"`
}

// DefaultConfig keeps raw data 30 days, analyses 90 and reports a year.
func DefaultConfig() Config {
	return Config{RawDays: 30, AnalysisDays: 90, ReportDays: 365, Interval: DefaultInterval}
}

func (c Config) disabled() bool {
	return c.RawDays <= 0 && c.AnalysisDays <= 0 && c.ReportDays <= 0
}

// Dirs are the directories holding each category. Empty entries are skipped.
type Dirs struct {
	Raw      string
	Analysis string
	Reports  string
}

// Store deletes database rows older than a cutoff.
type Store interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAnalysesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result reports what one cleanup removed.
type Result struct {
	Files int
	Rows  int64
}

// Cleaner periodically removes expired data.
type Cleaner struct {
	cfg    Config
	dirs   Dirs
	store  Store
	logger *zap.Logger
	now    func() time.Time

	job      scheduler.Job
	running  atomic.Bool
	stopOnce sync.Once
}

// NewCleaner runs one cleanup to catch up after downtime and schedules the
// rest. It returns nil when every category keeps data forever. store may be
// nil.
func NewCleaner(ctx context.Context, cfg Config, dirs Dirs, store Store, sched scheduler.Scheduler, logger *zap.Logger, now func() time.Time) *Cleaner {
	if cfg.disabled() {
		return nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	c := &Cleaner{cfg: cfg, dirs: dirs, store: store, logger: logger, now: now}

	c.Cleanup(ctx)
	if sched != nil {
		c.job = sched.Every(JobName, cfg.Interval, func(ctx context.Context) { c.Cleanup(ctx) })
	}
	return c
}

func (c *Cleaner) cutoff(days int) time.Time {
	return c.now().Add(-time.Duration(days) * 24 * time.Hour)
}

// Cleanup removes everything past its retention. A cleanup already running
// makes this a no-op.
func (c *Cleaner) Cleanup(ctx context.Context) Result {
	var res Result
	if !c.running.CompareAndSwap(false, true) {
		return res
	}
	defer c.running.Store(false)

	if c.cfg.RawDays > 0 {
		cutoff := c.cutoff(c.cfg.RawDays)
		res.Files += c.sweep(c.dirs.Raw, cutoff)
		if c.store != nil {
			rows, err := c.store.DeleteBefore(ctx, cutoff)
			if err != nil {
				c.logger.Error("retention: delete rows", zap.Error(err))
			}
			res.Rows += rows
		}
	}
	if c.cfg.AnalysisDays > 0 {
		cutoff := c.cutoff(c.cfg.AnalysisDays)
		res.Files += c.sweep(c.dirs.Analysis, cutoff)
		if c.store != nil {
			rows, err := c.store.DeleteAnalysesBefore(ctx, cutoff)
			if err != nil {
				c.logger.Error("retention: delete analyses", zap.Error(err))
			}
			res.Rows += rows
		}
	}
	if c.cfg.ReportDays > 0 {
		res.Files += c.sweep(c.dirs.Reports, c.cutoff(c.cfg.ReportDays))
	}

	if res.Files > 0 || res.Rows > 0 {
		c.logger.Info("retention cleanup", zap.Int("files", res.Files), zap.Int64("rows", res.Rows))
	}
	return res
}

// sweep removes the files in dir whose data ends before cutoff.
func (c *Cleaner) sweep(dir string, cutoff time.Time) int {
	if dir == "" {
		return 0
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Error("retention: read dir", zap.String("dir", dir), zap.Error(err))
		}
		return 0
	}
	removed := 0
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		ts, ok := FileTime(de.Name())
		if !ok {
			info, err := de.Info()
			if err != nil {
				continue
			}
			ts = info.ModTime()
		}
		if !ts.Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		if err := os.Remove(path); err != nil {
			c.logger.Error("retention: remove file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

// secondStampLayout matches file names stamped without milliseconds.
const secondStampLayout = "20060102T150405Z"

// FileTime extracts the time a file's data ends from its name: the end of
// the day for raw date-stamped files, the embedded timestamp for analysis
// and report files.
func FileTime(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if n := len(sink.DateLayout); len(base) > n {
		if t, err := time.Parse(sink.DateLayout, base[len(base)-n:]); err == nil {
			return t.Add(24 * time.Hour), true
		}
	}
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return time.Time{}, false
	}
	stamp := base[i+1:]
	for _, layout := range []string{analyzer.FileTimestampLayout, reporter.FileTimestampLayout, secondStampLayout} {
		if t, err := time.Parse(layout, stamp); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Stop cancels the scheduled cleanup. It is safe to call more than once.
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() {
		if c.job != nil {
			c.job.Stop()
		}
	})
}
