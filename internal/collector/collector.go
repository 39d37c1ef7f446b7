// Package collector turns raw lines from files and direct feeds into
// normalized, anonymized log entries and hands them to the ingestion buffer.
package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/ingest"
	"github.com/tinytelemetry/beacon/internal/logparse"
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/scheduler"
)

var (
	ErrSourceNotFound = errors.New("collector: source not found")
	ErrSourceExists   = errors.New("collector: source already registered")
)

// DirectSource names entries handed in through CollectEntry.
const DirectSource = "direct"

// SourceConfig describes one input. An empty Path registers a direct-feed
// source that only receives lines through Feed.
type SourceConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	Path         string        `mapstructure:"path" yaml:"path"`
	Parsers      []string      `mapstructure:"parsers" yaml:"parsers"`
	PollInterval time.Duration `mapstructure:"poll-interval" yaml:"poll-interval"`
	BatchSize    int           `mapstructure:"batch-size" yaml:"batch-size"`
}

// Config holds collector-wide settings.
type Config struct {
	Anonymize       bool
	SensitiveKeys   []string
	MinLevel        model.Level
	ExcludeServices []string
	DefaultService  string
}

// Observer receives per-line outcomes.
type Observer interface {
	LineParsed(source string)
	ParseFailed(source string)
	EntryFiltered(source string)
}

// Options carries optional collaborators.
type Options struct {
	Logger   *zap.Logger
	Observer Observer
	Offsets  *OffsetStore
	Now      func() time.Time
}

type source struct {
	cfg     SourceConfig
	absPath string
	chain   *ingest.Chain

	mu      sync.Mutex
	acc     *ingest.Accumulator
	polling atomic.Bool
	job     scheduler.Job
}

func (s *source) direct() bool { return s.absPath == "" }

// Collector owns the registered sources and their offsets.
type Collector struct {
	sink     model.EntrySink
	sched    scheduler.Scheduler
	offsets  *OffsetStore
	anon     *Anonymizer
	cfg      Config
	excluded map[string]struct{}
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	mu      sync.RWMutex
	sources map[string]*source
	started bool
}

// New creates a collector forwarding to sink and polling on sched.
func New(sink model.EntrySink, sched scheduler.Scheduler, cfg Config, opts Options) *Collector {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Offsets == nil {
		opts.Offsets = NewOffsetStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.DefaultService == "" {
		cfg.DefaultService = model.DefaultService
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludeServices))
	for _, s := range cfg.ExcludeServices {
		excluded[s] = struct{}{}
	}
	return &Collector{
		sink:     sink,
		sched:    sched,
		offsets:  opts.Offsets,
		anon:     NewAnonymizer(cfg.Anonymize, cfg.SensitiveKeys),
		cfg:      cfg,
		excluded: excluded,
		logger:   opts.Logger,
		observer: opts.Observer,
		now:      opts.Now,
		sources:  make(map[string]*source),
	}
}

// RegisterSource adds a named source. Sources registered after Start are
// scheduled immediately.
func (c *Collector) RegisterSource(cfg SourceConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("collector: source name is required")
	}
	parsers := cfg.Parsers
	if len(parsers) == 0 {
		parsers = ingest.DefaultParserNames
	}
	chain, err := ingest.NewChainFromNames(parsers...)
	if err != nil {
		return fmt.Errorf("collector: source %s: %w", cfg.Name, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = model.DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = model.DefaultSourceBatchSize
	}

	src := &source{cfg: cfg, chain: chain, acc: ingest.NewAccumulator(0)}
	if cfg.Path != "" {
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return fmt.Errorf("collector: source %s: %w", cfg.Name, err)
		}
		src.absPath = abs
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sources[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrSourceExists, cfg.Name)
	}
	c.sources[cfg.Name] = src
	if c.started {
		c.scheduleLocked(src)
	}
	c.logger.Info("source registered",
		zap.String("source", cfg.Name),
		zap.String("path", src.absPath),
		zap.Strings("parsers", chain.Names()))
	return nil
}

// Sources returns the registered source configs ordered by name.
func (c *Collector) Sources() []SourceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SourceConfig, 0, len(c.sources))
	for _, s := range c.sources {
		out = append(out, s.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Collector) lookup(name string) (*source, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	return src, nil
}

// Poll reads the complete lines appended to the source file since the last
// recorded offset, at most BatchSize of them, and returns how many entries
// were forwarded. A file smaller than the recorded offset is treated as
// rotated and read from the start. A poll already running for the source
// makes this call a no-op.
func (c *Collector) Poll(ctx context.Context, name string) (int, error) {
	src, err := c.lookup(name)
	if err != nil {
		return 0, err
	}
	if src.direct() {
		return 0, nil
	}
	if !src.polling.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer src.polling.Store(false)

	f, err := os.Open(src.absPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("collector: poll %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("collector: stat %s: %w", name, err)
	}
	offset := c.offsets.Get(src.absPath)
	size := info.Size()
	if size < offset {
		c.logger.Info("file shrank, reading from start",
			zap.String("source", name), zap.Int64("offset", offset), zap.Int64("size", size))
		offset = 0
		if err := c.offsets.Set(src.absPath, 0); err != nil {
			c.logger.Warn("persist offset failed", zap.String("source", name), zap.Error(err))
		}
		src.mu.Lock()
		src.acc.Flush()
		src.mu.Unlock()
	}
	if size == offset {
		return 0, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("collector: seek %s: %w", name, err)
	}

	r := bufio.NewReader(io.LimitReader(f, size-offset))
	var consumed int64
	forwarded := 0
	for lines := 0; lines < src.cfg.BatchSize; lines++ {
		if ctx.Err() != nil {
			break
		}
		raw, err := r.ReadString('\n')
		if err != nil {
			// A trailing line without newline waits for the next poll.
			break
		}
		consumed += int64(len(raw))
		if c.handleLine(src, strings.TrimRight(raw, "\r\n")) {
			forwarded++
		}
	}

	if err := c.offsets.Set(src.absPath, offset+consumed); err != nil {
		c.logger.Warn("persist offset failed", zap.String("source", name), zap.Error(err))
	}
	return forwarded, nil
}

// Feed parses one line for source name and forwards the result.
func (c *Collector) Feed(name, line string) (bool, error) {
	src, err := c.lookup(name)
	if err != nil {
		return false, err
	}
	return c.handleLine(src, line), nil
}

// handleLine joins multi-line JSON, parses and forwards.
func (c *Collector) handleLine(src *source, line string) bool {
	src.mu.Lock()
	logical, ok := src.acc.Push(line)
	src.mu.Unlock()
	if !ok {
		return false
	}

	entry, _, ok := src.chain.Parse(logical)
	if !ok {
		c.logger.Debug("unparseable line dropped", zap.String("source", src.cfg.Name), zap.Int("bytes", len(logical)))
		if c.observer != nil {
			c.observer.ParseFailed(src.cfg.Name)
		}
		return false
	}
	if c.observer != nil {
		c.observer.LineParsed(src.cfg.Name)
	}
	if entry.Source == "" {
		entry.Source = src.cfg.Name
	}
	return c.forward(entry)
}

// CollectEntry is the in-process path. Missing ID, Timestamp, Level and
// Service are filled in. It returns the forwarded entry, or nil when the
// entry was filtered out.
func (c *Collector) CollectEntry(partial *model.LogEntry) *model.LogEntry {
	if partial == nil {
		return nil
	}
	e := partial.Clone()
	if e.Source == "" {
		e.Source = DirectSource
	}
	if !c.forward(e) {
		return nil
	}
	return e
}

func (c *Collector) forward(e *model.LogEntry) bool {
	c.fillDefaults(e)
	if !c.accept(e) {
		if c.observer != nil {
			c.observer.EntryFiltered(e.Source)
		}
		return false
	}
	c.anon.Apply(e)
	c.sink.Add(e)
	return true
}

func (c *Collector) fillDefaults(e *model.LogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	if e.Level == "" {
		e.Level = model.LevelInfo
	} else {
		e.Level = logparse.NormalizeSeverity(string(e.Level))
	}
	if e.Service == "" {
		e.Service = c.cfg.DefaultService
	}
}

func (c *Collector) accept(e *model.LogEntry) bool {
	if _, ok := c.excluded[e.Service]; ok {
		return false
	}
	if c.cfg.MinLevel != "" && levelRank(e.Level) < levelRank(c.cfg.MinLevel) {
		return false
	}
	return true
}

func levelRank(l model.Level) int {
	switch l {
	case model.LevelDebug:
		return 0
	case model.LevelWarn:
		return 2
	case model.LevelError:
		return 3
	default:
		return 1
	}
}

// Start schedules a poll job for every file source.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	for _, src := range c.sources {
		c.scheduleLocked(src)
	}
}

func (c *Collector) scheduleLocked(src *source) {
	if src.direct() || src.job != nil {
		return
	}
	name := src.cfg.Name
	src.job = c.sched.Every(JobName(name), src.cfg.PollInterval, func(ctx context.Context) {
		if _, err := c.Poll(ctx, name); err != nil {
			c.logger.Warn("poll failed", zap.String("source", name), zap.Error(err))
		}
	})
}

// JobName is the scheduler job name used for a source's poll loop.
func JobName(source string) string { return "collector:" + source }

// StopSource cancels the poll job of one source. The source stays
// registered and keeps its offset.
func (c *Collector) StopSource(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.sources[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	if src.job != nil {
		src.job.Stop()
		src.job = nil
	}
	return nil
}

// Stop cancels every poll job.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	for _, src := range c.sources {
		if src.job != nil {
			src.job.Stop()
			src.job = nil
		}
	}
}

// Restart reschedules every file source; polling resumes from the last
// recorded offsets.
func (c *Collector) Restart() {
	c.Stop()
	c.Start()
}

// Offsets exposes the current per-file offsets.
func (c *Collector) Offsets() map[string]int64 {
	return c.offsets.Snapshot()
}
