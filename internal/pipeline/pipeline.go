// Package pipeline assembles the collector, buffers, sinks, analyzers, alert
// engine, reporter and retention cleaner into one service object.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/alerting"
	"github.com/tinytelemetry/beacon/internal/analyzer"
	"github.com/tinytelemetry/beacon/internal/buffer"
	"github.com/tinytelemetry/beacon/internal/collector"
	"github.com/tinytelemetry/beacon/internal/duckdb"
	"github.com/tinytelemetry/beacon/internal/journal"
	"github.com/tinytelemetry/beacon/internal/metrics"
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/reporter"
	"github.com/tinytelemetry/beacon/internal/retention"
	"github.com/tinytelemetry/beacon/internal/scheduler"
	"github.com/tinytelemetry/beacon/internal/selfmetrics"
	"github.com/tinytelemetry/beacon/internal/sink"
)

// Options carries collaborators that tests replace.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
	// Probe overrides the host probe of the system sampler.
	Probe metrics.ProbeFunc
	// Notifier receives scheduled reports; nil logs them.
	Notifier reporter.Notifier
	// Actions overrides the alert action registry.
	Actions map[string]alerting.Action
	// Redis overrides the client built from Config.Redis.
	Redis sink.RedisClient
	// Kafka overrides the writer built from Config.Kafka.
	Kafka sink.MessageWriter
}

// Pipeline owns every component of one running instance.
type Pipeline struct {
	cfg    Config
	ctx    context.Context
	sched  scheduler.Scheduler
	logger *zap.Logger
	now    func() time.Time
	opts   Options

	self       *selfmetrics.Metrics
	ring       *sink.EntryRing
	store      *duckdb.Store
	logs       *buffer.Buffer[*model.LogEntry]
	metricsBuf *buffer.Buffer[*model.PerformanceMetric]
	aggregator *metrics.Aggregator
	series     *metrics.SeriesStore
	recorder   *metrics.Recorder
	sampler    *metrics.SystemSampler
	collector  *collector.Collector
	realtime   *analyzer.Realtime
	batch      *analyzer.Batch
	entries    model.EntrySource
	analyses   model.AnalysisStore
	alerts     *alerting.Engine
	reporter   *reporter.Reporter
	cleaner    *retention.Cleaner

	closers []func() error
	jobs    []scheduler.Job

	started   atomic.Bool
	stopOnce  sync.Once
	startedAt time.Time
}

// New builds a pipeline. Nothing is scheduled until Start. ctx bounds the
// lifetime of background work started on behalf of the pipeline.
func New(ctx context.Context, cfg Config, sched scheduler.Scheduler, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = sink.DefaultRingCapacity
	}
	for _, sub := range []string{RawDir, AnalysisDir, ReportsDir} {
		if err := os.MkdirAll(cfg.Dir(sub), 0755); err != nil {
			return nil, fmt.Errorf("pipeline: create %s dir: %w", sub, err)
		}
	}

	p := &Pipeline{
		cfg:    cfg,
		ctx:    ctx,
		sched:  sched,
		logger: opts.Logger,
		now:    opts.Now,
		opts:   opts,
		self:   selfmetrics.New(),
		ring:   sink.NewEntryRing(cfg.RingCapacity),
	}
	if err := p.build(ctx); err != nil {
		_ = p.close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(ctx context.Context) error {
	cfg := p.cfg
	if cfg.DuckDB.Enabled {
		store, err := duckdb.NewStore(ctx, cfg.DuckDB.Path, p.logger.Named("duckdb"))
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		p.store = store
		p.closers = append(p.closers, store.Close)
	}

	p.series = metrics.NewSeriesStore(cfg.Recorder.SeriesRetention, cfg.Recorder.SeriesMaxPoints, p.now)
	p.realtime = analyzer.NewRealtime(analyzer.RealtimeConfig{
		Window:                cfg.Analyzer.RealtimeWindow,
		ErrorRateThreshold:    cfg.Analyzer.ErrorRateThreshold,
		ResponseTimeThreshold: cfg.Analyzer.ResponseTimeThreshold,
	}, p.series, p.logger.Named("realtime"), p.now)

	p.logs = buffer.New("logs", p.logSinks(), cfg.Logs.buffer(), buffer.Options{
		Logger:   p.logger.Named("buffer").With(zap.String("buffer", "logs")),
		Observer: p.self,
		Now:      p.now,
	})

	p.aggregator = metrics.NewAggregator()
	metricSinks := []buffer.Sink[*model.PerformanceMetric]{
		p.aggregator,
		sink.NewFile[*model.PerformanceMetric](cfg.Dir(RawDir), "metrics", p.now),
	}
	if p.store != nil {
		metricSinks = append(metricSinks, p.store.MetricSink())
	}
	p.metricsBuf = buffer.New("metrics", metricSinks, cfg.Metrics.buffer(), buffer.Options{
		Logger:   p.logger.Named("buffer").With(zap.String("buffer", "metrics")),
		Observer: p.self,
		Now:      p.now,
	})

	if cfg.Journal {
		if err := p.openJournals(); err != nil {
			return err
		}
	}

	disabled := make([]model.MetricType, 0, len(cfg.Recorder.Disabled))
	for _, t := range cfg.Recorder.Disabled {
		disabled = append(disabled, model.MetricType(t))
	}
	p.recorder = metrics.NewRecorder(p.metricsBuf, p.series, metrics.Config{
		SamplingRate: cfg.Recorder.SamplingRate,
		Disabled:     disabled,
	}, metrics.Options{
		Logger:    p.logger.Named("recorder"),
		Observer:  p.self,
		Listeners: []metrics.Listener{p.realtime},
		Now:       p.now,
	})
	p.sampler = metrics.NewSystemSampler(p.recorder, p.opts.Probe, p.logger.Named("system"))

	if err := p.buildCollector(); err != nil {
		return err
	}

	files, err := analyzer.NewFileStore(cfg.Dir(AnalysisDir), p.logger.Named("analysis"))
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	var stats model.LogStatsSource = p.ring
	p.entries = p.ring
	p.analyses = files
	if p.store != nil {
		p.entries, stats = p.store, p.store
		p.analyses = analyzer.MultiStore{p.store, files}
	}
	types := make([]model.AnalysisType, 0, len(cfg.Analyzer.Types))
	for _, t := range cfg.Analyzer.Types {
		types = append(types, model.AnalysisType(t))
	}
	p.batch = analyzer.NewBatch(p.entries, p.analyses, analyzer.BatchConfig{
		Window: cfg.Analyzer.BatchWindow,
		Types:  types,
		Thresholds: analyzer.Thresholds{
			ErrorCount:      cfg.Analyzer.ErrorCountThreshold,
			AvgResponseTime: cfg.Analyzer.AvgResponseTime,
			ErrorRate:       cfg.Analyzer.BatchErrorRate,
		},
	}, p.logger.Named("batch"), p.now)
	p.batch.SetObserver(p.self)

	if err := p.buildAlerts(); err != nil {
		return err
	}

	ropts := reporter.Options{Logger: p.logger.Named("reporter"), Alerts: p.alerts, Now: p.now}
	if p.store != nil {
		ropts.Metrics = p.store
	}
	p.reporter, err = reporter.New(cfg.Dir(ReportsDir), stats, p.analyses, ropts)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

func (p *Pipeline) logSinks() []buffer.Sink[*model.LogEntry] {
	cfg := p.cfg
	sinks := []buffer.Sink[*model.LogEntry]{
		p.ring,
		sink.NewFile[*model.LogEntry](cfg.Dir(RawDir), "logs", p.now),
	}
	if p.store != nil {
		sinks = append(sinks, p.store.LogSink())
	}

	rc := p.opts.Redis
	if rc == nil && cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		p.closers = append(p.closers, client.Close)
		rc = client
	}
	if rc != nil {
		key, maxLen := cfg.Redis.Key, cfg.Redis.MaxLen
		if key == "" {
			key = DefaultRedisKey
		}
		if maxLen == 0 {
			maxLen = DefaultRedisMaxLen
		}
		sinks = append(sinks, sink.NewRedis[*model.LogEntry](rc, key, maxLen))
	}

	topic := cfg.Kafka.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	kw := p.opts.Kafka
	if kw == nil && len(cfg.Kafka.Brokers) > 0 {
		kw = sink.NewKafkaWriter(cfg.Kafka.Brokers, topic)
	}
	if kw != nil {
		k := sink.NewKafka[*model.LogEntry](kw, topic)
		p.closers = append(p.closers, k.Close)
		sinks = append(sinks, k)
	}

	sinks = append(sinks, buffer.SinkFunc[*model.LogEntry]{
		SinkName: "realtime",
		Fn: func(_ context.Context, entries []*model.LogEntry) error {
			for _, e := range entries {
				p.realtime.ObserveEntry(e)
			}
			return nil
		},
	})
	return sinks
}

func (p *Pipeline) openJournals() error {
	dir := p.cfg.Dir(JournalDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("pipeline: create journal dir: %w", err)
	}
	lj, err := journal.Open[*model.LogEntry](filepath.Join(dir, "logs.journal"))
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	p.logs.UseJournal(lj)
	mj, err := journal.Open[*model.PerformanceMetric](filepath.Join(dir, "metrics.journal"))
	if err != nil {
		_ = lj.Close()
		return fmt.Errorf("pipeline: %w", err)
	}
	p.metricsBuf.UseJournal(mj)
	return nil
}

func (p *Pipeline) buildCollector() error {
	cfg := p.cfg.Collector
	copts := collector.Options{Logger: p.logger.Named("collector"), Observer: p.self, Now: p.now}
	if cfg.OffsetsFile != "" {
		offsets, err := collector.LoadOffsetStore(cfg.OffsetsFile)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		copts.Offsets = offsets
	}
	p.collector = collector.New(p.logs, p.sched, collector.Config{
		Anonymize:       cfg.Anonymize,
		SensitiveKeys:   cfg.SensitiveKeys,
		MinLevel:        model.Level(cfg.MinLevel),
		ExcludeServices: cfg.ExcludeServices,
		DefaultService:  cfg.DefaultService,
	}, copts)
	for _, src := range cfg.Sources {
		if err := p.collector.RegisterSource(src); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) buildAlerts() error {
	cfg := p.cfg.Alerting
	p.alerts = alerting.NewEngine(p.series, alerting.Config{
		CheckInterval:  cfg.CheckInterval,
		SignalCooldown: cfg.SignalCooldown,
		SignalActions:  cfg.SignalActions,
		MaxEvents:      cfg.MaxEvents,
	}, alerting.Options{
		Logger:   p.logger.Named("alerting"),
		Actions:  p.opts.Actions,
		Observer: p.self,
		Now:      p.now,
	})

	rules := alerting.DefaultRules()
	if cfg.RulesFile != "" {
		loaded, err := alerting.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		rules = loaded
	} else if !cfg.DefaultRules {
		rules = nil
	}
	for _, r := range rules {
		if _, err := p.alerts.AddRule(r); err != nil {
			return fmt.Errorf("pipeline: rule %s: %w", r.ID, err)
		}
	}

	p.realtime.Subscribe(func(sig model.Signal) {
		p.alerts.RaiseSignal(p.ctx, sig)
	})
	return nil
}

// Start recovers journaled items and schedules every periodic job.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	p.startedAt = p.now()
	if n, err := p.logs.Recover(); err != nil {
		p.logger.Error("log journal recovery failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("recovered log entries", zap.Int("entries", n))
	}
	if n, err := p.metricsBuf.Recover(); err != nil {
		p.logger.Error("metric journal recovery failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Info("recovered metrics", zap.Int("metrics", n))
	}

	cfg := p.cfg
	p.jobs = append(p.jobs,
		p.sched.Every(JobLogs, cfg.TickInterval, p.logs.Tick),
		p.sched.Every(JobMetrics, cfg.TickInterval, p.metricsBuf.Tick),
		p.sched.Every(JobRealtime, p.realtime.Window(), func(ctx context.Context) {
			p.realtime.RunRealtime(ctx)
		}),
		p.sched.Every(JobBatch, cfg.Analyzer.BatchInterval, func(ctx context.Context) {
			if _, err := p.batch.RunBatch(ctx); err != nil && !errors.Is(err, analyzer.ErrBatchRunning) {
				p.logger.Error("batch analysis failed", zap.Error(err))
			}
		}),
		p.alerts.Start(p.sched),
	)
	if cfg.Recorder.SystemInterval >= 0 {
		interval := cfg.Recorder.SystemInterval
		if interval == 0 {
			interval = DefaultSystemInterval
		}
		p.jobs = append(p.jobs, p.sched.Every(JobSystem, interval, p.sampler.Sample))
	}
	if cfg.Reports.Enabled {
		notifier := p.opts.Notifier
		if notifier == nil {
			notifier = reporter.LogNotifier{Logger: p.logger.Named("reporter")}
		}
		jobs, err := p.reporter.Schedule(p.sched, cfg.Reports.Schedules, notifier)
		if err != nil {
			return fmt.Errorf("pipeline: schedule reports: %w", err)
		}
		p.jobs = append(p.jobs, jobs...)
	}

	var store retention.Store
	if p.store != nil {
		store = p.store
	}
	p.cleaner = retention.NewCleaner(ctx, cfg.Retention, retention.Dirs{
		Raw:      cfg.Dir(RawDir),
		Analysis: cfg.Dir(AnalysisDir),
		Reports:  cfg.Dir(ReportsDir),
	}, store, p.sched, p.logger.Named("retention"), p.now)

	p.collector.Start()
	p.logger.Info("pipeline started",
		zap.String("base_dir", cfg.BaseDir),
		zap.Bool("duckdb", p.store != nil),
		zap.Int("sources", len(p.collector.Sources())),
		zap.Int("rules", len(p.alerts.Rules())))
	return nil
}

// Watch polls file sources on change until ctx is done.
func (p *Pipeline) Watch(ctx context.Context) error {
	return p.collector.Watch(ctx)
}

// Stop cancels all jobs, drains both buffers and closes every backend.
// It is safe to call more than once.
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	p.stopOnce.Do(func() {
		p.collector.Stop()
		for _, j := range p.jobs {
			j.Stop()
		}
		if p.cleaner != nil {
			p.cleaner.Stop()
		}
		if err := p.logs.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain logs: %w", err))
		}
		if err := p.metricsBuf.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain metrics: %w", err))
		}
		if err := p.close(); err != nil {
			errs = append(errs, err)
		}
		p.logger.Info("pipeline stopped")
	})
	return errors.Join(errs...)
}

func (p *Pipeline) close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// CollectEntry normalizes a partial entry and queues it.
func (p *Pipeline) CollectEntry(partial *model.LogEntry) *model.LogEntry {
	return p.collector.CollectEntry(partial)
}

// IngestLine parses one raw line as if read from source. Unknown sources
// are registered as direct sources with the default parser chain.
func (p *Pipeline) IngestLine(source, line string) (bool, error) {
	ok, err := p.collector.Feed(source, line)
	if !errors.Is(err, collector.ErrSourceNotFound) {
		return ok, err
	}
	if err := p.collector.RegisterSource(collector.SourceConfig{Name: source}); err != nil && !errors.Is(err, collector.ErrSourceExists) {
		return false, err
	}
	return p.collector.Feed(source, line)
}

// RecordHTTPRequest records an HTTP request metric.
func (p *Pipeline) RecordHTTPRequest(req metrics.HTTPRequest) bool {
	return p.recorder.RecordHTTPRequest(req)
}

// RecordDatabaseQuery records a database query metric.
func (p *Pipeline) RecordDatabaseQuery(q metrics.DatabaseQuery) bool {
	return p.recorder.RecordDatabaseQuery(q)
}

// RecordCacheOperation records a cache operation metric.
func (p *Pipeline) RecordCacheOperation(op metrics.CacheOperation) bool {
	return p.recorder.RecordCacheOperation(op)
}

// RecordBusinessMetric records a business event metric.
func (p *Pipeline) RecordBusinessMetric(ev metrics.BusinessEvent) bool {
	return p.recorder.RecordBusinessMetric(ev)
}

func (p *Pipeline) Collector() *collector.Collector            { return p.collector }
func (p *Pipeline) Recorder() *metrics.Recorder                { return p.recorder }
func (p *Pipeline) Aggregator() *metrics.Aggregator            { return p.aggregator }
func (p *Pipeline) Series() *metrics.SeriesStore               { return p.series }
func (p *Pipeline) Realtime() *analyzer.Realtime               { return p.realtime }
func (p *Pipeline) Batch() *analyzer.Batch                     { return p.batch }
func (p *Pipeline) Entries() model.EntrySource                 { return p.entries }
func (p *Pipeline) Analyses() model.AnalysisStore              { return p.analyses }
func (p *Pipeline) Alerts() *alerting.Engine                   { return p.alerts }
func (p *Pipeline) Reporter() *reporter.Reporter               { return p.reporter }
func (p *Pipeline) SelfMetrics() *selfmetrics.Metrics          { return p.self }
func (p *Pipeline) Ring() *sink.EntryRing                      { return p.ring }
func (p *Pipeline) Cleaner() *retention.Cleaner                { return p.cleaner }
func (p *Pipeline) LogBuffer() *buffer.Buffer[*model.LogEntry] { return p.logs }

func (p *Pipeline) MetricBuffer() *buffer.Buffer[*model.PerformanceMetric] {
	return p.metricsBuf
}

// Stats is a point-in-time view of pipeline health.
type Stats struct {
	Uptime         time.Duration     `json:"uptime"`
	QueuedLogs     int               `json:"queuedLogs"`
	QueuedMetrics  int               `json:"queuedMetrics"`
	RingEntries    int               `json:"ringEntries"`
	StoredLogs     int64             `json:"storedLogs,omitempty"`
	StoredMetrics  int64             `json:"storedMetrics,omitempty"`
	Sources        int               `json:"sources"`
	Offsets        map[string]int64  `json:"offsets,omitempty"`
	Rules          int               `json:"rules"`
	ActiveAlerts   int               `json:"activeAlerts"`
	SamplingRate   float64           `json:"samplingRate"`
	MetricKeys     []string          `json:"metricKeys"`
	Realtime       analyzer.Snapshot `json:"realtime"`
	DuckDB         bool              `json:"duckdb"`
	PendingSamples int               `json:"pendingSamples"`
}

// Stats collects counters from every component. Store counts are skipped
// when the query fails.
func (p *Pipeline) Stats(ctx context.Context) Stats {
	s := Stats{
		QueuedLogs:     p.logs.Len(),
		QueuedMetrics:  p.metricsBuf.Len(),
		RingEntries:    p.ring.Len(),
		Sources:        len(p.collector.Sources()),
		Offsets:        p.collector.Offsets(),
		Rules:          len(p.alerts.Rules()),
		ActiveAlerts:   len(p.alerts.Active()),
		SamplingRate:   p.recorder.SamplingRate(),
		MetricKeys:     p.aggregator.Keys(),
		Realtime:       p.realtime.Last(),
		DuckDB:         p.store != nil,
		PendingSamples: p.realtime.Pending(),
	}
	if p.started.Load() {
		s.Uptime = p.now().Sub(p.startedAt)
	}
	if p.store != nil {
		var err error
		if s.StoredLogs, err = p.store.LogCount(ctx); err != nil {
			p.logger.Warn("log count failed", zap.Error(err))
		}
		if s.StoredMetrics, err = p.store.MetricCount(ctx); err != nil {
			p.logger.Warn("metric count failed", zap.Error(err))
		}
	}
	return s
}
