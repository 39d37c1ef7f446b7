package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/tinytelemetry/beacon/internal/analyzer"
	"github.com/tinytelemetry/beacon/internal/buffer"
	"github.com/tinytelemetry/beacon/internal/collector"
	"github.com/tinytelemetry/beacon/internal/metrics"
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/reporter"
	"github.com/tinytelemetry/beacon/internal/retention"
	"github.com/tinytelemetry/beacon/internal/sink"
)

// Subdirectories of BaseDir.
const (
	RawDir      = "raw"
	AnalysisDir = "analysis"
	ReportsDir  = "reports"
	JournalDir  = "journal"
)

// Job names registered by Start. Collector, alerting, report and retention
// jobs use the names exported by their packages.
const (
	JobLogs     = "buffer:logs"
	JobMetrics  = "buffer:metrics"
	JobRealtime = "analyzer:realtime"
	JobBatch    = "analyzer:batch"
	JobSystem   = "metrics:system"
)

// Defaults for the pipeline-level tunables.
const (
	DefaultTickInterval    = time.Second
	DefaultSeriesRetention = 24 * time.Hour
	DefaultSeriesMaxPoints = metrics.DefaultSeriesMaxPoints
	DefaultSystemInterval  = 30 * time.Second
	DefaultRedisKey        = "beacon:logs"
	DefaultRedisMaxLen     = 100_000
	DefaultKafkaTopic      = "beacon-logs"
)

// BufferConfig tunes one ingestion buffer.
type BufferConfig struct {
	BatchSize     int           `mapstructure:"batch-size"`
	FlushInterval time.Duration `mapstructure:"flush-interval"`
	MaxQueueSize  int           `mapstructure:"max-queue-size"`
	DedupeSize    int           `mapstructure:"dedupe-size"`
}

func (c BufferConfig) buffer() buffer.Config {
	return buffer.Config{
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
		MaxQueueSize:  c.MaxQueueSize,
		DedupeSize:    c.DedupeSize,
	}
}

// CollectorConfig holds collector-wide settings and the file sources.
type CollectorConfig struct {
	Anonymize       bool                     `mapstructure:"anonymize"`
	SensitiveKeys   []string                 `mapstructure:"sensitive-keys"`
	MinLevel        string                   `mapstructure:"min-level"`
	ExcludeServices []string                 `mapstructure:"exclude-services"`
	DefaultService  string                   `mapstructure:"default-service"`
	OffsetsFile     string                   `mapstructure:"offsets-file"`
	Sources         []collector.SourceConfig `mapstructure:"sources"`
}

// RecorderConfig tunes the metric recorder and its series store.
type RecorderConfig struct {
	SamplingRate    float64       `mapstructure:"sampling-rate"`
	Disabled        []string      `mapstructure:"disabled"`
	SeriesRetention time.Duration `mapstructure:"series-retention"`
	// SeriesMaxPoints caps each series. A sum or count rule sees at most this
	// many points per window, so size it above the peak rate times the
	// longest rule window.
	SeriesMaxPoints int `mapstructure:"series-max-points"`
	// SystemInterval is the host sampling period. Negative disables it.
	SystemInterval time.Duration `mapstructure:"system-interval"`
}

// AnalyzerConfig tunes the realtime and batch analyzers.
type AnalyzerConfig struct {
	RealtimeWindow        time.Duration `mapstructure:"realtime-window"`
	ErrorRateThreshold    float64       `mapstructure:"error-rate-threshold"`
	ResponseTimeThreshold float64       `mapstructure:"response-time-threshold"`
	BatchInterval         time.Duration `mapstructure:"batch-interval"`
	BatchWindow           time.Duration `mapstructure:"batch-window"`
	Types                 []string      `mapstructure:"types"`
	ErrorCountThreshold   int           `mapstructure:"error-count-threshold"`
	AvgResponseTime       float64       `mapstructure:"avg-response-time"`
	BatchErrorRate        float64       `mapstructure:"batch-error-rate"`
}

// AlertingConfig configures the alert engine.
type AlertingConfig struct {
	CheckInterval  time.Duration        `mapstructure:"check-interval"`
	SignalCooldown time.Duration        `mapstructure:"signal-cooldown"`
	SignalActions  []model.ActionConfig `mapstructure:"signal-actions"`
	MaxEvents      int                  `mapstructure:"max-events"`
	RulesFile      string               `mapstructure:"rules-file"`
	// DefaultRules installs the built-in rules when RulesFile is empty.
	DefaultRules bool `mapstructure:"default-rules"`
}

// ReportsConfig configures scheduled reports.
type ReportsConfig struct {
	Enabled   bool                `mapstructure:"enabled"`
	Schedules []reporter.Schedule `mapstructure:"schedules"`
}

// DuckDBConfig enables the DuckDB store. An empty Path keeps it in memory.
type DuckDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RedisConfig enables the Redis list sink when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	MaxLen   int64  `mapstructure:"max-len"`
}

// KafkaConfig enables the Kafka sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Config is everything New needs to assemble a pipeline.
type Config struct {
	BaseDir      string        `mapstructure:"base-dir"`
	RingCapacity int           `mapstructure:"ring-capacity"`
	TickInterval time.Duration `mapstructure:"tick-interval"`
	Journal      bool          `mapstructure:"journal"`

	Logs      BufferConfig     `mapstructure:"logs"`
	Metrics   BufferConfig     `mapstructure:"metrics"`
	Collector CollectorConfig  `mapstructure:"collector"`
	Recorder  RecorderConfig   `mapstructure:"recorder"`
	Analyzer  AnalyzerConfig   `mapstructure:"analyzer"`
	Alerting  AlertingConfig   `mapstructure:"alerting"`
	Reports   ReportsConfig    `mapstructure:"reports"`
	Retention retention.Config `mapstructure:"retention"`
	DuckDB    DuckDBConfig     `mapstructure:"duckdb"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
}

// DefaultConfig returns a pipeline rooted at baseDir with every optional
// backend off.
func DefaultConfig(baseDir string) Config {
	return Config{
		BaseDir:      baseDir,
		RingCapacity: sink.DefaultRingCapacity,
		TickInterval: DefaultTickInterval,
		Logs: BufferConfig{
			BatchSize:     model.DefaultBatchSize,
			FlushInterval: model.DefaultFlushInterval,
			MaxQueueSize:  model.DefaultMaxQueueSize,
			DedupeSize:    buffer.DefaultDedupeSize,
		},
		Metrics: BufferConfig{
			BatchSize:     model.DefaultBatchSize,
			FlushInterval: model.DefaultFlushInterval,
			MaxQueueSize:  model.DefaultMaxQueueSize,
			DedupeSize:    buffer.DefaultDedupeSize,
		},
		Collector: CollectorConfig{
			Anonymize:      true,
			SensitiveKeys:  collector.DefaultSensitiveKeys,
			DefaultService: model.DefaultService,
		},
		Recorder: RecorderConfig{
			SamplingRate:    model.DefaultSamplingRate,
			SeriesRetention: DefaultSeriesRetention,
			SeriesMaxPoints: DefaultSeriesMaxPoints,
			SystemInterval:  DefaultSystemInterval,
		},
		Analyzer: AnalyzerConfig{
			RealtimeWindow:        model.DefaultRealtimeWindow,
			ErrorRateThreshold:    analyzer.DefaultErrorRateThreshold,
			ResponseTimeThreshold: analyzer.DefaultResponseTimeThreshold,
			BatchInterval:         model.DefaultBatchInterval,
			BatchWindow:           model.DefaultBatchWindow,
			ErrorCountThreshold:   analyzer.DefaultErrorCountThreshold,
			AvgResponseTime:       analyzer.DefaultAvgResponseTime,
			BatchErrorRate:        analyzer.DefaultBatchErrorRate,
		},
		Alerting: AlertingConfig{
			CheckInterval: model.DefaultCheckInterval,
			SignalActions: []model.ActionConfig{{Type: "log", Enabled: true}},
			DefaultRules:  true,
		},
		Reports: ReportsConfig{
			Enabled:   true,
			Schedules: reporter.DefaultSchedules(),
		},
		Retention: retention.DefaultConfig(),
	}
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("pipeline: base-dir is required")
	}
	if c.Collector.MinLevel != "" {
		if _, ok := levels[model.Level(c.Collector.MinLevel)]; !ok {
			return fmt.Errorf("pipeline: unknown min-level %q", c.Collector.MinLevel)
		}
	}
	if !metrics.ValidSamplingRate(c.Recorder.SamplingRate) {
		return fmt.Errorf("pipeline: sampling-rate %g outside [0, 1]", c.Recorder.SamplingRate)
	}
	for _, name := range c.Recorder.Disabled {
		if !knownMetricType(model.MetricType(name)) {
			return fmt.Errorf("pipeline: unknown metric type %q", name)
		}
	}
	for _, name := range c.Analyzer.Types {
		if !knownAnalysisType(model.AnalysisType(name)) {
			return fmt.Errorf("pipeline: unknown analysis type %q", name)
		}
	}
	for _, s := range c.Reports.Schedules {
		if s.Format == "" {
			continue
		}
		if _, err := reporter.ParseFormat(string(s.Format)); err != nil {
			return fmt.Errorf("pipeline: report schedule %s: %w", s.Type, err)
		}
	}
	return nil
}

// Dir returns the path of a BaseDir subdirectory.
func (c Config) Dir(sub string) string { return filepath.Join(c.BaseDir, sub) }

var levels = map[model.Level]struct{}{
	model.LevelError: {},
	model.LevelWarn:  {},
	model.LevelInfo:  {},
	model.LevelDebug: {},
	model.LevelHTTP:  {},
}

func knownMetricType(t model.MetricType) bool {
	for _, k := range model.MetricTypes {
		if k == t {
			return true
		}
	}
	return false
}

func knownAnalysisType(t model.AnalysisType) bool {
	for _, k := range model.AnalysisTypes {
		if k == t {
			return true
		}
	}
	return false
}
