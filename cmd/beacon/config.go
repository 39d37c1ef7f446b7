package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/beacon/internal/logging"
	"github.com/tinytelemetry/beacon/internal/logsource"
	"github.com/tinytelemetry/beacon/internal/pipeline"
)

const (
	envPrefix            = "BEACON"
	defaultBindHost      = "127.0.0.1"
	defaultAPIPort       = 3000
	defaultTCPPort       = 4000
	defaultOTLPPort      = 4317
	defaultMuxBufferSize = logsource.DefaultMuxBuffer
	defaultDuckDBFile    = "beacon.duckdb"
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Host          string `mapstructure:"host"`
	APIEnabled    bool   `mapstructure:"api-enabled"`
	APIPort       int    `mapstructure:"api-port"`
	APIAddr       string `mapstructure:"api-addr"`
	TCPEnabled    bool   `mapstructure:"tcp-enabled"`
	TCPPort       int    `mapstructure:"tcp-port"`
	TCPAddr       string `mapstructure:"tcp-addr"`
	OTLPEnabled   bool   `mapstructure:"otlp-enabled"`
	OTLPPort      int    `mapstructure:"otlp-port"`
	OTLPAddr      string `mapstructure:"otlp-addr"`
	Stdin         bool   `mapstructure:"stdin"` // read piped stdin
	MuxBufferSize int    `mapstructure:"mux-buffer-size"`

	Log      logging.Config  `mapstructure:"log"`
	Pipeline pipeline.Config `mapstructure:",squash"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

func defaultBaseDir(home string) string {
	return filepath.Join(home, ".local", "share", "beacon")
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("otlp-enabled", false)
	v.SetDefault("otlp-port", defaultOTLPPort)
	v.SetDefault("stdin", true)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)

	logDefaults := logging.DefaultConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.encoding", logDefaults.Encoding)
	v.SetDefault("log.file", logging.DefaultFile())
	v.SetDefault("log.max-size-mb", logDefaults.MaxSizeMB)
	v.SetDefault("log.max-backups", logDefaults.MaxBackups)
	v.SetDefault("log.max-age-days", logDefaults.MaxAgeDays)
	v.SetDefault("log.compress", logDefaults.Compress)
	v.SetDefault("log.development", logDefaults.Development)

	setPipelineDefaults(v, pipeline.DefaultConfig(defaultBaseDir(home)))

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "beacon", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	for name, port := range map[string]int{
		"api-port":  cfg.APIPort,
		"tcp-port":  cfg.TCPPort,
		"otlp-port": cfg.OTLPPort,
	} {
		if port <= 0 || port > 65535 {
			return cfg, fmt.Errorf("invalid %s: %d", name, port)
		}
	}
	if cfg.MuxBufferSize <= 0 {
		return cfg, fmt.Errorf("invalid mux-buffer-size: %d", cfg.MuxBufferSize)
	}

	pc := &cfg.Pipeline
	pc.BaseDir = expandHome(home, pc.BaseDir)
	pc.DuckDB.Path = expandHome(home, pc.DuckDB.Path)
	pc.Collector.OffsetsFile = expandHome(home, pc.Collector.OffsetsFile)
	pc.Alerting.RulesFile = expandHome(home, pc.Alerting.RulesFile)
	for i := range pc.Collector.Sources {
		pc.Collector.Sources[i].Path = expandHome(home, pc.Collector.Sources[i].Path)
	}
	cfg.Log.File = expandHome(home, cfg.Log.File)

	if pc.DuckDB.Enabled && pc.DuckDB.Path == "" {
		pc.DuckDB.Path = filepath.Join(pc.BaseDir, defaultDuckDBFile)
	}
	if err := pc.Validate(); err != nil {
		return cfg, err
	}

	if cfg.Host == "" {
		cfg.Host = defaultBindHost
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.OTLPAddr == "" {
		cfg.OTLPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.OTLPPort))
	}

	return cfg, nil
}

// setPipelineDefaults registers every pipeline key so env overrides such as
// BEACON_LOGS_BATCH_SIZE resolve.
func setPipelineDefaults(v *viper.Viper, d pipeline.Config) {
	v.SetDefault("base-dir", d.BaseDir)
	v.SetDefault("ring-capacity", d.RingCapacity)
	v.SetDefault("tick-interval", d.TickInterval)
	v.SetDefault("journal", d.Journal)

	setBufferDefaults(v, "logs", d.Logs)
	setBufferDefaults(v, "metrics", d.Metrics)

	v.SetDefault("collector.anonymize", d.Collector.Anonymize)
	v.SetDefault("collector.sensitive-keys", d.Collector.SensitiveKeys)
	v.SetDefault("collector.min-level", d.Collector.MinLevel)
	v.SetDefault("collector.exclude-services", d.Collector.ExcludeServices)
	v.SetDefault("collector.default-service", d.Collector.DefaultService)
	v.SetDefault("collector.offsets-file", d.Collector.OffsetsFile)
	v.SetDefault("collector.sources", d.Collector.Sources)

	v.SetDefault("recorder.sampling-rate", d.Recorder.SamplingRate)
	v.SetDefault("recorder.disabled", d.Recorder.Disabled)
	v.SetDefault("recorder.series-retention", d.Recorder.SeriesRetention)
	v.SetDefault("recorder.series-max-points", d.Recorder.SeriesMaxPoints)
	v.SetDefault("recorder.system-interval", d.Recorder.SystemInterval)

	v.SetDefault("analyzer.realtime-window", d.Analyzer.RealtimeWindow)
	v.SetDefault("analyzer.error-rate-threshold", d.Analyzer.ErrorRateThreshold)
	v.SetDefault("analyzer.response-time-threshold", d.Analyzer.ResponseTimeThreshold)
	v.SetDefault("analyzer.batch-interval", d.Analyzer.BatchInterval)
	v.SetDefault("analyzer.batch-window", d.Analyzer.BatchWindow)
	v.SetDefault("analyzer.types", d.Analyzer.Types)
	v.SetDefault("analyzer.error-count-threshold", d.Analyzer.ErrorCountThreshold)
	v.SetDefault("analyzer.avg-response-time", d.Analyzer.AvgResponseTime)
	v.SetDefault("analyzer.batch-error-rate", d.Analyzer.BatchErrorRate)

	v.SetDefault("alerting.check-interval", d.Alerting.CheckInterval)
	v.SetDefault("alerting.signal-cooldown", d.Alerting.SignalCooldown)
	v.SetDefault("alerting.signal-actions", d.Alerting.SignalActions)
	v.SetDefault("alerting.max-events", d.Alerting.MaxEvents)
	v.SetDefault("alerting.rules-file", d.Alerting.RulesFile)
	v.SetDefault("alerting.default-rules", d.Alerting.DefaultRules)

	v.SetDefault("reports.enabled", d.Reports.Enabled)
	v.SetDefault("reports.schedules", d.Reports.Schedules)

	v.SetDefault("retention.raw-days", d.Retention.RawDays)
	v.SetDefault("retention.analysis-days", d.Retention.AnalysisDays)
	v.SetDefault("retention.report-days", d.Retention.ReportDays)
	v.SetDefault("retention.interval", d.Retention.Interval)

	v.SetDefault("duckdb.enabled", d.DuckDB.Enabled)
	v.SetDefault("duckdb.path", d.DuckDB.Path)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.key", d.Redis.Key)
	v.SetDefault("redis.max-len", d.Redis.MaxLen)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
}

func setBufferDefaults(v *viper.Viper, prefix string, b pipeline.BufferConfig) {
	v.SetDefault(prefix+".batch-size", b.BatchSize)
	v.SetDefault(prefix+".flush-interval", b.FlushInterval)
	v.SetDefault(prefix+".max-queue-size", b.MaxQueueSize)
	v.SetDefault(prefix+".dedupe-size", b.DedupeSize)
}

// expandHome resolves a leading ~/ against home.
func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
