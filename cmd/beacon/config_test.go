package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/beacon/internal/pipeline"
	"github.com/tinytelemetry/beacon/internal/reporter"
)

func TestLoadConfig_AddressResolution(t *testing.T) {
	resetBeaconEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		wantErr      bool
		wantHost     string
		wantTCPAddr  string
		wantAPIAddr  string
		wantOTLPAddr string
		errSubstring string
	}{
		{
			name: "defaults to localhost host",
			configYAML: `
tcp-port: 4100
api-port: 3100
`,
			wantHost:     "127.0.0.1",
			wantTCPAddr:  "127.0.0.1:4100",
			wantAPIAddr:  "127.0.0.1:3100",
			wantOTLPAddr: "127.0.0.1:4317",
		},
		{
			name: "host applies to derived addresses",
			configYAML: `
host: 0.0.0.0
tcp-port: 4200
api-port: 3200
otlp-port: 4400
`,
			wantHost:     "0.0.0.0",
			wantTCPAddr:  "0.0.0.0:4200",
			wantAPIAddr:  "0.0.0.0:3200",
			wantOTLPAddr: "0.0.0.0:4400",
		},
		{
			name: "explicit addresses override host and ports",
			configYAML: `
host: 0.0.0.0
tcp-addr: 10.0.0.5:9999
api-addr: 10.0.0.5:8888
otlp-addr: 10.0.0.5:7777
`,
			wantHost:     "0.0.0.0",
			wantTCPAddr:  "10.0.0.5:9999",
			wantAPIAddr:  "10.0.0.5:8888",
			wantOTLPAddr: "10.0.0.5:7777",
		},
		{
			name: "invalid port rejected",
			configYAML: `
otlp-port: 70000
`,
			wantErr:      true,
			errSubstring: "invalid otlp-port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeTempConfig(t, tt.configYAML)
			cfg, err := loadConfig(configPath)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errSubstring != "" && !strings.Contains(err.Error(), tt.errSubstring) {
					t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstring)
				}
				return
			}

			if err != nil {
				t.Fatalf("loadConfig returned error: %v", err)
			}
			if cfg.Host != tt.wantHost {
				t.Fatalf("Host = %q, want %q", cfg.Host, tt.wantHost)
			}
			if cfg.TCPAddr != tt.wantTCPAddr {
				t.Fatalf("TCPAddr = %q, want %q", cfg.TCPAddr, tt.wantTCPAddr)
			}
			if cfg.APIAddr != tt.wantAPIAddr {
				t.Fatalf("APIAddr = %q, want %q", cfg.APIAddr, tt.wantAPIAddr)
			}
			if cfg.OTLPAddr != tt.wantOTLPAddr {
				t.Fatalf("OTLPAddr = %q, want %q", cfg.OTLPAddr, tt.wantOTLPAddr)
			}
		})
	}
}

func TestLoadConfig_PipelineSettings(t *testing.T) {
	resetBeaconEnv(t)

	tests := []struct {
		name         string
		configYAML   string
		wantErr      bool
		errSubstring string
		assert       func(t *testing.T, cfg appConfig)
	}{
		{
			name:       "defaults match the pipeline defaults",
			configYAML: `api-port: 3000`,
			assert: func(t *testing.T, cfg appConfig) {
				t.Helper()
				d := pipeline.DefaultConfig(cfg.Pipeline.BaseDir)
				if cfg.Pipeline.Logs != d.Logs {
					t.Fatalf("logs = %+v, want %+v", cfg.Pipeline.Logs, d.Logs)
				}
				if !cfg.Pipeline.Collector.Anonymize {
					t.Fatal("anonymize should default to true")
				}
				if len(cfg.Pipeline.Reports.Schedules) != len(reporter.DefaultSchedules()) {
					t.Fatalf("schedules = %d, want %d", len(cfg.Pipeline.Reports.Schedules), len(reporter.DefaultSchedules()))
				}
				if cfg.Pipeline.DuckDB.Enabled {
					t.Fatal("duckdb should be disabled by default")
				}
				if !strings.HasSuffix(cfg.Pipeline.BaseDir, filepath.Join(".local", "share", "beacon")) {
					t.Fatalf("base-dir = %q", cfg.Pipeline.BaseDir)
				}
			},
		},
		{
			name: "nested sections decode",
			configYAML: `
base-dir: /tmp/beacon-test
logs:
  batch-size: 25
  flush-interval: 2s
collector:
  min-level: WARN
  sources:
    - name: app
      path: /var/log/app.log
      parsers: [json, plain]
      poll-interval: 500ms
analyzer:
  realtime-window: 30s
alerting:
  signal-actions:
    - type: webhook
      target: http://hooks.local/alert
      enabled: true
reports:
  schedules:
    - type: daily
      cron: "0 5 * * *"
      format: csv
duckdb:
  enabled: true
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
`,
			assert: func(t *testing.T, cfg appConfig) {
				t.Helper()
				pc := cfg.Pipeline
				if pc.Logs.BatchSize != 25 || pc.Logs.FlushInterval != 2*time.Second {
					t.Fatalf("logs = %+v", pc.Logs)
				}
				if pc.Logs.MaxQueueSize == 0 {
					t.Fatal("unset keys should keep their defaults")
				}
				if pc.Collector.MinLevel != "WARN" {
					t.Fatalf("min-level = %q", pc.Collector.MinLevel)
				}
				if len(pc.Collector.Sources) != 1 || pc.Collector.Sources[0].PollInterval != 500*time.Millisecond {
					t.Fatalf("sources = %+v", pc.Collector.Sources)
				}
				if pc.Analyzer.RealtimeWindow != 30*time.Second {
					t.Fatalf("realtime-window = %s", pc.Analyzer.RealtimeWindow)
				}
				if len(pc.Alerting.SignalActions) != 1 || pc.Alerting.SignalActions[0].Target != "http://hooks.local/alert" {
					t.Fatalf("signal-actions = %+v", pc.Alerting.SignalActions)
				}
				if len(pc.Reports.Schedules) != 1 || pc.Reports.Schedules[0].Format != reporter.FormatCSV {
					t.Fatalf("schedules = %+v", pc.Reports.Schedules)
				}
				if pc.DuckDB.Path != filepath.Join("/tmp/beacon-test", defaultDuckDBFile) {
					t.Fatalf("duckdb path = %q", pc.DuckDB.Path)
				}
				if len(pc.Kafka.Brokers) != 2 {
					t.Fatalf("brokers = %v", pc.Kafka.Brokers)
				}
			},
		},
		{
			name: "invalid min-level rejected",
			configYAML: `
collector:
  min-level: LOUD
`,
			wantErr:      true,
			errSubstring: "min-level",
		},
		{
			name: "report schedule without format",
			configYAML: `
reports:
  schedules:
    - type: weekly
      cron: "0 7 * * 1"
`,
			assert: func(t *testing.T, cfg appConfig) {
				t.Helper()
				if len(cfg.Pipeline.Reports.Schedules) != 1 || cfg.Pipeline.Reports.Schedules[0].Format != "" {
					t.Fatalf("schedules = %+v", cfg.Pipeline.Reports.Schedules)
				}
			},
		},
		{
			name: "invalid report format rejected",
			configYAML: `
reports:
  schedules:
    - type: daily
      cron: "0 5 * * *"
      format: pdf
`,
			wantErr:      true,
			errSubstring: "report schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeTempConfig(t, tt.configYAML)
			cfg, err := loadConfig(configPath)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errSubstring != "" && !strings.Contains(err.Error(), tt.errSubstring) {
					t.Fatalf("error = %q, want substring %q", err.Error(), tt.errSubstring)
				}
				return
			}

			if err != nil {
				t.Fatalf("loadConfig returned error: %v", err)
			}
			if tt.assert != nil {
				tt.assert(t, cfg)
			}
		})
	}
}

func TestLoadConfig_EnvOverridesNestedKeys(t *testing.T) {
	resetBeaconEnv(t)
	t.Setenv("BEACON_LOGS_BATCH_SIZE", "7")
	t.Setenv("BEACON_API_ENABLED", "false")

	cfg, err := loadConfig(writeTempConfig(t, `tcp-port: 4000`))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Pipeline.Logs.BatchSize != 7 {
		t.Fatalf("logs.batch-size = %d, want 7", cfg.Pipeline.Logs.BatchSize)
	}
	if cfg.APIEnabled {
		t.Fatal("api-enabled should be overridden by the environment")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	resetBeaconEnv(t)

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.APIAddr != "127.0.0.1:3000" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr)
	}
}

func TestExpandHome(t *testing.T) {
	t.Parallel()

	if got := expandHome("/home/u", "~/data"); got != filepath.Join("/home/u", "data") {
		t.Fatalf("expandHome = %q", got)
	}
	if got := expandHome("/home/u", "/abs"); got != "/abs" {
		t.Fatalf("expandHome = %q", got)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func resetBeaconEnv(t *testing.T) {
	t.Helper()

	original := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix+"_") {
			continue
		}
		original[key] = value
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}

	t.Cleanup(func() {
		for key, value := range original {
			if err := os.Setenv(key, value); err != nil {
				t.Fatalf("cleanup restore %s: %v", key, err)
			}
		}
	})
}
