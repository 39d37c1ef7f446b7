package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/beacon/internal/alerting"
	"github.com/tinytelemetry/beacon/internal/analyzer"
	"github.com/tinytelemetry/beacon/internal/metrics"
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/reporter"
	"github.com/tinytelemetry/beacon/internal/retention"
	"github.com/tinytelemetry/beacon/internal/scheduler"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Logs.BatchSize = 1
	cfg.Metrics.BatchSize = 1
	cfg.Recorder.SystemInterval = -1
	cfg.Collector.Anonymize = false
	return cfg
}

func startPipeline(t *testing.T, cfg Config, opts Options) (*Pipeline, *scheduler.Manual) {
	t.Helper()
	sched := scheduler.NewManual()
	opts.Logger = zaptest.NewLogger(t)
	opts.Now = clock
	p, err := New(context.Background(), cfg, sched, opts)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p, sched
}

type fakeRedis struct {
	pushed []interface{}
}

func (f *fakeRedis) RPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	f.pushed = append(f.pushed, values...)
	return redis.NewIntResult(int64(len(f.pushed)), nil)
}

func (f *fakeRedis) LTrim(context.Context, string, int64, int64) *redis.StatusCmd {
	return redis.NewStatusResult("OK", nil)
}

func TestStart_RegistersJobs(t *testing.T) {
	_, sched := startPipeline(t, testConfig(t), Options{})

	names := sched.Names()
	for _, want := range []string{
		JobLogs, JobMetrics, JobRealtime, JobBatch,
		alerting.JobName, retention.JobName,
		reporter.JobName(reporter.TypeDaily),
		reporter.JobName(reporter.TypeWeekly),
		reporter.JobName(reporter.TypeMonthly),
	} {
		assert.Contains(t, names, want)
	}
	assert.NotContains(t, names, JobSystem)

	interval, ok := sched.Interval(JobLogs)
	require.True(t, ok)
	assert.Equal(t, DefaultTickInterval, interval)
}

func TestCollectEntry_FlushesToSinks(t *testing.T) {
	redisClient := &fakeRedis{}
	p, sched := startPipeline(t, testConfig(t), Options{Redis: redisClient})

	e := p.CollectEntry(&model.LogEntry{Message: "hello", Service: "api"})
	require.NotNil(t, e)
	assert.Equal(t, model.LevelInfo, e.Level)
	assert.Equal(t, 1, p.LogBuffer().Len())

	sched.Tick(context.Background(), JobLogs)

	assert.Zero(t, p.LogBuffer().Len())
	assert.Equal(t, 1, p.Ring().Len())
	assert.Len(t, redisClient.pushed, 1)
	assert.FileExists(t, filepath.Join(p.cfg.Dir(RawDir), "logs-2026-07-01.json"))
	assert.Equal(t, 1, p.Realtime().Pending())
}

func TestIngestLine_RegistersDirectSource(t *testing.T) {
	p, sched := startPipeline(t, testConfig(t), Options{})

	ok, err := p.IngestLine("tcp", `{"level":"error","message":"boom","service":"worker"}`)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.IngestLine("tcp", `{"level":"info","message":"again"}`)
	require.NoError(t, err)
	assert.True(t, ok)

	sources := p.Collector().Sources()
	require.Len(t, sources, 1)
	assert.Equal(t, "tcp", sources[0].Name)

	sched.Tick(context.Background(), JobLogs)
	sched.Tick(context.Background(), JobLogs)
	entries := p.Ring().Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, model.LevelError, entries[0].Level)
	assert.Equal(t, "worker", entries[0].Service)
}

func TestRealtimeSignal_RaisesAlert(t *testing.T) {
	p, sched := startPipeline(t, testConfig(t), Options{})

	for i := 0; i < 100; i++ {
		status := 200
		if i%10 == 0 {
			status = 500
		}
		require.True(t, p.RecordHTTPRequest(metrics.HTTPRequest{
			Method: "GET", Path: "/api/orders", StatusCode: status, ResponseTime: 20,
		}))
	}

	sched.Tick(context.Background(), JobRealtime)

	snap := p.Realtime().Last()
	assert.Equal(t, 100, snap.Total)
	assert.InDelta(t, 0.1, snap.ErrorRate, 1e-9)

	events := p.Alerts().Alerts(alerting.Filter{RuleID: alerting.SignalRulePrefix + analyzer.SignalHighErrorRate})
	require.Len(t, events, 1)
	assert.InDelta(t, 0.1, events[0].Value, 1e-9)

	// The same series drives the built-in error rate rule.
	sched.Tick(context.Background(), alerting.JobName)
	assert.Len(t, p.Alerts().Alerts(alerting.Filter{RuleID: "high-error-rate"}), 1)
}

func TestRecordedMetrics_ReachAggregator(t *testing.T) {
	p, sched := startPipeline(t, testConfig(t), Options{})

	p.RecordDatabaseQuery(metrics.DatabaseQuery{Query: "SELECT 1", Duration: 4, Success: true})
	p.RecordCacheOperation(metrics.CacheOperation{Operation: "get", Key: "user:1", Hit: true, Duration: 1})
	p.RecordBusinessMetric(metrics.BusinessEvent{Category: "checkout", Count: 1, Success: true})
	for i := 0; i < 3; i++ {
		sched.Tick(context.Background(), JobMetrics)
	}

	assert.Zero(t, p.MetricBuffer().Len())
	assert.Len(t, p.Aggregator().Keys(), 3)
	assert.FileExists(t, filepath.Join(p.cfg.Dir(RawDir), "metrics-2026-07-01.json"))
}

func TestBatchAnalysis_WritesResults(t *testing.T) {
	p, sched := startPipeline(t, testConfig(t), Options{})

	for i := 0; i < 12; i++ {
		p.CollectEntry(&model.LogEntry{
			Level:     model.LevelError,
			Message:   "db timeout",
			Service:   "api",
			Timestamp: now.Add(-time.Minute),
		})
		sched.Tick(context.Background(), JobLogs)
	}

	sched.Tick(context.Background(), JobBatch)

	files, err := filepath.Glob(filepath.Join(p.cfg.Dir(AnalysisDir), analyzer.FilePrefix+string(model.AnalysisError)+"-*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	results, err := p.Analyses().AnalysesBetween(context.Background(), now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		if r.Type == model.AnalysisError {
			assert.EqualValues(t, 12, r.Metrics["totalErrors"])
			require.Len(t, r.Alerts, 1)
			assert.Equal(t, model.SeverityHigh, r.Alerts[0].Severity)
		}
	}
}

type recordingNotifier struct {
	recipients []string
	paths      []string
}

func (n *recordingNotifier) Notify(_ context.Context, recipients []string, _ *reporter.Report, path string) error {
	n.recipients = append(n.recipients, recipients...)
	n.paths = append(n.paths, path)
	return nil
}

func TestScheduledReport_WritesFile(t *testing.T) {
	n := &recordingNotifier{}
	cfg := testConfig(t)
	cfg.Reports.Schedules = []reporter.Schedule{
		{Type: reporter.TypeDaily, Cron: "0 6 * * *", Recipients: []string{"ops@example.com"}},
		{Type: reporter.TypeWeekly, Cron: "0 7 * * 1"},
	}
	p, sched := startPipeline(t, cfg, Options{Notifier: n})

	p.CollectEntry(&model.LogEntry{Level: model.LevelError, Message: "checkout failed", Timestamp: now.Add(-time.Hour)})
	sched.Tick(context.Background(), JobLogs)

	sched.RunCron(context.Background(), reporter.JobName(reporter.TypeDaily))

	want := filepath.Join(p.cfg.Dir(ReportsDir), reporter.FileName(reporter.TypeDaily, now, reporter.FormatHTML))
	require.Equal(t, []string{want}, n.paths)
	assert.Equal(t, []string{"ops@example.com"}, n.recipients)

	sched.RunCron(context.Background(), reporter.JobName(reporter.TypeWeekly))
	assert.Len(t, n.paths, 1, "schedules without recipients are not delivered")
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Contains(t, string(data), "checkout failed")
}

func TestStop_DrainsBuffers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logs.BatchSize = 50
	sched := scheduler.NewManual()
	p, err := New(context.Background(), cfg, sched, Options{Logger: zaptest.NewLogger(t), Now: clock})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	for i := 0; i < 3; i++ {
		p.CollectEntry(&model.LogEntry{Message: "pending"})
	}
	sched.Tick(context.Background(), JobLogs)
	assert.Equal(t, 3, p.LogBuffer().Len())

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 3, p.Ring().Len())
	assert.Empty(t, sched.Names())
}

type failingWriter struct{}

func (failingWriter) WriteMessages(context.Context, ...kafka.Message) error {
	return errors.New("broker unavailable")
}

func (failingWriter) Close() error { return nil }

func TestJournal_RecoversAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal = true

	first, err := New(context.Background(), cfg, scheduler.NewManual(), Options{
		Logger: zaptest.NewLogger(t),
		Now:    clock,
		Kafka:  failingWriter{},
	})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	first.CollectEntry(&model.LogEntry{Message: "survives"})
	assert.Error(t, first.Stop(context.Background()))

	second, _ := startPipeline(t, cfg, Options{})
	require.Equal(t, 1, second.LogBuffer().Len())
}

func TestStats(t *testing.T) {
	p, sched := startPipeline(t, testConfig(t), Options{})
	p.CollectEntry(&model.LogEntry{Message: "one"})
	p.CollectEntry(&model.LogEntry{Message: "two"})
	sched.Tick(context.Background(), JobLogs)

	s := p.Stats(context.Background())
	assert.Equal(t, 2, s.RingEntries)
	assert.Equal(t, 3, s.Rules)
	assert.False(t, s.DuckDB)
	assert.Equal(t, 1.0, s.SamplingRate)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collector.MinLevel = "LOUD"
	_, err := New(context.Background(), cfg, scheduler.NewManual(), Options{})
	assert.ErrorContains(t, err, "min-level")

	cfg = testConfig(t)
	cfg.Alerting.RulesFile = filepath.Join(t.TempDir(), "missing.yml")
	_, err = New(context.Background(), cfg, scheduler.NewManual(), Options{})
	assert.Error(t, err)
}

func TestRulesFile_ReplacesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - id: db-errors
    name: Database errors
    severity: high
    metric: db.error_count
    condition:
      operator: ">"
      threshold: 3
    aggregation: sum
    window: 10m
    enabled: true
`), 0644))
	cfg := testConfig(t)
	cfg.Alerting.RulesFile = path

	p, _ := startPipeline(t, cfg, Options{})
	rules := p.Alerts().Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "db-errors", rules[0].ID)
	assert.Equal(t, 10*time.Minute, rules[0].Window)
}
