package collector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/scheduler"
)

type captureSink struct {
	mu      sync.Mutex
	entries []*model.LogEntry
}

func (s *captureSink) Add(e *model.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *captureSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Message)
	}
	return out
}

type countingObserver struct {
	parsed, failed, filtered int
}

func (o *countingObserver) LineParsed(string)    { o.parsed++ }
func (o *countingObserver) ParseFailed(string)   { o.failed++ }
func (o *countingObserver) EntryFiltered(string) { o.filtered++ }

func newTestCollector(t *testing.T, cfg Config) (*Collector, *captureSink, *scheduler.Manual) {
	t.Helper()
	sink := &captureSink{}
	sched := scheduler.NewManual()
	c := New(sink, sched, cfg, Options{Logger: zaptest.NewLogger(t)})
	return c, sink, sched
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestRegisterSource_RejectsDuplicatesAndUnknownParsers(t *testing.T) {
	c, _, _ := newTestCollector(t, Config{})
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "app", Path: "app.log"}))

	err := c.RegisterSource(SourceConfig{Name: "app"})
	assert.ErrorIs(t, err, ErrSourceExists)

	err = c.RegisterSource(SourceConfig{Name: "bad", Parsers: []string{"xml"}})
	assert.Error(t, err)

	_, err = c.Poll(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestPoll_ReadsOnlyNewCompleteLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	c, sink, _ := newTestCollector(t, Config{})
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "app", Path: path}))
	ctx := context.Background()

	appendFile(t, path, `{"level":"info","message":"one"}`+"\n"+`{"level":"warn","message":"two"}`+"\n"+`{"level":"info","mess`)
	n, err := c.Poll(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Poll(ctx, "app")
	require.NoError(t, err)
	assert.Zero(t, n, "nothing new since last poll")

	appendFile(t, path, `age":"three"}`+"\n")
	n, err = c.Poll(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"one", "two", "three"}, sink.messages())
	assert.Equal(t, "app", sink.entries[0].Source)
}

func TestPoll_RespectsBatchSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	c, sink, _ := newTestCollector(t, Config{})
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "app", Path: path, BatchSize: 2, Parsers: []string{"plain"}}))

	appendFile(t, path, "a\nb\nc\n")
	n, err := c.Poll(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Poll(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a", "b", "c"}, sink.messages())
}

func TestPoll_TruncatedFileRestartsFromZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	c, sink, _ := newTestCollector(t, Config{})
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "app", Path: path, Parsers: []string{"plain"}}))
	ctx := context.Background()

	appendFile(t, path, "first line that is long\n")
	_, err := c.Poll(ctx, "app")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rotated\n"), 0644))
	n, err := c.Poll(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"first line that is long", "rotated"}, sink.messages())
}

func TestPoll_UnparseableLinesAreDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	obs := &countingObserver{}
	sink := &captureSink{}
	c := New(sink, scheduler.NewManual(), Config{}, Options{Logger: zaptest.NewLogger(t), Observer: obs})
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "app", Path: path, Parsers: []string{"json"}}))

	appendFile(t, path, "not json\n"+`{"message":"ok"}`+"\n")
	n, err := c.Poll(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, obs.failed)
	assert.Equal(t, 1, obs.parsed)

	n, err = c.Poll(context.Background(), "app")
	require.NoError(t, err)
	assert.Zero(t, n, "dropped lines are not retried")
}

func TestOffsetsPersistAcrossCollectors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	offsetPath := filepath.Join(dir, "state", "offsets.json")
	appendFile(t, path, "a\nb\n")

	store, err := LoadOffsetStore(offsetPath)
	require.NoError(t, err)
	first := &captureSink{}
	c := New(first, scheduler.NewManual(), Config{}, Options{Offsets: store})
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "app", Path: path, Parsers: []string{"plain"}}))
	_, err = c.Poll(context.Background(), "app")
	require.NoError(t, err)

	appendFile(t, path, "c\n")
	reloaded, err := LoadOffsetStore(offsetPath)
	require.NoError(t, err)
	second := &captureSink{}
	c2 := New(second, scheduler.NewManual(), Config{}, Options{Offsets: reloaded})
	require.NoError(t, c2.RegisterSource(SourceConfig{Name: "app", Path: path, Parsers: []string{"plain"}}))
	_, err = c2.Poll(context.Background(), "app")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, first.messages())
	assert.Equal(t, []string{"c"}, second.messages())
}

func TestFeed_JoinsMultilineJSON(t *testing.T) {
	c, sink, _ := newTestCollector(t, Config{})
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "tcp"}))

	for _, line := range []string{"{", `  "level": "error",`, `  "message": "multi"`, "}"} {
		_, err := c.Feed("tcp", line)
		require.NoError(t, err)
	}
	require.Len(t, sink.entries, 1)
	assert.Equal(t, model.LevelError, sink.entries[0].Level)
	assert.Equal(t, "multi", sink.entries[0].Message)

	_, err := c.Feed("nope", "x")
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestCollectEntry_FillsDefaultsAndAnonymizes(t *testing.T) {
	c, sink, _ := newTestCollector(t, Config{Anonymize: true})

	in := &model.LogEntry{Message: "login", IP: "203.0.113.7", UserID: "alice@example.com",
		Metadata: map[string]any{"password": "hunter2", "client": "198.51.100.23"}}
	out := c.CollectEntry(in)
	require.NotNil(t, out)

	assert.NotEmpty(t, out.ID)
	assert.False(t, out.Timestamp.IsZero())
	assert.Equal(t, model.LevelInfo, out.Level)
	assert.Equal(t, model.DefaultService, out.Service)
	assert.Equal(t, DirectSource, out.Source)
	assert.Equal(t, "203.0.113.xxx", out.IP)
	assert.Equal(t, "a***@example.com", out.UserID)
	assert.Equal(t, Redacted, out.Metadata["password"])
	assert.Equal(t, "198.51.100.xxx", out.Metadata["client"])
	assert.True(t, out.Anonymized)
	assert.True(t, out.Processed)

	assert.Equal(t, "203.0.113.7", in.IP, "caller's entry is not mutated")
	assert.Len(t, sink.entries, 1)
}

func TestFilters(t *testing.T) {
	obs := &countingObserver{}
	sink := &captureSink{}
	c := New(sink, scheduler.NewManual(), Config{MinLevel: model.LevelWarn, ExcludeServices: []string{"noisy"}},
		Options{Observer: obs})

	assert.Nil(t, c.CollectEntry(&model.LogEntry{Message: "debug", Level: model.LevelDebug}))
	assert.Nil(t, c.CollectEntry(&model.LogEntry{Message: "x", Level: model.LevelError, Service: "noisy"}))
	assert.NotNil(t, c.CollectEntry(&model.LogEntry{Message: "kept", Level: model.LevelError, Service: "api"}))

	assert.Equal(t, []string{"kept"}, sink.messages())
	assert.Equal(t, 2, obs.filtered)
}

func TestStartStopRestartScheduling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	c, sink, sched := newTestCollector(t, Config{})
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "app", Path: path, Parsers: []string{"plain"}, PollInterval: 2 * time.Second}))
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "direct"}))
	ctx := context.Background()

	c.Start()
	iv, ok := sched.Interval(JobName("app"))
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, iv)
	_, ok = sched.Interval(JobName("direct"))
	assert.False(t, ok, "direct-feed sources are not polled")

	appendFile(t, path, "one\n")
	assert.Equal(t, 1, sched.Tick(ctx, JobName("app")))

	require.NoError(t, c.StopSource("app"))
	appendFile(t, path, "two\n")
	assert.Equal(t, 0, sched.Tick(ctx, JobName("app")))
	assert.Equal(t, []string{"one"}, sink.messages())

	c.Restart()
	assert.Equal(t, 1, sched.Tick(ctx, JobName("app")))
	assert.Equal(t, []string{"one", "two"}, sink.messages())

	assert.ErrorIs(t, c.StopSource("ghost"), ErrSourceNotFound)
}

func TestWatch_PollsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	c, sink, _ := newTestCollector(t, Config{})
	require.NoError(t, c.RegisterSource(SourceConfig{Name: "app", Path: path, Parsers: []string{"plain"}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	require.Eventually(t, func() bool {
		appendFile(t, path, "tick\n")
		return len(sink.messages()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
