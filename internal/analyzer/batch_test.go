package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/beacon/internal/model"
)

type sliceSource struct {
	entries []*model.LogEntry
	err     error
}

func (s *sliceSource) EntriesBetween(_ context.Context, start, end time.Time) ([]*model.LogEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*model.LogEntry
	for _, e := range s.entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

type memStore struct {
	mu      sync.Mutex
	results []*model.AnalysisResult
	err     error
}

func (m *memStore) SaveAnalysis(_ context.Context, r *model.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.results = append(m.results, r)
	return nil
}

func (m *memStore) AnalysesBetween(_ context.Context, start, end time.Time) ([]*model.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AnalysisResult
	for _, r := range m.results {
		if r.Window.Overlaps(model.Window{Start: start, End: end}) {
			out = append(out, r)
		}
	}
	return out, nil
}

func entryAt(offset time.Duration, level model.Level, msg string) *model.LogEntry {
	return &model.LogEntry{
		ID:        fmt.Sprintf("%s-%d", msg, offset),
		Timestamp: now.Add(-offset),
		Level:     level,
		Message:   msg,
		Service:   "api",
	}
}

func resultOf(t *testing.T, results []*model.AnalysisResult, kind model.AnalysisType) *model.AnalysisResult {
	t.Helper()
	for _, r := range results {
		if r.Type == kind {
			return r
		}
	}
	t.Fatalf("no %s result", kind)
	return nil
}

func TestRunBatch_ErrorAnalysisAlert(t *testing.T) {
	src := &sliceSource{}
	for i := 0; i < 12; i++ {
		e := entryAt(time.Duration(i)*time.Minute, model.LevelError, "db timeout")
		e.Module = "orders"
		e.Error = &model.ErrorInfo{Name: "TimeoutError"}
		src.entries = append(src.entries, e)
	}
	for i := 0; i < 8; i++ {
		src.entries = append(src.entries, entryAt(time.Duration(i)*time.Second, model.LevelInfo, "ok"))
	}
	// outside the window
	src.entries = append(src.entries, entryAt(2*time.Hour, model.LevelError, "old"))

	store := &memStore{}
	b := NewBatch(src, store, BatchConfig{}, zaptest.NewLogger(t), clock)

	results, err := b.RunBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, results, len(model.AnalysisTypes))
	assert.Len(t, store.results, len(model.AnalysisTypes))

	res := resultOf(t, results, model.AnalysisError)
	assert.Equal(t, 12, res.Metrics["totalErrors"])
	assert.Equal(t, 20, res.Metrics["totalEntries"])
	assert.Equal(t, map[string]int{"TimeoutError": 12}, res.Metrics["errorsByType"])
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, model.SeverityHigh, res.Alerts[0].Severity)
	assert.Equal(t, now.Add(-time.Hour), res.Window.Start)
	assert.Equal(t, now, res.Window.End)
	assert.NotEmpty(t, res.ID)
}

func TestErrorAnalysis_GroupsMessagePatterns(t *testing.T) {
	var entries []*model.LogEntry
	for i, ms := range []int{120, 250, 75, 310} {
		entries = append(entries, entryAt(time.Duration(i)*time.Minute, model.LevelError, fmt.Sprintf("db timeout after %dms", ms)))
	}
	entries = append(entries,
		entryAt(time.Minute, model.LevelError, "payment declined"),
		entryAt(time.Minute, model.LevelInfo, "ok"))

	o := analyzeErrors(entries, Thresholds{ErrorCount: 100, ErrorRate: 0.25})
	assert.Equal(t, 5, o.metrics["distinctErrors"])
	assert.Equal(t, []Count{
		{Key: "db timeout after <*>", Count: 4},
		{Key: "payment declined", Count: 1},
	}, o.metrics["topErrors"])
	assert.Contains(t, o.recommendations, "Error rate is above 25.0%, check recent deployments")
}

func TestRunBatch_NoAlertAtThreshold(t *testing.T) {
	src := &sliceSource{}
	for i := 0; i < 10; i++ {
		src.entries = append(src.entries, entryAt(time.Minute, model.LevelError, fmt.Sprintf("e%d", i)))
	}
	b := NewBatch(src, nil, BatchConfig{Types: []model.AnalysisType{model.AnalysisError}}, zaptest.NewLogger(t), clock)
	results, err := b.RunBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Alerts)
}

func TestRunBatch_SourceError(t *testing.T) {
	b := NewBatch(&sliceSource{err: errors.New("boom")}, nil, BatchConfig{}, zaptest.NewLogger(t), clock)
	_, err := b.RunBatch(context.Background())
	assert.ErrorContains(t, err, "boom")
}

func TestRunBatch_StoreErrorDoesNotStopPass(t *testing.T) {
	src := &sliceSource{entries: []*model.LogEntry{entryAt(time.Minute, model.LevelInfo, "x")}}
	b := NewBatch(src, &memStore{err: errors.New("disk full")}, BatchConfig{}, zaptest.NewLogger(t), clock)
	results, err := b.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, len(model.AnalysisTypes))
}

func TestRunBatch_UnknownTypeSkipped(t *testing.T) {
	b := NewBatch(&sliceSource{}, nil, BatchConfig{
		Types: []model.AnalysisType{"bogus", model.AnalysisBusiness},
	}, zaptest.NewLogger(t), clock)
	results, err := b.RunBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.AnalysisBusiness, results[0].Type)
}

func TestPerformanceAnalysis(t *testing.T) {
	var entries []*model.LogEntry
	for i := 1; i <= 100; i++ {
		e := entryAt(time.Minute, model.LevelInfo, "req")
		e.Method = "GET"
		e.URL = "/fast?q=1"
		e.ResponseTime = model.Float64(float64(i))
		entries = append(entries, e)
	}
	slow := entryAt(time.Minute, model.LevelInfo, "req")
	slow.Method = "POST"
	slow.URL = "/slow"
	slow.ResponseTime = model.Float64(5000)
	entries = append(entries, slow)

	o := analyzePerformance(entries, Thresholds{AvgResponseTime: 1000})
	assert.Equal(t, 101, o.metrics["count"])
	assert.Equal(t, 1.0, o.metrics["minResponseTime"])
	assert.Equal(t, 5000.0, o.metrics["maxResponseTime"])
	assert.Empty(t, o.alerts)
	assert.Contains(t, o.insights[1], "POST /slow")

	o = analyzePerformance([]*model.LogEntry{slow}, Thresholds{AvgResponseTime: 1000})
	require.Len(t, o.alerts, 1)
	assert.Equal(t, model.SeverityMedium, o.alerts[0].Severity)
}

func TestUserBehaviorAnalysis(t *testing.T) {
	mk := func(user, session, url string) *model.LogEntry {
		e := entryAt(time.Minute, model.LevelInfo, "view")
		e.UserID, e.SessionID, e.URL = user, session, url
		return e
	}
	o := analyzeUserBehavior([]*model.LogEntry{
		mk("u1", "s1", "/home"),
		mk("u1", "s1", "/cart"),
		mk("u2", "s2", "/home"),
		mk("", "", "/home"),
	}, Thresholds{})
	assert.Equal(t, 2, o.metrics["uniqueUsers"])
	assert.Equal(t, 2, o.metrics["uniqueSessions"])
	assert.InDelta(t, 1.5, o.metrics["averageActionsPerUser"], 1e-9)
	assert.Equal(t, Count{Key: "/home", Count: 3}, o.metrics["topPages"].([]Count)[0])
}

func TestSecurityAnalysis(t *testing.T) {
	attack := entryAt(time.Minute, model.LevelWarn, "request blocked")
	attack.URL = "/search?q=1 UNION SELECT password FROM users"
	attack.IP = "198.51.100.4"
	tagged := entryAt(time.Minute, model.LevelInfo, "login from new device")
	tagged.Tags = []string{"security"}
	tagged.IP = "198.51.100.9"
	denied := entryAt(time.Minute, model.LevelInfo, "denied")
	denied.StatusCode = 403

	o := analyzeSecurity([]*model.LogEntry{attack, tagged, denied}, Thresholds{})
	assert.Equal(t, 2, o.metrics["suspiciousEntries"])
	assert.Equal(t, 1, o.metrics["attackAttempts"])
	assert.Equal(t, 1, o.metrics["attackEntries"])
	assert.Equal(t, 2, o.metrics["distinctIPs"])
	assert.Equal(t, 1, o.metrics["authFailures"])
	require.Len(t, o.alerts, 1)
	assert.Equal(t, model.SeverityCritical, o.alerts[0].Severity)
	assert.Equal(t, "1 entries match attack patterns (1 keyword hits)", o.alerts[0].Message)
}

func TestSecurityAnalysis_CountsEntriesNotHits(t *testing.T) {
	e := entryAt(time.Minute, model.LevelWarn, "<script>alert(1)</script> xss")
	e.URL = "/../etc/passwd"

	o := analyzeSecurity([]*model.LogEntry{e}, Thresholds{})
	assert.Equal(t, 1, o.metrics["attackEntries"])
	assert.Greater(t, o.metrics["attackAttempts"].(int), 1)
	require.Len(t, o.alerts, 1)
	assert.Contains(t, o.alerts[0].Message, "1 entries match attack patterns")
}

func TestBusinessAnalysis(t *testing.T) {
	mk := func(method, url string, status int) *model.LogEntry {
		e := entryAt(time.Minute, model.LevelInfo, "req")
		e.Method, e.URL, e.StatusCode = method, url, status
		return e
	}
	o := analyzeBusiness([]*model.LogEntry{
		mk("GET", "/items", 200),
		mk("GET", "/items?page=2", 200),
		mk("POST", "/orders", 201),
		mk("POST", "/orders", 500),
		entryAt(time.Minute, model.LevelInfo, "not a request"),
	}, Thresholds{})
	assert.Equal(t, 4, o.metrics["totalRequests"])
	assert.Equal(t, map[string]int{"GET /items": 2, "POST /orders": 2}, o.metrics["requestsByEndpoint"])
	assert.Equal(t, map[string]int{"2xx": 3, "5xx": 1}, o.metrics["statusClasses"])
	assert.InDelta(t, 0.75, o.metrics["successRate"], 1e-9)
}

func TestTopCountsOrdering(t *testing.T) {
	got := topCounts(map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}, 3)
	assert.Equal(t, []Count{{"c", 5}, {"a", 2}, {"b", 2}}, got)
}
