package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/scheduler"
)

type fakeSeries map[string][]float64

func (s fakeSeries) Values(name string, _ time.Duration) []float64 { return s[name] }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingAction struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *countingAction) Execute(context.Context, *model.AlertEvent, model.ActionConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

func newTestEngine(t *testing.T, series SeriesSource, clock *fakeClock, actions map[string]Action) *Engine {
	t.Helper()
	return NewEngine(series, Config{}, Options{
		Logger:  zaptest.NewLogger(t),
		Actions: actions,
		Now:     clock.Now,
	})
}

func errorRateRule() model.AlertRule {
	return model.AlertRule{
		ID:        "err",
		Name:      "error rate",
		Severity:  model.SeverityHigh,
		Metric:    "http.error_rate",
		Condition: model.Condition{Operator: ">", Threshold: 0.05},
		Window:    5 * time.Minute,
		Cooldown:  10 * time.Minute,
		Enabled:   true,
		Actions:   []model.ActionConfig{{Type: "count", Enabled: true}},
	}
}

func TestEvaluate_CooldownSuppressesRefire(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	action := &countingAction{}
	e := newTestEngine(t, fakeSeries{"http.error_rate": {0, 1, 0, 1}}, clock, map[string]Action{"count": action})
	_, err := e.AddRule(errorRateRule())
	require.NoError(t, err)

	fired := e.Evaluate(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, "err", fired[0].RuleID)
	assert.InDelta(t, 0.5, fired[0].Value, 1e-9)
	assert.Equal(t, "avg", fired[0].Data["aggregation"])

	clock.Advance(time.Second)
	assert.Empty(t, e.Evaluate(context.Background()))
	_, cooling := e.CooldownUntil("err")
	assert.True(t, cooling)

	clock.Advance(10 * time.Minute)
	assert.Len(t, e.Evaluate(context.Background()), 1)

	assert.Len(t, e.Alerts(Filter{}), 2)
	assert.Equal(t, 2, action.calls)
}

func TestEvaluate_EmptySeriesNeverFires(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	e := newTestEngine(t, fakeSeries{}, clock, nil)
	r := errorRateRule()
	r.Condition = model.Condition{Operator: "<", Threshold: 1}
	_, err := e.AddRule(r)
	require.NoError(t, err)
	assert.Empty(t, e.Evaluate(context.Background()))
}

func TestEvaluate_DisabledRuleSkipped(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	e := newTestEngine(t, fakeSeries{"http.error_rate": {1}}, clock, nil)
	r := errorRateRule()
	r.Enabled = false
	_, err := e.AddRule(r)
	require.NoError(t, err)
	assert.Empty(t, e.Evaluate(context.Background()))
}

func TestEvaluate_AggregationOverride(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	e := newTestEngine(t, fakeSeries{"http.request_count": {1, 1, 1}}, clock, nil)
	r := model.AlertRule{
		Name: "traffic", Severity: model.SeverityLow, Metric: "http.request_count",
		Condition: model.Condition{Operator: ">=", Threshold: 3}, Enabled: true,
	}
	first, err := e.AddRule(r)
	require.NoError(t, err)
	require.Len(t, e.Evaluate(context.Background()), 1, "count metrics reduce with sum")

	r2 := r
	r2.Name, r2.Aggregation = "traffic-last", "last"
	_, err = e.AddRule(r2)
	require.NoError(t, err)
	fired := e.Evaluate(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, first.ID, fired[0].RuleID)
}

func TestEvaluate_ActionFailureIsolated(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	failing := &countingAction{err: errors.New("smtp down")}
	ok := &countingAction{}
	e := newTestEngine(t, fakeSeries{"http.error_rate": {1}}, clock, map[string]Action{
		"fail": failing,
		"ok":   ok,
		"boom": ActionFunc(func(context.Context, *model.AlertEvent, model.ActionConfig) error { panic("bad") }),
	})
	r := errorRateRule()
	r.Actions = []model.ActionConfig{
		{Type: "fail", Enabled: true},
		{Type: "boom", Enabled: true},
		{Type: "missing", Enabled: true},
		{Type: "ok", Enabled: false},
		{Type: "ok", Enabled: true},
	}
	_, err := e.AddRule(r)
	require.NoError(t, err)

	require.Len(t, e.Evaluate(context.Background()), 1)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
}

func TestAcknowledgeResolveIdempotent(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, fakeSeries{"http.error_rate": {1}}, clock, nil)
	r := errorRateRule()
	r.Actions = nil
	_, err := e.AddRule(r)
	require.NoError(t, err)
	ev := e.Evaluate(context.Background())[0]

	changed, err := e.Resolve(ev.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	first, _ := e.Alert(ev.ID)
	require.NotNil(t, first.ResolvedAt)

	clock.Advance(time.Minute)
	changed, err = e.Resolve(ev.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	second, _ := e.Alert(ev.ID)
	assert.True(t, second.Resolved)
	assert.Equal(t, *first.ResolvedAt, *second.ResolvedAt)

	changed, err = e.Acknowledge(ev.ID, "oncall")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = e.Acknowledge(ev.ID, "someone-else")
	require.NoError(t, err)
	assert.False(t, changed)
	got, _ := e.Alert(ev.ID)
	assert.Equal(t, "oncall", got.AcknowledgedBy)

	_, err = e.Resolve("nope")
	assert.ErrorIs(t, err, ErrAlertNotFound)
	_, err = e.Acknowledge("nope", "x")
	assert.ErrorIs(t, err, ErrAlertNotFound)

	assert.Empty(t, e.Active())
}

func TestRaiseSignal(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, fakeSeries{}, clock, nil)

	var seen []model.AlertEvent
	e.Subscribe(func(ev model.AlertEvent) { seen = append(seen, ev) })

	sig := model.Signal{
		Type:     "high_error_rate",
		Severity: model.SeverityHigh,
		Message:  "error rate 6.00% exceeds 5.00%",
		Data:     map[string]any{"errorRate": 0.06},
	}
	ev := e.RaiseSignal(context.Background(), sig)
	require.NotNil(t, ev)
	assert.Equal(t, "realtime:high_error_rate", ev.RuleID)
	assert.InDelta(t, 0.06, ev.Value, 1e-9)
	assert.Equal(t, clock.Now(), ev.Timestamp)

	clock.Advance(time.Minute)
	assert.Nil(t, e.RaiseSignal(context.Background(), sig))

	clock.Advance(DefaultSignalCooldown)
	assert.NotNil(t, e.RaiseSignal(context.Background(), sig))
	assert.Len(t, seen, 2)
}

type stepAction struct {
	steps *[]string
}

func (a stepAction) Execute(_ context.Context, ev *model.AlertEvent, _ model.ActionConfig) error {
	*a.steps = append(*a.steps, "action:"+ev.RuleID)
	return nil
}

func TestFiredAlert_EmittedAfterActions(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	var steps []string
	e := NewEngine(fakeSeries{"http.error_rate": {1, 1}}, Config{
		SignalActions: []model.ActionConfig{{Type: "step", Enabled: true}},
	}, Options{
		Logger:  zaptest.NewLogger(t),
		Actions: map[string]Action{"step": stepAction{steps: &steps}},
		Now:     clock.Now,
	})
	e.Subscribe(func(ev model.AlertEvent) { steps = append(steps, "emit:"+ev.RuleID) })

	_, err := e.AddRule(model.AlertRule{
		ID: "errors", Name: "errors", Severity: model.SeverityHigh, Metric: "http.error_rate",
		Condition: model.Condition{Operator: ">", Threshold: 0.5}, Enabled: true,
		Actions: []model.ActionConfig{{Type: "step", Enabled: true}},
	})
	require.NoError(t, err)
	require.Len(t, e.Evaluate(context.Background()), 1)

	require.NotNil(t, e.RaiseSignal(context.Background(), model.Signal{Type: "high_error_rate", Severity: model.SeverityHigh}))

	assert.Equal(t, []string{
		"action:errors", "emit:errors",
		"action:realtime:high_error_rate", "emit:realtime:high_error_rate",
	}, steps)
}

func TestRuleAdmin(t *testing.T) {
	e := newTestEngine(t, fakeSeries{}, &fakeClock{t: time.Now()}, nil)

	r, err := e.AddRule(model.AlertRule{
		Name: "cpu", Severity: model.SeverityMedium, Metric: "system.cpu_usage",
		Condition: model.Condition{Operator: ">", Threshold: 90}, Enabled: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)

	_, err = e.AddRule(r)
	assert.ErrorIs(t, err, ErrRuleExists)

	_, err = e.AddRule(model.AlertRule{Name: "bad", Metric: "x", Severity: "urgent", Condition: model.Condition{Operator: ">"}})
	assert.ErrorIs(t, err, ErrInvalidRule)

	r.Condition.Threshold = 95
	require.NoError(t, e.UpdateRule(r))
	got, err := e.Rule(r.ID)
	require.NoError(t, err)
	assert.Equal(t, 95.0, got.Condition.Threshold)

	assert.ErrorIs(t, e.UpdateRule(model.AlertRule{ID: "missing", Name: "m", Metric: "m", Severity: model.SeverityLow, Condition: model.Condition{Operator: ">"}}), ErrRuleNotFound)

	require.NoError(t, e.DeleteRule(r.ID))
	assert.ErrorIs(t, e.DeleteRule(r.ID), ErrRuleNotFound)
	assert.Empty(t, e.Rules())
}

func TestRulesAreCopies(t *testing.T) {
	e := newTestEngine(t, fakeSeries{}, &fakeClock{t: time.Now()}, nil)
	r := errorRateRule()
	r.Actions[0].Params = map[string]string{"k": "v"}
	_, err := e.AddRule(r)
	require.NoError(t, err)

	rules := e.Rules()
	rules[0].Actions[0].Params["k"] = "changed"
	got, _ := e.Rule("err")
	assert.Equal(t, "v", got.Actions[0].Params["k"])
}

func TestAlertsFilter(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(fakeSeries{}, Config{SignalCooldown: time.Second}, Options{Logger: zaptest.NewLogger(t), Now: clock.Now})
	for _, typ := range []string{"a", "b", "c"} {
		e.RaiseSignal(context.Background(), model.Signal{Type: typ, Severity: model.SeverityLow})
		clock.Advance(time.Minute)
	}
	all := e.Alerts(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "realtime:c", all[0].RuleID)

	assert.Len(t, e.Alerts(Filter{RuleID: "realtime:b"}), 1)
	assert.Len(t, e.Alerts(Filter{Since: clock.Now().Add(-2 * time.Minute)}), 2)
	assert.Len(t, e.Alerts(Filter{Limit: 1}), 1)
}

func TestStartSchedulesEvaluate(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	e := newTestEngine(t, fakeSeries{"http.error_rate": {1}}, clock, nil)
	r := errorRateRule()
	r.Actions = nil
	_, err := e.AddRule(r)
	require.NoError(t, err)

	sched := scheduler.NewManual()
	e.Start(sched)
	interval, ok := sched.Interval(JobName)
	require.True(t, ok)
	assert.Equal(t, model.DefaultCheckInterval, interval)

	assert.Equal(t, 1, sched.Tick(context.Background(), JobName))
	assert.Len(t, e.Active(), 1)
}
