// Package alerting evaluates threshold rules against metric series and keeps
// the lifecycle of the alerts they fire.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/scheduler"
	"github.com/tinytelemetry/beacon/internal/stats"
)

var (
	ErrRuleNotFound  = errors.New("alert rule not found")
	ErrRuleExists    = errors.New("alert rule already exists")
	ErrAlertNotFound = errors.New("alert not found")
)

// SignalRulePrefix prefixes the RuleID of alerts raised from realtime signals.
const SignalRulePrefix = "realtime:"

// JobName is the scheduler job that runs Evaluate.
const JobName = "alerting:evaluate"

// Engine defaults.
const (
	DefaultSignalCooldown = 5 * time.Minute
	DefaultMaxEvents      = 10_000
)

// SeriesSource supplies the values of a metric series within a trailing window.
type SeriesSource interface {
	Values(name string, window time.Duration) []float64
}

// Observer is notified of every fired alert and every failed action.
type Observer interface {
	AlertFired(ev *model.AlertEvent)
	ActionFailed(actionType string)
}

// Config tunes the engine.
type Config struct {
	CheckInterval  time.Duration
	SignalCooldown time.Duration
	SignalActions  []model.ActionConfig
	// MaxEvents bounds retained events; only resolved events are evicted.
	MaxEvents int
}

// Options carries the engine collaborators.
type Options struct {
	Logger   *zap.Logger
	Actions  map[string]Action
	Observer Observer
	Now      func() time.Time
}

// Filter selects alert events. Zero fields match everything.
type Filter struct {
	RuleID       string
	Severity     model.Severity
	Resolved     *bool
	Acknowledged *bool
	Since        time.Time
	Until        time.Time
	Limit        int
}

func (f Filter) match(ev *model.AlertEvent) bool {
	switch {
	case f.RuleID != "" && ev.RuleID != f.RuleID:
		return false
	case f.Severity != "" && ev.Severity != f.Severity:
		return false
	case f.Resolved != nil && ev.Resolved != *f.Resolved:
		return false
	case f.Acknowledged != nil && ev.Acknowledged != *f.Acknowledged:
		return false
	case !f.Since.IsZero() && ev.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && ev.Timestamp.After(f.Until):
		return false
	}
	return true
}

// Engine holds alert rules and fired alerts.
type Engine struct {
	series   SeriesSource
	cfg      Config
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	mu        sync.Mutex
	rules     map[string]*model.AlertRule
	order     []string
	cooldowns map[string]time.Time
	events    []*model.AlertEvent
	byID      map[string]*model.AlertEvent
	actions   map[string]Action
	subs      []func(model.AlertEvent)

	running atomic.Bool
}

// NewEngine creates an engine reading series.
func NewEngine(series SeriesSource, cfg Config, opts Options) *Engine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = model.DefaultCheckInterval
	}
	if cfg.SignalCooldown <= 0 {
		cfg.SignalCooldown = DefaultSignalCooldown
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Actions == nil {
		opts.Actions = DefaultActions(opts.Logger)
	}
	return &Engine{
		series:    series,
		cfg:       cfg,
		logger:    opts.Logger,
		observer:  opts.Observer,
		now:       opts.Now,
		rules:     make(map[string]*model.AlertRule),
		cooldowns: make(map[string]time.Time),
		byID:      make(map[string]*model.AlertEvent),
		actions:   opts.Actions,
	}
}

// Start schedules Evaluate every CheckInterval.
func (e *Engine) Start(sched scheduler.Scheduler) scheduler.Job {
	return sched.Every(JobName, e.cfg.CheckInterval, func(ctx context.Context) {
		e.Evaluate(ctx)
	})
}

// RegisterAction installs or replaces the action for typ.
func (e *Engine) RegisterAction(typ string, a Action) {
	e.mu.Lock()
	e.actions[typ] = a
	e.mu.Unlock()
}

// AddRule validates and installs r. An empty ID is generated.
func (e *Engine) AddRule(r model.AlertRule) (model.AlertRule, error) {
	if err := ValidateRule(r); err != nil {
		return model.AlertRule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[r.ID]; ok {
		return model.AlertRule{}, fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
	}
	e.rules[r.ID] = cloneRule(&r)
	e.order = append(e.order, r.ID)
	return r, nil
}

// UpdateRule replaces the rule with r.ID. An armed cooldown is kept.
func (e *Engine) UpdateRule(r model.AlertRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[r.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, r.ID)
	}
	e.rules[r.ID] = cloneRule(&r)
	return nil
}

// DeleteRule removes the rule with id.
func (e *Engine) DeleteRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	delete(e.cooldowns, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Rules returns copies of every rule in insertion order.
func (e *Engine) Rules() []model.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.AlertRule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *cloneRule(e.rules[id]))
	}
	return out
}

// Rule returns a copy of the rule with id.
func (e *Engine) Rule(id string) (model.AlertRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return model.AlertRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return *cloneRule(r), nil
}

// CooldownUntil reports when the rule or signal key may fire again.
func (e *Engine) CooldownUntil(key string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.cooldowns[key]
	return t, ok && e.now().Before(t)
}

// Evaluate checks every enabled rule outside its cooldown and returns the
// alerts it fired. An evaluation already in progress makes this a no-op.
func (e *Engine) Evaluate(ctx context.Context) []*model.AlertEvent {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	defer e.running.Store(false)

	now := e.now()
	e.mu.Lock()
	var due []*model.AlertRule
	for _, id := range e.order {
		r := e.rules[id]
		if !r.Enabled || now.Before(e.cooldowns[id]) {
			continue
		}
		due = append(due, cloneRule(r))
	}
	e.mu.Unlock()

	var fired []*model.AlertEvent
	for _, r := range due {
		window := r.Window
		if window == 0 {
			window = DefaultRuleWindow
		}
		values := e.series.Values(r.Metric, window)
		if len(values) == 0 {
			continue
		}
		agg := r.Aggregation
		if agg == "" {
			agg = stats.DefaultAggregation(r.Metric)
		}
		value := stats.Reduce(values, agg)
		if !Compare(value, r.Condition.Operator, r.Condition.Threshold) {
			continue
		}

		ev := &model.AlertEvent{
			ID:        uuid.NewString(),
			RuleID:    r.ID,
			RuleName:  r.Name,
			Severity:  r.Severity,
			Message:   fmt.Sprintf("%s: %s %s %.4g %s %.4g", r.Name, agg, r.Metric, value, r.Condition.Operator, r.Condition.Threshold),
			Timestamp: now,
			Value:     value,
			Data: map[string]any{
				"metric":      r.Metric,
				"aggregation": agg,
				"operator":    r.Condition.Operator,
				"threshold":   r.Condition.Threshold,
				"samples":     len(values),
				"window":      window.String(),
			},
		}
		if !e.record(r.ID, r.Cooldown, ev) {
			continue
		}
		e.logger.Warn("alert fired",
			zap.String("rule", r.Name),
			zap.String("severity", string(r.Severity)),
			zap.Float64("value", value))
		e.dispatch(ctx, ev, r.Actions)
		e.emit(ev)
		fired = append(fired, ev)
	}
	return fired
}

// RaiseSignal turns a realtime signal into an alert with RuleID
// "realtime:<type>". Signals of a type inside its cooldown return nil.
func (e *Engine) RaiseSignal(ctx context.Context, sig model.Signal) *model.AlertEvent {
	key := SignalRulePrefix + sig.Type
	ts := sig.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	ev := &model.AlertEvent{
		ID:        uuid.NewString(),
		RuleID:    key,
		RuleName:  sig.Type,
		Severity:  sig.Severity,
		Message:   sig.Message,
		Timestamp: ts,
		Value:     signalValue(sig.Data),
		Data:      sig.Data,
	}
	if !e.record(key, e.cfg.SignalCooldown, ev) {
		e.logger.Debug("signal in cooldown", zap.String("type", sig.Type))
		return nil
	}
	e.logger.Warn("realtime alert", zap.String("type", sig.Type), zap.String("severity", string(sig.Severity)))
	e.dispatch(ctx, ev, e.cfg.SignalActions)
	e.emit(ev)
	return ev
}

func signalValue(data map[string]any) float64 {
	for _, k := range []string{"value", "errorRate", "avgResponseTime"} {
		if v, ok := data[k]; ok {
			return cast.ToFloat64(v)
		}
	}
	return 0
}

// record stores ev and arms the cooldown for key, unless key is still
// cooling down. The cooldown is armed before any action runs.
func (e *Engine) record(key string, cooldown time.Duration, ev *model.AlertEvent) bool {
	e.mu.Lock()
	if e.now().Before(e.cooldowns[key]) {
		e.mu.Unlock()
		return false
	}
	if cooldown > 0 {
		e.cooldowns[key] = e.now().Add(cooldown)
	}
	e.events = append(e.events, ev)
	e.byID[ev.ID] = ev
	e.evictLocked()
	e.mu.Unlock()
	return true
}

// emit hands ev to the observer and subscribers once its actions ran.
func (e *Engine) emit(ev *model.AlertEvent) {
	e.mu.Lock()
	subs := slices.Clone(e.subs)
	snapshot := *ev
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.AlertFired(&snapshot)
	}
	for _, fn := range subs {
		fn(snapshot)
	}
}

func (e *Engine) evictLocked() {
	excess := len(e.events) - e.cfg.MaxEvents
	if excess <= 0 {
		return
	}
	kept := e.events[:0]
	for _, ev := range e.events {
		if excess > 0 && ev.Resolved {
			delete(e.byID, ev.ID)
			excess--
			continue
		}
		kept = append(kept, ev)
	}
	e.events = kept
}

// dispatch runs each enabled action; a failing or panicking action does not
// stop the rest.
func (e *Engine) dispatch(ctx context.Context, ev *model.AlertEvent, cfgs []model.ActionConfig) {
	snapshot := *ev
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		e.mu.Lock()
		action, ok := e.actions[cfg.Type]
		e.mu.Unlock()

		var err error
		if !ok {
			err = fmt.Errorf("unknown action type %q", cfg.Type)
		} else {
			err = runAction(ctx, action, &snapshot, cfg)
		}
		if err != nil {
			e.logger.Error("alert action failed",
				zap.String("alert", ev.ID),
				zap.String("rule", ev.RuleID),
				zap.String("action", cfg.Type),
				zap.Error(err))
			if e.observer != nil {
				e.observer.ActionFailed(cfg.Type)
			}
		}
	}
}

func runAction(ctx context.Context, a Action, ev *model.AlertEvent, cfg model.ActionConfig) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v", r)
		}
	}()
	return a.Execute(ctx, ev, cfg)
}

// Acknowledge marks the alert acknowledged by by. It returns false when the
// alert was already acknowledged.
func (e *Engine) Acknowledge(id, by string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.byID[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if ev.Acknowledged {
		return false, nil
	}
	now := e.now()
	ev.Acknowledged = true
	ev.AcknowledgedAt = &now
	ev.AcknowledgedBy = by
	return true, nil
}

// Resolve marks the alert resolved. It returns false when it already was.
func (e *Engine) Resolve(id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.byID[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if ev.Resolved {
		return false, nil
	}
	now := e.now()
	ev.Resolved = true
	ev.ResolvedAt = &now
	return true, nil
}

// Alert returns a copy of the event with id.
func (e *Engine) Alert(id string) (model.AlertEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.byID[id]
	if !ok {
		return model.AlertEvent{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return *ev, nil
}

// Alerts returns copies of the matching events, newest first.
func (e *Engine) Alerts(f Filter) []model.AlertEvent {
	e.mu.Lock()
	out := make([]model.AlertEvent, 0)
	for _, ev := range e.events {
		if f.match(ev) {
			out = append(out, *ev)
		}
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Active returns the unresolved events, newest first.
func (e *Engine) Active() []model.AlertEvent {
	resolved := false
	return e.Alerts(Filter{Resolved: &resolved})
}

// Subscribe registers fn for every fired alert.
func (e *Engine) Subscribe(fn func(model.AlertEvent)) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

func cloneRule(r *model.AlertRule) *model.AlertRule {
	c := *r
	c.Actions = make([]model.ActionConfig, len(r.Actions))
	for i, a := range r.Actions {
		c.Actions[i] = a
		if a.Params != nil {
			c.Actions[i].Params = make(map[string]string, len(a.Params))
			for k, v := range a.Params {
				c.Actions[i].Params[k] = v
			}
		}
	}
	return &c
}

// AlertsBetween returns the events fired within [start, end], newest first.
func (e *Engine) AlertsBetween(start, end time.Time) []model.AlertEvent {
	return e.Alerts(Filter{Since: start, Until: end})
}
