package analyzer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Realtime signal types.
const (
	SignalHighErrorRate    = "high_error_rate"
	SignalHighResponseTime = "high_response_time"
)

// Series written after every realtime pass.
const (
	SeriesRealtimeErrorRate    = "realtime.error_rate"
	SeriesRealtimeResponseTime = "realtime.avg_response_time"
)

// Realtime defaults.
const (
	DefaultErrorRateThreshold    = 0.05
	DefaultResponseTimeThreshold = 1000.0
	DefaultRealtimeQueueSize     = 100_000
)

// RealtimeConfig holds the realtime thresholds.
type RealtimeConfig struct {
	Window                time.Duration
	ErrorRateThreshold    float64
	ResponseTimeThreshold float64 // milliseconds
	MaxQueueSize          int
}

// SeriesWriter receives the realtime aggregates.
type SeriesWriter interface {
	Append(name string, ts time.Time, value float64)
}

// Snapshot is the outcome of one realtime pass.
type Snapshot struct {
	Total           int            `json:"total"`
	Errors          int            `json:"errors"`
	ErrorRate       float64        `json:"errorRate"`
	Timed           int            `json:"timed"`
	AvgResponseTime float64        `json:"avgResponseTime"`
	Signals         []model.Signal `json:"signals,omitempty"`
}

type sample struct {
	failed       bool
	responseTime *float64
}

// Realtime computes cheap checks over the samples seen since the last pass.
type Realtime struct {
	cfg    RealtimeConfig
	series SeriesWriter
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	queue   []sample
	dropped int
	subs    []func(model.Signal)
	last    Snapshot

	running atomic.Bool
}

// NewRealtime creates a realtime analyzer. series and logger may be nil.
func NewRealtime(cfg RealtimeConfig, series SeriesWriter, logger *zap.Logger, now func() time.Time) *Realtime {
	if cfg.Window <= 0 {
		cfg.Window = model.DefaultRealtimeWindow
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = DefaultErrorRateThreshold
	}
	if cfg.ResponseTimeThreshold <= 0 {
		cfg.ResponseTimeThreshold = DefaultResponseTimeThreshold
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultRealtimeQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Realtime{cfg: cfg, series: series, logger: logger, now: now}
}

// Window is the interval between passes.
func (r *Realtime) Window() time.Duration { return r.cfg.Window }

// Subscribe registers fn for every emitted signal.
func (r *Realtime) Subscribe(fn func(model.Signal)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// ObserveEntry queues a log entry sample.
func (r *Realtime) ObserveEntry(e *model.LogEntry) {
	r.push(sample{failed: e.IsError(), responseTime: e.ResponseTime})
}

// ObserveMetric queues an HTTP metric sample; other metric types are ignored.
func (r *Realtime) ObserveMetric(m *model.PerformanceMetric) {
	if m.HTTP == nil {
		return
	}
	rt := m.Value
	r.push(sample{failed: m.IsError(), responseTime: &rt})
}

func (r *Realtime) push(s sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) >= r.cfg.MaxQueueSize {
		r.queue = r.queue[1:]
		r.dropped++
	}
	r.queue = append(r.queue, s)
}

// Pending returns the number of queued samples.
func (r *Realtime) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Last returns the snapshot of the previous pass.
func (r *Realtime) Last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// RunRealtime drains the queue, computes error rate and average response
// time, and emits a signal per exceeded threshold. A pass already running
// makes this call a no-op.
func (r *Realtime) RunRealtime(_ context.Context) Snapshot {
	if !r.running.CompareAndSwap(false, true) {
		return Snapshot{}
	}
	defer r.running.Store(false)

	r.mu.Lock()
	samples := r.queue
	r.queue = nil
	dropped := r.dropped
	r.dropped = 0
	subs := slices.Clone(r.subs)
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.Warn("realtime queue overflowed", zap.Int("dropped", dropped))
	}

	snap := Snapshot{Total: len(samples)}
	if snap.Total == 0 {
		r.setLast(snap)
		return snap
	}
	var rtSum float64
	for _, s := range samples {
		if s.failed {
			snap.Errors++
		}
		if s.responseTime != nil {
			snap.Timed++
			rtSum += *s.responseTime
		}
	}
	snap.ErrorRate = float64(snap.Errors) / float64(snap.Total)
	if snap.Timed > 0 {
		snap.AvgResponseTime = rtSum / float64(snap.Timed)
	}

	ts := r.now()
	if r.series != nil {
		r.series.Append(SeriesRealtimeErrorRate, ts, snap.ErrorRate)
		if snap.Timed > 0 {
			r.series.Append(SeriesRealtimeResponseTime, ts, snap.AvgResponseTime)
		}
	}

	if snap.ErrorRate > r.cfg.ErrorRateThreshold {
		snap.Signals = append(snap.Signals, model.Signal{
			Type:      SignalHighErrorRate,
			Severity:  model.SeverityHigh,
			Message:   fmt.Sprintf("error rate %.2f%% exceeds %.2f%%", snap.ErrorRate*100, r.cfg.ErrorRateThreshold*100),
			Timestamp: ts,
			Data: map[string]any{
				"errorRate": snap.ErrorRate,
				"errors":    snap.Errors,
				"total":     snap.Total,
				"threshold": r.cfg.ErrorRateThreshold,
			},
		})
	}
	if snap.Timed > 0 && snap.AvgResponseTime > r.cfg.ResponseTimeThreshold {
		snap.Signals = append(snap.Signals, model.Signal{
			Type:      SignalHighResponseTime,
			Severity:  model.SeverityMedium,
			Message:   fmt.Sprintf("average response time %.0fms exceeds %.0fms", snap.AvgResponseTime, r.cfg.ResponseTimeThreshold),
			Timestamp: ts,
			Data: map[string]any{
				"avgResponseTime": snap.AvgResponseTime,
				"samples":         snap.Timed,
				"threshold":       r.cfg.ResponseTimeThreshold,
			},
		})
	}

	r.setLast(snap)
	for _, sig := range snap.Signals {
		r.logger.Info("realtime signal", zap.String("type", sig.Type), zap.String("severity", string(sig.Severity)))
		for _, fn := range subs {
			fn(sig)
		}
	}
	return snap
}

func (r *Realtime) setLast(s Snapshot) {
	r.mu.Lock()
	r.last = s
	r.mu.Unlock()
}
