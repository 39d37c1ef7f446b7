// Package metrics records typed performance samples, keeps rolling series
// per metric name for alerting and aggregates flushed batches per key.
package metrics

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Metric names of the typed helpers.
const (
	NameHTTPRequest     = "http_request"
	NameDatabaseQuery   = "database_query"
	NameCacheOperation  = "cache_operation"
	NameSystemResources = "system_resources"
)

// Queue receives accepted metrics, normally a metric ingestion buffer.
type Queue interface {
	Add(m *model.PerformanceMetric)
}

// Listener sees every accepted metric, e.g. the realtime analyzer.
type Listener interface {
	ObserveMetric(m *model.PerformanceMetric)
}

// Observer counts recorder outcomes.
type Observer interface {
	MetricRecorded(t model.MetricType)
	MetricDropped(t model.MetricType)
}

// Config controls sampling and which metric types are recorded. A
// SamplingRate of 0 records nothing.
type Config struct {
	SamplingRate float64
	Disabled     []model.MetricType
}

// DefaultConfig records every metric type at full rate.
func DefaultConfig() Config {
	return Config{SamplingRate: model.DefaultSamplingRate}
}

// ValidSamplingRate reports whether rate lies in [0, 1].
func ValidSamplingRate(rate float64) bool {
	return rate >= 0 && rate <= 1
}

// Options carries optional collaborators.
type Options struct {
	Logger    *zap.Logger
	Observer  Observer
	Listeners []Listener
	Rand      func() float64
	Now       func() time.Time
}

// Recorder is the entry point for in-process instrumentation.
type Recorder struct {
	queue     Queue
	series    *SeriesStore
	listeners []Listener
	observer  Observer
	logger    *zap.Logger
	rand      func() float64
	now       func() time.Time

	mu       sync.RWMutex
	rate     float64
	disabled map[model.MetricType]bool
}

// NewRecorder creates a recorder feeding queue and series. series may be nil.
func NewRecorder(queue Queue, series *SeriesStore, cfg Config, opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if !ValidSamplingRate(cfg.SamplingRate) {
		opts.Logger.Warn("sampling rate out of range, recording everything",
			zap.Float64("rate", cfg.SamplingRate))
		cfg.SamplingRate = model.DefaultSamplingRate
	}
	disabled := make(map[model.MetricType]bool, len(cfg.Disabled))
	for _, t := range cfg.Disabled {
		disabled[t] = true
	}
	return &Recorder{
		queue:     queue,
		series:    series,
		listeners: opts.Listeners,
		observer:  opts.Observer,
		logger:    opts.Logger,
		rand:      opts.Rand,
		now:       opts.Now,
		rate:      cfg.SamplingRate,
		disabled:  disabled,
	}
}

// AddListener registers a listener for accepted metrics. It must be called
// before recording starts.
func (r *Recorder) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// Series returns the series store fed by the recorder.
func (r *Recorder) Series() *SeriesStore { return r.series }

// SetEnabled toggles recording of one metric type.
func (r *Recorder) SetEnabled(t model.MetricType, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[t] = !enabled
}

// Enabled reports whether t is recorded.
func (r *Recorder) Enabled(t model.MetricType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.disabled[t]
}

// SetSamplingRate changes the sampling rate. It returns false and keeps the
// current rate when rate is outside [0, 1].
func (r *Recorder) SetSamplingRate(rate float64) bool {
	if !ValidSamplingRate(rate) {
		return false
	}
	r.mu.Lock()
	r.rate = rate
	r.mu.Unlock()
	return true
}

// SamplingRate returns the current sampling rate.
func (r *Recorder) SamplingRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rate
}

// Record accepts m unless its type is disabled or it is sampled out.
// Accepted metrics get an ID and timestamp, feed the series store and are
// queued for flushing.
func (r *Recorder) Record(m *model.PerformanceMetric) bool {
	if m == nil {
		return false
	}
	if !r.Enabled(m.Type) {
		return false
	}
	if r.rand() >= r.SamplingRate() {
		if r.observer != nil {
			r.observer.MetricDropped(m.Type)
		}
		return false
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = r.now()
	}

	if r.series != nil {
		for name, v := range derivedPoints(m) {
			r.series.Append(name, m.Timestamp, v)
		}
	}
	if r.queue != nil {
		r.queue.Add(m)
	}
	for _, l := range r.listeners {
		l.ObserveMetric(m)
	}
	if r.observer != nil {
		r.observer.MetricRecorded(m.Type)
	}
	return true
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// derivedPoints maps one metric onto the named series alert rules refer to.
func derivedPoints(m *model.PerformanceMetric) map[string]float64 {
	switch {
	case m.HTTP != nil:
		failed := boolValue(m.HTTP.StatusCode >= 400)
		return map[string]float64{
			"http.response_time": m.Value,
			"http.request_count": 1,
			"http.error_count":   failed,
			"http.error_rate":    failed,
		}
	case m.Database != nil:
		return map[string]float64{
			"db.query_time":  m.Value,
			"db.error_count": boolValue(!m.Database.Success),
		}
	case m.Cache != nil:
		return map[string]float64{
			"cache.hit_rate":       boolValue(m.Cache.Hit),
			"cache.operation_time": m.Value,
		}
	case m.System != nil:
		return map[string]float64{
			"system.cpu_usage":    m.System.CPUPercent,
			"system.memory_usage": m.System.MemoryPercent,
			"system.load1":        m.System.Load1,
		}
	case m.Business != nil:
		prefix := "business." + m.Business.Category
		return map[string]float64{
			prefix + ".count":        m.Value,
			prefix + ".success_rate": boolValue(m.Business.Success),
		}
	default:
		return map[string]float64{m.Name: m.Value}
	}
}
