// Package selfmetrics exposes the pipeline's own health as Prometheus metrics.
package selfmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Namespace prefixes every metric name.
const Namespace = "beacon"

// Metrics implements the observer interfaces of the buffer, collector,
// recorder, analyzer and alert engine.
type Metrics struct {
	registry *prometheus.Registry

	flushedItems  *prometheus.CounterVec
	flushFailures *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	linesParsed   *prometheus.CounterVec
	parseFailures *prometheus.CounterVec
	filtered      *prometheus.CounterVec
	recorded      *prometheus.CounterVec
	sampledOut    *prometheus.CounterVec
	analyses      *prometheus.CounterVec
	analysisFails *prometheus.CounterVec
	alertsFired   *prometheus.CounterVec
	actionFails   *prometheus.CounterVec
}

// New registers every metric on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Name: name, Help: help}, labels)
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		registry:      reg,
		flushedItems:  counter("buffer_flushed_items_total", "Items written by successful flushes.", "buffer"),
		flushFailures: counter("buffer_flush_failures_total", "Sink writes that failed and requeued a batch.", "buffer", "sink"),
		linesParsed:   counter("collector_lines_parsed_total", "Lines turned into log entries.", "source"),
		parseFailures: counter("collector_parse_failures_total", "Lines no parser accepted.", "source"),
		filtered:      counter("collector_entries_filtered_total", "Entries dropped by level or service filters.", "source"),
		recorded:      counter("recorder_metrics_total", "Metrics accepted by the recorder.", "type"),
		sampledOut:    counter("recorder_metrics_sampled_out_total", "Metrics rejected by sampling.", "type"),
		analyses:      counter("analysis_runs_total", "Completed batch analyses.", "type"),
		analysisFails: counter("analysis_failures_total", "Batch analyses that errored or panicked.", "type"),
		alertsFired:   counter("alerts_fired_total", "Alert events created.", "rule", "severity"),
		actionFails:   counter("alert_action_failures_total", "Alert actions that failed.", "action"),
	}
	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "buffer_queue_depth",
		Help:      "Items waiting in the ingestion buffer.",
	}, []string{"buffer"})
	reg.MustRegister(m.queueDepth)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

func (m *Metrics) Flushed(buffer string, items int) {
	m.flushedItems.WithLabelValues(buffer).Add(float64(items))
}

func (m *Metrics) FlushFailed(buffer, sink string) {
	m.flushFailures.WithLabelValues(buffer, sink).Inc()
}

func (m *Metrics) QueueDepth(buffer string, depth int) {
	m.queueDepth.WithLabelValues(buffer).Set(float64(depth))
}

func (m *Metrics) LineParsed(source string)    { m.linesParsed.WithLabelValues(source).Inc() }
func (m *Metrics) ParseFailed(source string)   { m.parseFailures.WithLabelValues(source).Inc() }
func (m *Metrics) EntryFiltered(source string) { m.filtered.WithLabelValues(source).Inc() }

func (m *Metrics) MetricRecorded(t model.MetricType) { m.recorded.WithLabelValues(string(t)).Inc() }
func (m *Metrics) MetricDropped(t model.MetricType)  { m.sampledOut.WithLabelValues(string(t)).Inc() }

// AnalysisCompleted counts a finished analysis; alerts is unused here.
func (m *Metrics) AnalysisCompleted(kind model.AnalysisType, _ int) {
	m.analyses.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) AnalysisFailed(kind model.AnalysisType) {
	m.analysisFails.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) AlertFired(ev *model.AlertEvent) {
	m.alertsFired.WithLabelValues(ev.RuleID, string(ev.Severity)).Inc()
}

func (m *Metrics) ActionFailed(actionType string) {
	m.actionFails.WithLabelValues(actionType).Inc()
}
