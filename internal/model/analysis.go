package model

import "time"

// AnalysisType names one batch analysis.
type AnalysisType string

const (
	AnalysisError        AnalysisType = "error_analysis"
	AnalysisPerformance  AnalysisType = "performance_analysis"
	AnalysisUserBehavior AnalysisType = "user_behavior_analysis"
	AnalysisSecurity     AnalysisType = "security_analysis"
	AnalysisBusiness     AnalysisType = "business_metrics"
)

// AnalysisTypes lists the batch analyses in execution order.
var AnalysisTypes = []AnalysisType{
	AnalysisError,
	AnalysisPerformance,
	AnalysisUserBehavior,
	AnalysisSecurity,
	AnalysisBusiness,
}

// Window is a closed time interval.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Overlaps reports whether the two windows intersect.
func (w Window) Overlaps(o Window) bool {
	return !w.End.Before(o.Start) && !o.End.Before(w.Start)
}

// AnalysisAlert is a finding attached to an AnalysisResult.
type AnalysisAlert struct {
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// AnalysisResult is the persisted output of one analysis pass over one window.
type AnalysisResult struct {
	ID              string          `json:"id"`
	Type            AnalysisType    `json:"type"`
	Timestamp       time.Time       `json:"timestamp"`
	Window          Window          `json:"window"`
	Metrics         map[string]any  `json:"metrics"`
	Insights        []string        `json:"insights"`
	Alerts          []AnalysisAlert `json:"alerts"`
	Recommendations []string        `json:"recommendations"`
}
