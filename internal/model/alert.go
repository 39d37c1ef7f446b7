package model

import "time"

// Severity ranks alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Condition compares a reduced metric value against a threshold.
type Condition struct {
	Operator  string  `json:"operator" yaml:"operator"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// ActionConfig configures one alert action.
type ActionConfig struct {
	Type    string            `json:"type" yaml:"type"`
	Target  string            `json:"target,omitempty" yaml:"target"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Params  map[string]string `json:"params,omitempty" yaml:"params"`
}

// AlertRule is a threshold rule evaluated against a metric series.
type AlertRule struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Type        string         `json:"type" yaml:"type"`
	Severity    Severity       `json:"severity" yaml:"severity"`
	Metric      string         `json:"metric" yaml:"metric"`
	Condition   Condition      `json:"condition" yaml:"condition"`
	Aggregation string         `json:"aggregation,omitempty" yaml:"aggregation"`
	Window      time.Duration  `json:"window" yaml:"window"`
	Cooldown    time.Duration  `json:"cooldown" yaml:"cooldown"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Actions     []ActionConfig `json:"actions,omitempty" yaml:"actions"`
}

// AlertEvent is a fired alert and its acknowledge/resolve lifecycle.
type AlertEvent struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"ruleId"`
	RuleName       string         `json:"ruleName"`
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	Timestamp      time.Time      `json:"timestamp"`
	Value          float64        `json:"value"`
	Data           map[string]any `json:"data,omitempty"`
	Resolved       bool           `json:"resolved"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string         `json:"acknowledgedBy,omitempty"`
}

// Signal is a push notification raised by the realtime analyzer.
type Signal struct {
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}
