package alerting

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/stats"
)

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid alert rule")

// DefaultRuleWindow applies to rules without a window.
const DefaultRuleWindow = 5 * time.Minute

var operators = map[string]func(v, t float64) bool{
	">":  func(v, t float64) bool { return v > t },
	"<":  func(v, t float64) bool { return v < t },
	">=": func(v, t float64) bool { return v >= t },
	"<=": func(v, t float64) bool { return v <= t },
	"==": func(v, t float64) bool { return v == t },
	"!=": func(v, t float64) bool { return v != t },
}

var aggregations = map[string]bool{
	"":             true,
	stats.AggAvg:   true,
	stats.AggSum:   true,
	stats.AggLast:  true,
	stats.AggMin:   true,
	stats.AggMax:   true,
	stats.AggCount: true,
}

// Compare applies op to value and threshold. Unknown operators never match.
func Compare(value float64, op string, threshold float64) bool {
	fn, ok := operators[op]
	return ok && fn(value, threshold)
}

// ValidateRule checks the fields an engine needs to evaluate r.
func ValidateRule(r model.AlertRule) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
	}
	switch {
	case r.Name == "":
		return invalid("name is required")
	case r.Metric == "":
		return invalid("rule %q: metric is required", r.Name)
	case operators[r.Condition.Operator] == nil:
		return invalid("rule %q: unknown operator %q", r.Name, r.Condition.Operator)
	case !r.Severity.Valid():
		return invalid("rule %q: unknown severity %q", r.Name, r.Severity)
	case !aggregations[r.Aggregation]:
		return invalid("rule %q: unknown aggregation %q", r.Name, r.Aggregation)
	case r.Window < 0:
		return invalid("rule %q: negative window", r.Name)
	case r.Cooldown < 0:
		return invalid("rule %q: negative cooldown", r.Name)
	}
	for i, a := range r.Actions {
		if a.Type == "" {
			return invalid("rule %q: action %d has no type", r.Name, i)
		}
	}
	return nil
}

type ruleFile struct {
	Rules []model.AlertRule `yaml:"rules"`
}

// LoadRulesFile reads a YAML document with a top-level "rules" list and
// validates every rule.
func LoadRulesFile(path string) ([]model.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule document.
func ParseRules(data []byte) ([]model.AlertRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		if err := ValidateRule(r); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if r.ID != "" {
			if seen[r.ID] {
				return nil, fmt.Errorf("rule %d: %w: duplicate id %q", i, ErrInvalidRule, r.ID)
			}
			seen[r.ID] = true
		}
	}
	return f.Rules, nil
}

// DefaultRules are installed when no rule file is configured.
func DefaultRules() []model.AlertRule {
	return []model.AlertRule{
		{
			ID:        "high-error-rate",
			Name:      "High HTTP error rate",
			Type:      "threshold",
			Severity:  model.SeverityHigh,
			Metric:    "http.error_rate",
			Condition: model.Condition{Operator: ">", Threshold: 0.05},
			Window:    5 * time.Minute,
			Cooldown:  15 * time.Minute,
			Enabled:   true,
			Actions:   []model.ActionConfig{{Type: ActionLog, Enabled: true}},
		},
		{
			ID:        "slow-responses",
			Name:      "Slow HTTP responses",
			Type:      "threshold",
			Severity:  model.SeverityMedium,
			Metric:    "http.response_time",
			Condition: model.Condition{Operator: ">", Threshold: 1000},
			Window:    5 * time.Minute,
			Cooldown:  15 * time.Minute,
			Enabled:   true,
			Actions:   []model.ActionConfig{{Type: ActionLog, Enabled: true}},
		},
		{
			ID:        "high-cpu",
			Name:      "High CPU usage",
			Type:      "threshold",
			Severity:  model.SeverityMedium,
			Metric:    "system.cpu_usage",
			Condition: model.Condition{Operator: ">", Threshold: 90},
			Window:    5 * time.Minute,
			Cooldown:  30 * time.Minute,
			Enabled:   true,
			Actions:   []model.ActionConfig{{Type: ActionLog, Enabled: true}},
		},
	}
}
