package httpserver

import (
	"fmt"
	"time"

	"github.com/tinytelemetry/beacon/internal/model"
)

// ruleRequest is the wire form of an alert rule. Durations are strings such
// as "5m".
type ruleRequest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name" binding:"required"`
	Description string               `json:"description"`
	Type        string               `json:"type"`
	Severity    model.Severity       `json:"severity" binding:"required"`
	Metric      string               `json:"metric" binding:"required"`
	Condition   model.Condition      `json:"condition"`
	Aggregation string               `json:"aggregation"`
	Window      string               `json:"window"`
	Cooldown    string               `json:"cooldown"`
	Enabled     *bool                `json:"enabled"`
	Actions     []model.ActionConfig `json:"actions"`
}

func parseOptionalDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	return d, nil
}

// rule converts the request. A missing enabled flag means enabled.
func (r ruleRequest) rule() (model.AlertRule, error) {
	window, err := parseOptionalDuration("window", r.Window)
	if err != nil {
		return model.AlertRule{}, err
	}
	cooldown, err := parseOptionalDuration("cooldown", r.Cooldown)
	if err != nil {
		return model.AlertRule{}, err
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	typ := r.Type
	if typ == "" {
		typ = "threshold"
	}
	return model.AlertRule{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Type:        typ,
		Severity:    r.Severity,
		Metric:      r.Metric,
		Condition:   r.Condition,
		Aggregation: r.Aggregation,
		Window:      window,
		Cooldown:    cooldown,
		Enabled:     enabled,
		Actions:     r.Actions,
	}, nil
}

// ruleView renders durations as strings.
type ruleView struct {
	model.AlertRule
	Window   string `json:"window"`
	Cooldown string `json:"cooldown"`
}

func viewRule(r model.AlertRule) ruleView {
	return ruleView{AlertRule: r, Window: r.Window.String(), Cooldown: r.Cooldown.String()}
}
