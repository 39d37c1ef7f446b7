package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Action types.
const (
	ActionLog     = "log"
	ActionEmail   = "email"
	ActionSlack   = "slack"
	ActionSMS     = "sms"
	ActionWebhook = "webhook"
)

// ErrRateLimited is returned by the webhook action when its limiter is exhausted.
var ErrRateLimited = errors.New("webhook rate limited")

// Action delivers one alert event.
type Action interface {
	Execute(ctx context.Context, event *model.AlertEvent, cfg model.ActionConfig) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, event *model.AlertEvent, cfg model.ActionConfig) error

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, event *model.AlertEvent, cfg model.ActionConfig) error {
	return f(ctx, event, cfg)
}

// NotifyAction records the notification it would send. It backs the log,
// email, slack and sms channels.
type NotifyAction struct {
	channel string
	logger  *zap.Logger
}

// NewNotifyAction creates a stub sender for channel.
func NewNotifyAction(channel string, logger *zap.Logger) *NotifyAction {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyAction{channel: channel, logger: logger}
}

// Execute logs the event.
func (a *NotifyAction) Execute(_ context.Context, event *model.AlertEvent, cfg model.ActionConfig) error {
	a.logger.Info("alert notification",
		zap.String("channel", a.channel),
		zap.String("target", cfg.Target),
		zap.String("alert", event.ID),
		zap.String("rule", event.RuleName),
		zap.String("severity", string(event.Severity)),
		zap.String("message", event.Message),
		zap.Float64("value", event.Value))
	return nil
}

// Webhook defaults.
const (
	DefaultWebhookTimeout = 10 * time.Second
	DefaultWebhookRate    = rate.Limit(1)
	DefaultWebhookBurst   = 5
)

// WebhookAction POSTs the event as JSON to cfg.Target. A "token" param is
// sent as a bearer token.
type WebhookAction struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookAction creates a webhook sender. A nil client uses one with
// DefaultWebhookTimeout; limit <= 0 uses DefaultWebhookRate.
func NewWebhookAction(client *http.Client, limit rate.Limit, burst int) *WebhookAction {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	if limit <= 0 {
		limit = DefaultWebhookRate
	}
	if burst <= 0 {
		burst = DefaultWebhookBurst
	}
	return &WebhookAction{client: client, limiter: rate.NewLimiter(limit, burst)}
}

type webhookPayload struct {
	Alert  *model.AlertEvent `json:"alert"`
	Params map[string]string `json:"params,omitempty"`
}

// Execute sends the event.
func (a *WebhookAction) Execute(ctx context.Context, event *model.AlertEvent, cfg model.ActionConfig) error {
	if cfg.Target == "" {
		return errors.New("webhook target is empty")
	}
	if !a.limiter.Allow() {
		return ErrRateLimited
	}

	params := make(map[string]string, len(cfg.Params))
	for k, v := range cfg.Params {
		if k != "token" {
			params[k] = v
		}
	}
	data, err := json.Marshal(webhookPayload{Alert: event, Params: params})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := cfg.Params["token"]; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// DefaultActions returns the built-in action registry.
func DefaultActions(logger *zap.Logger) map[string]Action {
	if logger == nil {
		logger = zap.NewNop()
	}
	return map[string]Action{
		ActionLog:     NewNotifyAction(ActionLog, logger),
		ActionEmail:   NewNotifyAction(ActionEmail, logger),
		ActionSlack:   NewNotifyAction(ActionSlack, logger),
		ActionSMS:     NewNotifyAction(ActionSMS, logger),
		ActionWebhook: NewWebhookAction(nil, 0, 0),
	}
}
