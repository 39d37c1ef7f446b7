package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tinytelemetry/beacon/internal/model"
)

func TestWebhookAction(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewWebhookAction(srv.Client(), rate.Inf, 1)
	ev := &model.AlertEvent{ID: "a1", RuleID: "r1", Severity: model.SeverityHigh, Message: "boom"}
	err := a.Execute(context.Background(), ev, model.ActionConfig{
		Type:   ActionWebhook,
		Target: srv.URL,
		Params: map[string]string{"token": "s3cret", "team": "core"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", auth)
	require.NotNil(t, got.Alert)
	assert.Equal(t, "a1", got.Alert.ID)
	assert.Equal(t, map[string]string{"team": "core"}, got.Params)
}

func TestWebhookAction_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewWebhookAction(srv.Client(), rate.Limit(0.001), 1)
	ev := &model.AlertEvent{ID: "a1"}

	assert.Error(t, a.Execute(context.Background(), ev, model.ActionConfig{}))
	assert.ErrorContains(t, a.Execute(context.Background(), ev, model.ActionConfig{Target: srv.URL}), "status 502")
	assert.ErrorIs(t, a.Execute(context.Background(), ev, model.ActionConfig{Target: srv.URL}), ErrRateLimited)
}

func TestDefaultActions(t *testing.T) {
	actions := DefaultActions(nil)
	for _, typ := range []string{ActionLog, ActionEmail, ActionSlack, ActionSMS, ActionWebhook} {
		assert.Contains(t, actions, typ)
	}
	assert.NoError(t, actions[ActionEmail].Execute(context.Background(), &model.AlertEvent{}, model.ActionConfig{Target: "ops@example.com"}))
}
