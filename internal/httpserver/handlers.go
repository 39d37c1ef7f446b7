package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/alerting"
	"github.com/tinytelemetry/beacon/internal/analyzer"
	"github.com/tinytelemetry/beacon/internal/metrics"
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/reporter"
)

// Defaults for list endpoints.
const (
	DefaultLogsSince     = time.Hour
	DefaultAnalysesSince = 24 * time.Hour
	DefaultListLimit     = 100
	MaxListLimit         = 10_000
)

func errorStatus(err error) int {
	switch {
	case errors.Is(err, alerting.ErrRuleNotFound), errors.Is(err, alerting.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerting.ErrRuleExists), errors.Is(err, analyzer.ErrBatchRunning):
		return http.StatusConflict
	case errors.Is(err, alerting.ErrInvalidRule),
		errors.Is(err, reporter.ErrUnknownReportType),
		errors.Is(err, reporter.ErrUnknownFormat):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("op", op), zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf(format, args...)})
}

// sinceParam reads a lookback duration such as "15m" from the query.
func sinceParam(c *gin.Context, def time.Duration) (time.Duration, error) {
	raw := c.Query("since")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid since %q", raw)
	}
	return d, nil
}

func limitParam(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return DefaultListLimit, nil
	}
	n, err := cast.ToIntE(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > MaxListLimit {
		n = MaxListLimit
	}
	return n, nil
}

func boolParam(c *gin.Context, name string) (*bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return &b, nil
}

// handleIngestLogs accepts one entry object or an array of them.
func (s *Server) handleIngestLogs(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "read body: %v", err)
		return
	}
	body = bytes.TrimSpace(body)
	var entries []*model.LogEntry
	if len(body) > 0 && body[0] == '[' {
		err = json.Unmarshal(body, &entries)
	} else {
		var e model.LogEntry
		err = json.Unmarshal(body, &e)
		entries = []*model.LogEntry{&e}
	}
	if err != nil {
		badRequest(c, "invalid JSON body: %v", err)
		return
	}
	for i, e := range entries {
		if e == nil || e.Message == "" {
			badRequest(c, "entry %d: message is required", i)
			return
		}
	}

	accepted := make([]string, 0, len(entries))
	filtered := 0
	for _, e := range entries {
		if out := s.backend.CollectEntry(e); out != nil {
			accepted = append(accepted, out.ID)
		} else {
			filtered++
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": len(accepted), "filtered": filtered, "ids": accepted})
}

func (s *Server) handleListLogs(c *gin.Context) {
	since, err := sinceParam(c, DefaultLogsSince)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	limit, err := limitParam(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	end := s.now()
	entries, err := s.backend.Entries().EntriesBetween(c.Request.Context(), end.Add(-since), end)
	if err != nil {
		s.fail(c, "list logs", err)
		return
	}

	level, service := model.Level(c.Query("level")), c.Query("service")
	out := make([]*model.LogEntry, 0, len(entries))
	for _, e := range entries {
		if level != "" && e.Level != level {
			continue
		}
		if service != "" && e.Service != service {
			continue
		}
		out = append(out, e)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"entries": out, "count": len(out)})
}

func (s *Server) handleMetricStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": s.backend.Aggregator().AllStats()})
}

func recorded(c *gin.Context, ok bool) {
	c.JSON(http.StatusAccepted, gin.H{"recorded": ok})
}

func (s *Server) handleHTTPMetric(c *gin.Context) {
	var req metrics.HTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid http metric: %v", err)
		return
	}
	recorded(c, s.backend.RecordHTTPRequest(req))
}

func (s *Server) handleDatabaseMetric(c *gin.Context) {
	var req metrics.DatabaseQuery
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid database metric: %v", err)
		return
	}
	recorded(c, s.backend.RecordDatabaseQuery(req))
}

func (s *Server) handleCacheMetric(c *gin.Context) {
	var req metrics.CacheOperation
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid cache metric: %v", err)
		return
	}
	recorded(c, s.backend.RecordCacheOperation(req))
}

func (s *Server) handleBusinessMetric(c *gin.Context) {
	var req metrics.BusinessEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid business metric: %v", err)
		return
	}
	recorded(c, s.backend.RecordBusinessMetric(req))
}

func (s *Server) handleListRules(c *gin.Context) {
	rules := s.backend.Alerts().Rules()
	out := make([]ruleView, 0, len(rules))
	for _, r := range rules {
		out = append(out, viewRule(r))
	}
	c.JSON(http.StatusOK, gin.H{"rules": out})
}

func (s *Server) handleGetRule(c *gin.Context) {
	r, err := s.backend.Alerts().Rule(c.Param("id"))
	if err != nil {
		s.fail(c, "get rule", err)
		return
	}
	c.JSON(http.StatusOK, viewRule(r))
}

func (s *Server) handleCreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid rule: %v", err)
		return
	}
	rule, err := req.rule()
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	added, err := s.backend.Alerts().AddRule(rule)
	if err != nil {
		s.fail(c, "create rule", err)
		return
	}
	s.logger.Info("alert rule created", zap.String("rule", added.ID))
	c.JSON(http.StatusCreated, viewRule(added))
}

func (s *Server) handleUpdateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid rule: %v", err)
		return
	}
	req.ID = c.Param("id")
	rule, err := req.rule()
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	if err := s.backend.Alerts().UpdateRule(rule); err != nil {
		s.fail(c, "update rule", err)
		return
	}
	c.JSON(http.StatusOK, viewRule(rule))
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	if err := s.backend.Alerts().DeleteRule(c.Param("id")); err != nil {
		s.fail(c, "delete rule", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	f := alerting.Filter{RuleID: c.Query("rule"), Severity: model.Severity(c.Query("severity"))}
	if f.Severity != "" && !f.Severity.Valid() {
		badRequest(c, "invalid severity %q", f.Severity)
		return
	}
	var err error
	if f.Resolved, err = boolParam(c, "resolved"); err != nil {
		badRequest(c, "%v", err)
		return
	}
	if f.Acknowledged, err = boolParam(c, "acknowledged"); err != nil {
		badRequest(c, "%v", err)
		return
	}
	if c.Query("since") != "" {
		since, err := sinceParam(c, 0)
		if err != nil {
			badRequest(c, "%v", err)
			return
		}
		f.Since = s.now().Add(-since)
	}
	if f.Limit, err = limitParam(c); err != nil {
		badRequest(c, "%v", err)
		return
	}
	alerts := s.backend.Alerts().Alerts(f)
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleGetAlert(c *gin.Context) {
	ev, err := s.backend.Alerts().Alert(c.Param("id"))
	if err != nil {
		s.fail(c, "get alert", err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	var req struct {
		By string `json:"by"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid body: %v", err)
			return
		}
	}
	id := c.Param("id")
	changed, err := s.backend.Alerts().Acknowledge(id, req.By)
	if err != nil {
		s.fail(c, "acknowledge alert", err)
		return
	}
	s.respondAlert(c, id, changed)
}

func (s *Server) handleResolve(c *gin.Context) {
	id := c.Param("id")
	changed, err := s.backend.Alerts().Resolve(id)
	if err != nil {
		s.fail(c, "resolve alert", err)
		return
	}
	s.respondAlert(c, id, changed)
}

func (s *Server) respondAlert(c *gin.Context, id string, changed bool) {
	ev, err := s.backend.Alerts().Alert(id)
	if err != nil {
		s.fail(c, "get alert", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed, "alert": ev})
}

type reportRequest struct {
	Type   reporter.Type   `json:"type"`
	Format reporter.Format `json:"format"`
	Start  time.Time       `json:"start"`
	End    time.Time       `json:"end"`
}

// handleGenerateReport renders a report. Scheduled types without an explicit
// window use the same window as their cron job.
func (s *Server) handleGenerateReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid report request: %v", err)
		return
	}
	if req.Format == "" {
		req.Format = reporter.FormatJSON
	}
	if req.Type == "" {
		req.Type = reporter.TypeCustom
	}

	var (
		rep  *reporter.Report
		path string
		err  error
	)
	ctx := c.Request.Context()
	switch {
	case req.Start.IsZero() && req.End.IsZero() && req.Type != reporter.TypeCustom:
		rep, path, err = s.backend.Reporter().GenerateScheduledReport(ctx, req.Type, req.Format)
	case req.Start.IsZero() || req.End.IsZero():
		badRequest(c, "start and end are required for %s reports", req.Type)
		return
	case !req.End.After(req.Start):
		badRequest(c, "end must be after start")
		return
	default:
		if req.Type != reporter.TypeCustom {
			if _, err := reporter.WindowFor(req.Type, req.End); err != nil {
				s.fail(c, "generate report", err)
				return
			}
		}
		rep, path, err = s.backend.Reporter().GenerateReport(ctx, reporter.Config{
			Type: req.Type, Start: req.Start, End: req.End, Format: req.Format,
		})
	}
	if err != nil {
		s.fail(c, "generate report", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": path, "report": rep})
}

func (s *Server) handleListAnalyses(c *gin.Context) {
	since, err := sinceParam(c, DefaultAnalysesSince)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	end := s.now()
	results, err := s.backend.Analyses().AnalysesBetween(c.Request.Context(), end.Add(-since), end)
	if err != nil {
		s.fail(c, "list analyses", err)
		return
	}
	if kind := model.AnalysisType(c.Query("type")); kind != "" {
		kept := results[:0]
		for _, r := range results {
			if r.Type == kind {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Timestamp.After(results[j].Timestamp) })
	c.JSON(http.StatusOK, gin.H{"analyses": results, "count": len(results)})
}

func (s *Server) handleRunAnalysis(c *gin.Context) {
	results, err := s.backend.Batch().RunBatch(c.Request.Context())
	if err != nil {
		s.fail(c, "run analysis", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analyses": results, "count": len(results)})
}
