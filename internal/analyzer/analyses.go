package analyzer

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/tinytelemetry/beacon/internal/logpattern"
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/stats"
)

// Thresholds parameterize the batch analyses.
type Thresholds struct {
	ErrorCount      int
	AvgResponseTime float64 // milliseconds
	ErrorRate       float64
}

// Batch analysis defaults.
const (
	DefaultErrorCountThreshold = 10
	DefaultAvgResponseTime     = 1000.0
	DefaultBatchErrorRate      = 0.05
)

// AttackKeywords mark an entry as suspicious when found in its message or URL.
var AttackKeywords = []string{
	"union select", "drop table", "' or '1'='1", "<script", "javascript:",
	"../", "/etc/passwd", "sql injection", "xss", "csrf", "brute force",
}

// Count is one entry of a ranked tally.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// topCounts ranks counts descending, ties broken by key, keeping at most n.
func topCounts(counts map[string]int, n int) []Count {
	out := make([]Count, 0, len(counts))
	for k, v := range counts {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// topPatterns clusters error messages into templates and ranks them.
func topPatterns(byMessage map[string]int, n int) []Count {
	counts := make([]model.MessageCount, 0, len(byMessage))
	for msg, c := range byMessage {
		counts = append(counts, model.MessageCount{Message: msg, Count: int64(c)})
	}
	clustered := logpattern.Cluster(counts, n)
	out := make([]Count, len(clustered))
	for i, mc := range clustered {
		out[i] = Count{Key: mc.Message, Count: int(mc.Count)}
	}
	return out
}

// outcome is what one analysis contributes to an AnalysisResult.
type outcome struct {
	metrics         map[string]any
	insights        []string
	alerts          []model.AnalysisAlert
	recommendations []string
}

type analysisFunc func(entries []*model.LogEntry, th Thresholds) outcome

var analyses = map[model.AnalysisType]analysisFunc{
	model.AnalysisError:        analyzeErrors,
	model.AnalysisPerformance:  analyzePerformance,
	model.AnalysisUserBehavior: analyzeUserBehavior,
	model.AnalysisSecurity:     analyzeSecurity,
	model.AnalysisBusiness:     analyzeBusiness,
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func analyzeErrors(entries []*model.LogEntry, th Thresholds) outcome {
	byType := map[string]int{}
	byModule := map[string]int{}
	byMessage := map[string]int{}
	total := 0
	for _, e := range entries {
		if e.Level != model.LevelError {
			continue
		}
		total++
		name := ""
		if e.Error != nil {
			name = e.Error.Name
		}
		byType[orUnknown(name)]++
		byModule[orUnknown(e.Module)]++
		byMessage[e.Message]++
	}
	rate := 0.0
	if len(entries) > 0 {
		rate = float64(total) / float64(len(entries))
	}

	o := outcome{metrics: map[string]any{
		"totalErrors":    total,
		"totalEntries":   len(entries),
		"errorRate":      rate,
		"errorsByType":   byType,
		"errorsByModule": byModule,
		"distinctErrors": len(byMessage),
		"topErrors":      topPatterns(byMessage, 10),
	}}
	if top := topCounts(byType, 1); len(top) > 0 {
		o.insights = append(o.insights, fmt.Sprintf("most frequent error type: %s (%d)", top[0].Key, top[0].Count))
	}
	if top := topCounts(byModule, 1); len(top) > 0 && top[0].Key != "unknown" {
		o.insights = append(o.insights, fmt.Sprintf("module with most errors: %s (%d)", top[0].Key, top[0].Count))
	}
	if total > th.ErrorCount {
		o.alerts = append(o.alerts, model.AnalysisAlert{
			Severity: model.SeverityHigh,
			Message:  fmt.Sprintf("%d errors in window exceeds threshold %d", total, th.ErrorCount),
			Data:     map[string]any{"totalErrors": total, "threshold": th.ErrorCount},
		})
		o.recommendations = append(o.recommendations, "Review the most frequent error types and their recent code changes")
	}
	if rate > th.ErrorRate {
		o.recommendations = append(o.recommendations,
			fmt.Sprintf("Error rate is above %.1f%%, check recent deployments", th.ErrorRate*100))
	}
	return o
}

func endpoint(e *model.LogEntry) string {
	path := e.URL
	if u, err := url.Parse(e.URL); err == nil && u.Path != "" {
		path = u.Path
	}
	if e.Method == "" {
		return path
	}
	return e.Method + " " + path
}

func analyzePerformance(entries []*model.LogEntry, th Thresholds) outcome {
	var times []float64
	perEndpoint := map[string][]float64{}
	for _, e := range entries {
		if e.ResponseTime == nil {
			continue
		}
		times = append(times, *e.ResponseTime)
		if e.URL != "" {
			ep := endpoint(e)
			perEndpoint[ep] = append(perEndpoint[ep], *e.ResponseTime)
		}
	}
	if len(times) == 0 {
		return outcome{
			metrics:  map[string]any{"count": 0},
			insights: []string{"no response time data in window"},
		}
	}

	agg := stats.Compute(times)
	type slow struct {
		Endpoint string  `json:"endpoint"`
		Avg      float64 `json:"avg"`
		Count    int     `json:"count"`
	}
	var slowest []slow
	for ep, v := range perEndpoint {
		slowest = append(slowest, slow{Endpoint: ep, Avg: stats.Mean(v), Count: len(v)})
	}
	sort.Slice(slowest, func(i, j int) bool {
		if slowest[i].Avg != slowest[j].Avg {
			return slowest[i].Avg > slowest[j].Avg
		}
		return slowest[i].Endpoint < slowest[j].Endpoint
	})
	if len(slowest) > 5 {
		slowest = slowest[:5]
	}

	o := outcome{metrics: map[string]any{
		"count":            agg.Count,
		"avgResponseTime":  agg.Avg,
		"minResponseTime":  agg.Min,
		"maxResponseTime":  agg.Max,
		"p50":              agg.P50,
		"p95":              agg.P95,
		"p99":              agg.P99,
		"stdDev":           stats.StdDev(times),
		"slowestEndpoints": slowest,
	}}
	o.insights = append(o.insights, fmt.Sprintf("p95 response time %.0fms over %d requests", agg.P95, agg.Count))
	if len(slowest) > 0 {
		o.insights = append(o.insights, fmt.Sprintf("slowest endpoint: %s (%.0fms avg)", slowest[0].Endpoint, slowest[0].Avg))
	}
	if agg.Avg > th.AvgResponseTime {
		o.alerts = append(o.alerts, model.AnalysisAlert{
			Severity: model.SeverityMedium,
			Message:  fmt.Sprintf("average response time %.0fms exceeds %.0fms", agg.Avg, th.AvgResponseTime),
			Data:     map[string]any{"avgResponseTime": agg.Avg, "threshold": th.AvgResponseTime},
		})
		o.recommendations = append(o.recommendations, "Average response time is above 1s, profile the slowest endpoints")
	}
	return o
}

func analyzeUserBehavior(entries []*model.LogEntry, _ Thresholds) outcome {
	users := map[string]int{}
	sessions := map[string]struct{}{}
	pages := map[string]int{}
	actions := 0
	for _, e := range entries {
		if e.UserID != "" {
			users[e.UserID]++
			actions++
		}
		if e.SessionID != "" {
			sessions[e.SessionID] = struct{}{}
		}
		if e.URL != "" {
			if u, err := url.Parse(e.URL); err == nil && u.Path != "" {
				pages[u.Path]++
			} else {
				pages[e.URL]++
			}
		}
	}
	avg := 0.0
	if len(users) > 0 {
		avg = float64(actions) / float64(len(users))
	}

	o := outcome{metrics: map[string]any{
		"uniqueUsers":           len(users),
		"uniqueSessions":        len(sessions),
		"averageActionsPerUser": avg,
		"topPages":              topCounts(pages, 10),
	}}
	if top := topCounts(pages, 1); len(top) > 0 {
		o.insights = append(o.insights, fmt.Sprintf("most visited page: %s (%d)", top[0].Key, top[0].Count))
	}
	o.insights = append(o.insights, fmt.Sprintf("%d users across %d sessions", len(users), len(sessions)))
	return o
}

func matchedKeywords(e *model.LogEntry) []string {
	hay := strings.ToLower(e.Message + " " + e.URL)
	var hits []string
	for _, kw := range AttackKeywords {
		if strings.Contains(hay, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

func analyzeSecurity(entries []*model.LogEntry, _ Thresholds) outcome {
	keywordHits := map[string]int{}
	ips := map[string]int{}
	suspicious := 0
	attackEntries := 0
	authFailures := 0
	for _, e := range entries {
		if e.StatusCode == 401 || e.StatusCode == 403 {
			authFailures++
		}
		hits := matchedKeywords(e)
		if len(hits) == 0 && !e.HasTag("security") && e.Level != model.LevelError {
			continue
		}
		suspicious++
		if len(hits) > 0 {
			attackEntries++
		}
		for _, kw := range hits {
			keywordHits[kw]++
		}
		if e.IP != "" {
			ips[e.IP]++
		}
	}
	attacks := 0
	for _, n := range keywordHits {
		attacks += n
	}

	o := outcome{metrics: map[string]any{
		"suspiciousEntries": suspicious,
		"attackKeywordHits": keywordHits,
		"attackAttempts":    attacks,
		"attackEntries":     attackEntries,
		"distinctIPs":       len(ips),
		"topIPs":            topCounts(ips, 10),
		"authFailures":      authFailures,
	}}
	if attacks > 0 {
		o.alerts = append(o.alerts, model.AnalysisAlert{
			Severity: model.SeverityCritical,
			Message:  fmt.Sprintf("%d entries match attack patterns (%d keyword hits)", attackEntries, attacks),
			Data:     map[string]any{"attackKeywordHits": keywordHits, "distinctIPs": len(ips)},
		})
		o.recommendations = append(o.recommendations, "Block or rate limit the offending source IPs and review input validation")
	}
	if authFailures > 0 {
		o.insights = append(o.insights, fmt.Sprintf("%d authorization failures", authFailures))
	}
	if top := topCounts(ips, 1); len(top) > 0 {
		o.insights = append(o.insights, fmt.Sprintf("most suspicious source: %s (%d)", top[0].Key, top[0].Count))
	}
	return o
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", code/100)
}

func analyzeBusiness(entries []*model.LogEntry, _ Thresholds) outcome {
	byEndpoint := map[string]int{}
	classes := map[string]int{}
	total, ok := 0, 0
	for _, e := range entries {
		if e.Method == "" || e.URL == "" {
			continue
		}
		total++
		byEndpoint[endpoint(e)]++
		if e.StatusCode > 0 {
			classes[statusClass(e.StatusCode)]++
			if e.StatusCode < 400 {
				ok++
			}
		}
	}
	successRate := 0.0
	if total > 0 {
		successRate = float64(ok) / float64(total)
	}

	top := topCounts(byEndpoint, 5)
	o := outcome{metrics: map[string]any{
		"totalRequests":      total,
		"requestsByEndpoint": byEndpoint,
		"topEndpoints":       top,
		"statusClasses":      classes,
		"successRate":        successRate,
	}}
	if len(top) > 0 {
		o.insights = append(o.insights, fmt.Sprintf("busiest endpoint: %s (%d requests)", top[0].Key, top[0].Count))
	}
	return o
}
