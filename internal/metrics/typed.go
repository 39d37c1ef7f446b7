package metrics

import "github.com/tinytelemetry/beacon/internal/model"

// HTTPRequest describes one served request. ResponseTime is in milliseconds.
type HTTPRequest struct {
	Method       string            `json:"method" binding:"required"`
	Path         string            `json:"path" binding:"required"`
	StatusCode   int               `json:"statusCode" binding:"required"`
	ResponseTime float64           `json:"responseTime"`
	UserAgent    string            `json:"userAgent,omitempty"`
	IP           string            `json:"ip,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// DatabaseQuery describes one query. Duration is in milliseconds.
type DatabaseQuery struct {
	Query    string            `json:"query"`
	Model    string            `json:"model,omitempty"`
	Action   string            `json:"action,omitempty"`
	Duration float64           `json:"duration"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// CacheOperation describes one cache access. Duration is in milliseconds.
type CacheOperation struct {
	Operation string            `json:"operation" binding:"required"`
	Key       string            `json:"key,omitempty"`
	Hit       bool              `json:"hit"`
	Duration  float64           `json:"duration"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// BusinessEvent is a counted business occurrence in a category.
type BusinessEvent struct {
	Category string            `json:"category" binding:"required"`
	Count    int               `json:"count"`
	Success  bool              `json:"success"`
	Metadata map[string]any    `json:"metadata,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// RecordHTTPRequest records an http metric valued at the response time.
func (r *Recorder) RecordHTTPRequest(req HTTPRequest) bool {
	return r.Record(&model.PerformanceMetric{
		Type:  model.MetricHTTP,
		Name:  NameHTTPRequest,
		Value: req.ResponseTime,
		Unit:  "ms",
		Tags:  req.Tags,
		HTTP: &model.HTTPDetails{
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: req.StatusCode,
			UserAgent:  req.UserAgent,
			IP:         req.IP,
		},
	})
}

// RecordDatabaseQuery records a database metric valued at the query time.
func (r *Recorder) RecordDatabaseQuery(q DatabaseQuery) bool {
	return r.Record(&model.PerformanceMetric{
		Type:  model.MetricDatabase,
		Name:  NameDatabaseQuery,
		Value: q.Duration,
		Unit:  "ms",
		Tags:  q.Tags,
		Database: &model.DatabaseDetails{
			Query:   q.Query,
			Model:   q.Model,
			Action:  q.Action,
			Success: q.Success,
			Error:   q.Error,
		},
	})
}

// RecordCacheOperation records a cache metric valued at the operation time.
func (r *Recorder) RecordCacheOperation(op CacheOperation) bool {
	return r.Record(&model.PerformanceMetric{
		Type:  model.MetricCache,
		Name:  NameCacheOperation,
		Value: op.Duration,
		Unit:  "ms",
		Tags:  op.Tags,
		Cache: &model.CacheDetails{Operation: op.Operation, Key: op.Key, Hit: op.Hit},
	})
}

// RecordBusinessMetric records a business metric named after its category.
// A zero count counts as one occurrence.
func (r *Recorder) RecordBusinessMetric(ev BusinessEvent) bool {
	if ev.Count == 0 {
		ev.Count = 1
	}
	return r.Record(&model.PerformanceMetric{
		Type:  model.MetricBusiness,
		Name:  ev.Category,
		Value: float64(ev.Count),
		Unit:  "count",
		Tags:  ev.Tags,
		Business: &model.BusinessDetails{
			Category: ev.Category,
			Count:    ev.Count,
			Success:  ev.Success,
			Metadata: ev.Metadata,
		},
	})
}

// RecordSystemResource records a system metric valued at the CPU percentage.
func (r *Recorder) RecordSystemResource(s model.SystemDetails) bool {
	details := s
	return r.Record(&model.PerformanceMetric{
		Type:   model.MetricSystem,
		Name:   NameSystemResources,
		Value:  s.CPUPercent,
		Unit:   "percent",
		System: &details,
	})
}
