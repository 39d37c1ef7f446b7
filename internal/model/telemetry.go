package model

import "time"

// MetricType selects the PerformanceMetric variant.
type MetricType string

const (
	MetricHTTP     MetricType = "http"
	MetricDatabase MetricType = "database"
	MetricSystem   MetricType = "system"
	MetricCache    MetricType = "cache"
	MetricBusiness MetricType = "business"
)

// MetricTypes lists every known metric type in a stable order.
var MetricTypes = []MetricType{MetricHTTP, MetricDatabase, MetricSystem, MetricCache, MetricBusiness}

// HTTPDetails is the variant payload for MetricHTTP.
type HTTPDetails struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"statusCode"`
	UserAgent  string `json:"userAgent,omitempty"`
	IP         string `json:"ip,omitempty"`
}

// DatabaseDetails is the variant payload for MetricDatabase.
type DatabaseDetails struct {
	Query   string `json:"query,omitempty"`
	Model   string `json:"model,omitempty"`
	Action  string `json:"action,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SystemDetails is the variant payload for MetricSystem.
type SystemDetails struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	Load1         float64 `json:"load1"`
}

// CacheDetails is the variant payload for MetricCache.
type CacheDetails struct {
	Operation string `json:"operation"`
	Key       string `json:"key,omitempty"`
	Hit       bool   `json:"hit"`
}

// BusinessDetails is the variant payload for MetricBusiness.
type BusinessDetails struct {
	Category string         `json:"category"`
	Count    int            `json:"count"`
	Success  bool           `json:"success"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PerformanceMetric is one typed metric sample. Exactly one detail pointer
// matching Type is set. Metrics are read-only after the recorder accepts them.
type PerformanceMetric struct {
	ID        string            `json:"id"`
	Type      MetricType        `json:"type"`
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`

	HTTP     *HTTPDetails     `json:"http,omitempty"`
	Database *DatabaseDetails `json:"database,omitempty"`
	System   *SystemDetails   `json:"system,omitempty"`
	Cache    *CacheDetails    `json:"cache,omitempty"`
	Business *BusinessDetails `json:"business,omitempty"`
}

// Identity implements Identifiable.
func (m *PerformanceMetric) Identity() string { return m.ID }

// Key groups metrics for aggregation as "type:name".
func (m *PerformanceMetric) Key() string { return string(m.Type) + ":" + m.Name }

// IsError reports whether an HTTP metric represents a failed request.
func (m *PerformanceMetric) IsError() bool {
	return m.HTTP != nil && m.HTTP.StatusCode >= 400
}

// AggregatedStats summarizes the values of one metric key over one flush window.
type AggregatedStats struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Point is one timestamped value in a metric series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricSummary is a stored-metric rollup for one metric key over a window.
type MetricSummary struct {
	Key   string  `json:"key"`
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P95   float64 `json:"p95"`
}
