package model

import "time"

// Level is the normalized severity of a LogEntry.
type Level string

const (
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
	LevelDebug Level = "DEBUG"
	LevelHTTP  Level = "HTTP"
)

// ErrorInfo is the structured error attached to a log entry.
type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// LogEntry is a single normalized log line.
// It is created by a parser or a direct call, mutated once by the anonymizer
// before buffering and treated as read-only after that.
type LogEntry struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Level        Level          `json:"level"`
	Message      string         `json:"message"`
	Service      string         `json:"service"`
	Module       string         `json:"module,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	URL          string         `json:"url,omitempty"`
	Method       string         `json:"method,omitempty"`
	StatusCode   int            `json:"statusCode,omitempty"`
	ResponseTime *float64       `json:"responseTime,omitempty"` // milliseconds
	Error        *ErrorInfo     `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Source       string         `json:"source,omitempty"`
	Processed    bool           `json:"processed"`
	Anonymized   bool           `json:"anonymized"`
}

// Identity implements Identifiable.
func (e *LogEntry) Identity() string { return e.ID }

// IsError reports whether the entry counts as a failure for error-rate purposes.
func (e *LogEntry) IsError() bool {
	return e.Level == LevelError || e.StatusCode >= 400
}

// HasTag reports whether tag is present on the entry.
func (e *LogEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy for handing to independent sinks.
func (e *LogEntry) Clone() *LogEntry {
	c := *e
	if e.ResponseTime != nil {
		rt := *e.ResponseTime
		c.ResponseTime = &rt
	}
	if e.Error != nil {
		errInfo := *e.Error
		c.Error = &errInfo
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	return &c
}

// Float64 returns a pointer to v, used for optional numeric fields.
func Float64(v float64) *float64 { return &v }

// LevelCount is the number of entries seen for one level.
type LevelCount struct {
	Level Level `json:"level"`
	Count int64 `json:"count"`
}

// MessageCount groups identical error messages.
type MessageCount struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}
