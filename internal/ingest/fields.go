package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/tinytelemetry/beacon/internal/logparse"
	"github.com/tinytelemetry/beacon/internal/model"
)

// Field aliases, first match wins. Keys are compared as written and the
// OTel semantic-convention names are included so both JSON and OTLP input
// resolve to the same entry fields.
var (
	levelKeys        = []string{"level", "severity", "severityText", "lvl"}
	messageKeys      = []string{"message", "msg", "body", "text"}
	timestampKeys    = []string{"timestamp", "time", "@timestamp", "ts", "date"}
	serviceKeys      = []string{"service", "service.name", "serviceName", "app", "_app"}
	moduleKeys       = []string{"module", "component", "logger", "code.namespace"}
	userKeys         = []string{"userId", "user_id", "userID", "user.id", "enduser.id"}
	sessionKeys      = []string{"sessionId", "session_id", "session.id"}
	ipKeys           = []string{"ip", "clientIp", "client_ip", "remoteAddr", "client.address", "net.peer.ip"}
	userAgentKeys    = []string{"userAgent", "user_agent", "user_agent.original", "http.user_agent"}
	urlKeys          = []string{"url", "path", "url.path", "url.full", "http.url", "http.target"}
	methodKeys       = []string{"method", "http.method", "http.request.method"}
	statusKeys       = []string{"status", "statusCode", "status_code", "http.status_code", "http.response.status_code"}
	responseTimeKeys = []string{"responseTime", "response_time", "duration", "durationMs", "duration_ms", "http.response_time_ms"}
	tagKeys          = []string{"tags"}
	errorKeys        = []string{"error", "err"}
	errorNameKeys    = []string{"exception.type", "error.type"}
	errorMsgKeys     = []string{"exception.message", "error.message"}
	errorStackKeys   = []string{"exception.stacktrace", "error.stack"}
	metadataKeys     = []string{"metadata", "meta"}
)

// fieldSet consumes known keys from a flat attribute map.
type fieldSet struct {
	raw  map[string]any
	used map[string]bool
}

func newFieldSet(raw map[string]any) *fieldSet {
	return &fieldSet{raw: raw, used: make(map[string]bool, len(raw))}
}

func (f *fieldSet) take(keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := f.raw[k]; ok && v != nil {
			f.used[k] = true
			return v, true
		}
	}
	return nil, false
}

func (f *fieldSet) str(keys []string) string {
	v, ok := f.take(keys)
	if !ok {
		return ""
	}
	return stringifyJSONValue(v)
}

func (f *fieldSet) rest() map[string]any {
	var out map[string]any
	for k, v := range f.raw {
		if f.used[k] {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}

// entryFromFields maps a flat attribute map onto a LogEntry. Unknown keys end
// up in Metadata.
func entryFromFields(raw map[string]any) *model.LogEntry {
	f := newFieldSet(raw)
	entry := &model.LogEntry{}

	if v, ok := f.take(levelKeys); ok {
		if n, err := cast.ToIntE(v); err == nil {
			entry.Level = logparse.LevelFromNumber(n)
		} else {
			entry.Level = logparse.NormalizeSeverity(cast.ToString(v))
		}
	}
	entry.Message = sanitizeLogMessage(f.str(messageKeys))
	if v, ok := f.take(timestampKeys); ok {
		entry.Timestamp = parseTimestamp(v)
	}
	entry.Service = f.str(serviceKeys)
	entry.Module = f.str(moduleKeys)
	entry.UserID = f.str(userKeys)
	entry.SessionID = f.str(sessionKeys)
	entry.IP = f.str(ipKeys)
	entry.UserAgent = f.str(userAgentKeys)
	entry.URL = f.str(urlKeys)
	entry.Method = strings.ToUpper(f.str(methodKeys))
	if v, ok := f.take(statusKeys); ok {
		entry.StatusCode = cast.ToInt(v)
	}
	if v, ok := f.take(responseTimeKeys); ok {
		if rt, err := cast.ToFloat64E(v); err == nil {
			entry.ResponseTime = model.Float64(rt)
		}
	}
	if v, ok := f.take(tagKeys); ok {
		entry.Tags = parseTags(v)
	}
	if v, ok := f.take(errorKeys); ok {
		entry.Error = parseErrorInfo(v)
	}
	if name, msg, stack := f.str(errorNameKeys), f.str(errorMsgKeys), f.str(errorStackKeys); name != "" || msg != "" || stack != "" {
		if entry.Error == nil {
			entry.Error = &model.ErrorInfo{}
		}
		if name != "" {
			entry.Error.Name = name
		}
		if msg != "" {
			entry.Error.Message = msg
		}
		if stack != "" {
			entry.Error.Stack = stack
		}
	}

	metadata := f.rest()
	if v, ok := f.take(metadataKeys); ok {
		if nested, ok := v.(map[string]any); ok {
			if metadata == nil {
				metadata = make(map[string]any, len(nested))
			}
			for k, val := range nested {
				metadata[k] = val
			}
		}
		for _, k := range metadataKeys {
			delete(metadata, k)
		}
	}
	entry.Metadata = metadata

	fillDerivedFields(entry)
	return entry
}

// fillDerivedFields completes level and message from the HTTP fields when the
// source did not provide them.
func fillDerivedFields(entry *model.LogEntry) {
	isRequest := entry.Method != "" && entry.URL != ""
	if entry.Level == "" {
		switch {
		case entry.Error != nil:
			entry.Level = model.LevelError
		case isRequest:
			entry.Level = logparse.LevelFromStatus(entry.StatusCode)
		default:
			entry.Level = model.LevelInfo
		}
	}
	if entry.Message == "" {
		switch {
		case isRequest && entry.StatusCode > 0:
			entry.Message = fmt.Sprintf("%s %s %d", entry.Method, entry.URL, entry.StatusCode)
		case isRequest:
			entry.Message = entry.Method + " " + entry.URL
		case entry.Error != nil && entry.Error.Message != "":
			entry.Message = entry.Error.Message
		}
	}
}

func parseTimestamp(v any) time.Time {
	switch val := v.(type) {
	case float64, int, int64, uint64, json.Number:
		n := cast.ToInt64(val)
		switch {
		case n > 1e17:
			return time.Unix(0, n)
		case n > 1e12:
			return time.UnixMilli(n)
		case n > 0:
			return time.Unix(n, 0)
		}
		return time.Time{}
	}
	ts, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func parseTags(v any) []string {
	if s, ok := v.(string); ok {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	tags, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return tags
}

func parseErrorInfo(v any) *model.ErrorInfo {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return &model.ErrorInfo{Message: val}
	case map[string]any:
		info := &model.ErrorInfo{
			Name:    cast.ToString(val["name"]),
			Message: cast.ToString(val["message"]),
			Stack:   cast.ToString(val["stack"]),
		}
		if info.Name == "" {
			info.Name = cast.ToString(val["type"])
		}
		return info
	}
	return nil
}

func stringifyJSONValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool, int, int64, uint64, json.Number:
		return cast.ToString(v)
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return ""
}

func sanitizeLogMessage(message string) string {
	clean := strings.ReplaceAll(message, "\t", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	clean = strings.ReplaceAll(clean, "\r", " ")
	return strings.TrimSpace(clean)
}
