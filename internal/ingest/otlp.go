package ingest

import (
	"encoding/hex"
	"strings"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/tinytelemetry/beacon/internal/logparse"
	"github.com/tinytelemetry/beacon/internal/model"
)

// OTLPParser accepts OTLP/JSON log export payloads, one per line. Only the
// first record of a payload is returned by Parse; use EntriesFromRequest for
// full fan-out.
type OTLPParser struct{}

func (OTLPParser) Name() string { return ParserOTLP }

func (OTLPParser) Parse(line string) (*model.LogEntry, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, "resourceLogs") {
		return nil, false
	}
	var req collogspb.ExportLogsServiceRequest
	if err := protojson.Unmarshal([]byte(trimmed), &req); err != nil {
		return nil, false
	}
	entries := EntriesFromRequest(&req)
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0], true
}

// EntriesFromRequest converts every log record in an OTLP export request.
func EntriesFromRequest(req *collogspb.ExportLogsServiceRequest) []*model.LogEntry {
	var out []*model.LogEntry
	for _, rl := range req.GetResourceLogs() {
		resourceAttrs := attributesToMap(rl.GetResource().GetAttributes())
		for _, sl := range rl.GetScopeLogs() {
			scopeAttrs := cloneAttributes(resourceAttrs)
			if name := sl.GetScope().GetName(); name != "" {
				scopeAttrs["otel.scope.name"] = name
			}
			for _, rec := range sl.GetLogRecords() {
				out = append(out, FromOTLP(scopeAttrs, rec))
			}
		}
	}
	return out
}

// FromOTLP converts one OTLP log record. inherited carries resource and scope
// attributes; record attributes take precedence.
func FromOTLP(inherited map[string]any, rec *logspb.LogRecord) *model.LogEntry {
	raw := cloneAttributes(inherited)
	for k, v := range attributesToMap(rec.GetAttributes()) {
		raw[k] = v
	}
	if body := anyValue(rec.GetBody()); body != nil {
		if m, ok := body.(map[string]any); ok {
			for k, v := range m {
				if _, exists := raw[k]; !exists {
					raw[k] = v
				}
			}
		} else {
			raw["body"] = body
		}
	}
	if rec.GetSeverityText() != "" {
		raw["severityText"] = rec.GetSeverityText()
	}

	entry := entryFromFields(raw)
	if rec.GetSeverityText() == "" {
		if lvl := logparse.LevelFromOTLP(int(rec.GetSeverityNumber())); lvl != "" {
			entry.Level = lvl
		}
	}
	switch {
	case rec.GetTimeUnixNano() > 0:
		entry.Timestamp = time.Unix(0, int64(rec.GetTimeUnixNano()))
	case rec.GetObservedTimeUnixNano() > 0:
		entry.Timestamp = time.Unix(0, int64(rec.GetObservedTimeUnixNano()))
	}
	if len(rec.GetTraceId()) > 0 || len(rec.GetSpanId()) > 0 {
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		if len(rec.GetTraceId()) > 0 {
			entry.Metadata["trace.id"] = hex.EncodeToString(rec.GetTraceId())
		}
		if len(rec.GetSpanId()) > 0 {
			entry.Metadata["span.id"] = hex.EncodeToString(rec.GetSpanId())
		}
	}
	return entry
}

func attributesToMap(kvs []*commonpb.KeyValue) map[string]any {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		if kv.GetKey() == "" {
			continue
		}
		if v := anyValue(kv.GetValue()); v != nil {
			out[kv.GetKey()] = v
		}
	}
	return out
}

func anyValue(v *commonpb.AnyValue) any {
	if v == nil {
		return nil
	}
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		return val.BoolValue
	case *commonpb.AnyValue_IntValue:
		return val.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return val.DoubleValue
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		items := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			items = append(items, anyValue(item))
		}
		return items
	case *commonpb.AnyValue_KvlistValue:
		return attributesToMap(val.KvlistValue.GetValues())
	}
	return nil
}

func cloneAttributes(attributes map[string]any) map[string]any {
	out := make(map[string]any, len(attributes))
	for k, v := range attributes {
		out[k] = v
	}
	return out
}
