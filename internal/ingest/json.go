package ingest

import (
	"encoding/json"
	"strings"

	"github.com/tinytelemetry/beacon/internal/model"
)

// JSONParser handles one JSON object per line in the common structured
// logger shapes (pino, winston, zap, bunyan).
type JSONParser struct{}

func (JSONParser) Name() string { return ParserJSON }

func (JSONParser) Parse(line string) (*model.LogEntry, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, false
	}
	if isOTLPEnvelope(raw) {
		return nil, false
	}
	return entryFromFields(raw), true
}

func isOTLPEnvelope(raw map[string]any) bool {
	_, ok := raw["resourceLogs"]
	return ok
}
