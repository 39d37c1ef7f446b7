package ingest

import (
	"strings"

	"github.com/tinytelemetry/beacon/internal/logparse"
	"github.com/tinytelemetry/beacon/internal/model"
)

// PlainParser is the catch-all fallback: the whole line becomes the message
// and the severity is guessed from the text.
type PlainParser struct{}

func (PlainParser) Name() string { return ParserPlain }

func (PlainParser) Parse(line string) (*model.LogEntry, bool) {
	msg := sanitizeLogMessage(line)
	if msg == "" {
		return nil, false
	}
	return &model.LogEntry{
		Level:   logparse.ExtractSeverityFromText(msg),
		Message: msg,
	}, true
}

// isBlank reports whether a line carries no content.
func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}
