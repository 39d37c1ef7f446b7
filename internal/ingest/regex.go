package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/beacon/internal/logparse"
	"github.com/tinytelemetry/beacon/internal/model"
)

// Pattern is one named-group expression. Recognized groups: time, level,
// msg, service, module, ip, user, method, url, status, ua, rt.
type Pattern struct {
	Name       string
	Expr       *regexp.Regexp
	TimeLayout string // empty = RFC3339 family
}

const levelWords = `(?i:TRACE|DEBUG|INFO|WARN|WARNING|ERROR|ERR|FATAL|CRITICAL|HTTP)`

// DefaultPatterns cover access logs and the common "time level message" shapes.
var DefaultPatterns = []Pattern{
	{
		Name:       "access",
		Expr:       regexp.MustCompile(`^(?P<ip>\S+) \S+ (?P<user>\S+) \[(?P<time>[^\]]+)\] "(?P<method>[A-Z]+) (?P<url>\S+)[^"]*" (?P<status>\d{3}) \S+(?: "[^"]*" "(?P<ua>[^"]*)")?(?: (?P<rt>\d+(?:\.\d+)?))?\s*$`),
		TimeLayout: "02/Jan/2006:15:04:05 -0700",
	},
	{
		Name: "bracketed",
		Expr: regexp.MustCompile(`^\[(?P<time>[^\]]+)\]\s+\[?(?P<level>` + levelWords + `)\]?:?\s+(?:\[(?P<service>[^\]]+)\]\s+)?(?P<msg>.*)$`),
	},
	{
		Name: "iso",
		Expr: regexp.MustCompile(`^(?P<time>\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s+\[?(?P<level>` + levelWords + `)\]?:?\s+(?P<msg>.*)$`),
	},
	{
		Name: "level-prefix",
		Expr: regexp.MustCompile(`^(?P<level>` + levelWords + `):\s+(?P<msg>.*)$`),
	},
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// RegexParser matches a line against an ordered list of patterns.
type RegexParser struct {
	name     string
	patterns []Pattern
}

// NewRegexParser creates a regex parser with the given patterns.
func NewRegexParser(name string, patterns ...Pattern) *RegexParser {
	return &RegexParser{name: name, patterns: patterns}
}

func (p *RegexParser) Name() string { return p.name }

func (p *RegexParser) Parse(line string) (*model.LogEntry, bool) {
	line = strings.TrimRight(line, "\r\n")
	for _, pat := range p.patterns {
		m := pat.Expr.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		groups := make(map[string]string, len(m))
		for i, name := range pat.Expr.SubexpNames() {
			if name != "" && i < len(m) {
				groups[name] = m[i]
			}
		}
		return entryFromGroups(groups, pat.TimeLayout), true
	}
	return nil, false
}

func entryFromGroups(g map[string]string, layout string) *model.LogEntry {
	entry := &model.LogEntry{
		Message:   sanitizeLogMessage(g["msg"]),
		Service:   g["service"],
		Module:    g["module"],
		IP:        g["ip"],
		UserAgent: g["ua"],
		URL:       g["url"],
		Method:    g["method"],
	}
	if u := g["user"]; u != "" && u != "-" {
		entry.UserID = u
	}
	if lvl := g["level"]; lvl != "" {
		entry.Level = logparse.NormalizeSeverity(lvl)
	}
	if s, err := strconv.Atoi(g["status"]); err == nil {
		entry.StatusCode = s
	}
	if rt, err := strconv.ParseFloat(g["rt"], 64); err == nil {
		entry.ResponseTime = model.Float64(rt)
	}
	if ts := g["time"]; ts != "" {
		entry.Timestamp = parseGroupTime(ts, layout)
	}
	fillDerivedFields(entry)
	if entry.Method != "" && entry.StatusCode > 0 {
		entry.Level = logparse.LevelFromStatus(entry.StatusCode)
		if entry.Level == model.LevelWarn {
			entry.Level = model.LevelHTTP
		}
	}
	return entry
}

func parseGroupTime(value, layout string) time.Time {
	if layout != "" {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
		return time.Time{}
	}
	for _, l := range isoLayouts {
		if ts, err := time.Parse(l, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
