package ingest

import (
	"fmt"
	"strings"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Parser names understood by NewChainFromNames.
const (
	ParserOTLP  = "otlp"
	ParserJSON  = "json"
	ParserRegex = "regex"
	ParserPlain = "plain"
)

// DefaultParserNames is the chain used when a source does not configure one.
var DefaultParserNames = []string{ParserOTLP, ParserJSON, ParserRegex, ParserPlain}

// Parser turns one raw line into a partial log entry.
// Returning false means "no match"; parsers never fail loudly.
type Parser interface {
	Name() string
	Parse(line string) (*model.LogEntry, bool)
}

// Chain tries its parsers in order and returns the first match.
type Chain struct {
	parsers []Parser
}

// NewChain creates a chain from explicit parser values.
func NewChain(parsers ...Parser) *Chain {
	return &Chain{parsers: parsers}
}

// NewChainFromNames builds a chain from parser names. An empty list yields
// DefaultParserNames.
func NewChainFromNames(names ...string) (*Chain, error) {
	if len(names) == 0 {
		names = DefaultParserNames
	}
	parsers := make([]Parser, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case ParserOTLP:
			parsers = append(parsers, OTLPParser{})
		case ParserJSON:
			parsers = append(parsers, JSONParser{})
		case ParserRegex:
			parsers = append(parsers, NewRegexParser(ParserRegex, DefaultPatterns...))
		case ParserPlain:
			parsers = append(parsers, PlainParser{})
		default:
			return nil, fmt.Errorf("ingest: unknown parser %q", name)
		}
	}
	return NewChain(parsers...), nil
}

// Parse runs the chain. It returns the entry, the name of the parser that
// matched and whether any parser matched.
func (c *Chain) Parse(line string) (*model.LogEntry, string, bool) {
	if strings.TrimSpace(line) == "" {
		return nil, "", false
	}
	for _, p := range c.parsers {
		if entry, ok := p.Parse(line); ok && entry != nil {
			return entry, p.Name(), true
		}
	}
	return nil, "", false
}

// Names returns the parser names in evaluation order.
func (c *Chain) Names() []string {
	out := make([]string, 0, len(c.parsers))
	for _, p := range c.parsers {
		out = append(out, p.Name())
	}
	return out
}
