// Package logsource adapts line-oriented inputs (TCP, stdin) to a common
// stream of Envelopes and merges them for the collector.
package logsource

import "github.com/tinytelemetry/beacon/internal/model"

// LogSource is a running line input.
type LogSource interface {
	Lines() <-chan model.Envelope
	Stop()
	Name() string
}
