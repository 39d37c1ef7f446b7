package model

import "time"

// Shared defaults used by the pipeline and the CLI.
const (
	DefaultBatchSize       = 100
	DefaultFlushInterval   = 5 * time.Second
	DefaultMaxQueueSize    = 10_000
	DefaultSamplingRate    = 1.0
	DefaultRealtimeWindow  = 5 * time.Minute
	DefaultBatchInterval   = 5 * time.Minute
	DefaultBatchWindow     = time.Hour
	DefaultCheckInterval   = 30 * time.Second
	DefaultPollInterval    = time.Second
	DefaultSourceBatchSize = 1000
	DefaultService         = "unknown"
)
