package model

// Envelope carries one raw line with the name of the source it came from.
// It is the transport contract between line streams and the collector.
type Envelope struct {
	Source string
	Line   string
}
