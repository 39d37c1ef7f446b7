package logsource

import (
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/tcpserver"
)

// TCPSource exposes a started tcpserver.Server as a LogSource.
type TCPSource struct {
	server *tcpserver.Server
}

// NewTCPSource wraps an already started server.
func NewTCPSource(server *tcpserver.Server) *TCPSource {
	return &TCPSource{server: server}
}

func (t *TCPSource) Lines() <-chan model.Envelope { return t.server.Lines() }
func (t *TCPSource) Stop()                        { _ = t.server.Stop() }
func (t *TCPSource) Name() string                 { return tcpserver.SourceName }
