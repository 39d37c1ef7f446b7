// Package tcpserver accepts newline-delimited log lines over TCP.
package tcpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

const (
	// DefaultAddr is used when no listen address is configured.
	DefaultAddr = "127.0.0.1:4000"

	// DefaultLineChannelSize is the buffer size of the outgoing line channel.
	DefaultLineChannelSize = 100_000

	// DefaultMaxLineSize caps a single line in bytes.
	DefaultMaxLineSize = 1024 * 1024

	// SourceName tags every envelope produced by the server.
	SourceName = "tcp"
)

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	LineChannelSize int
	MaxLineSize     int
}

// Server turns every connection into a stream of Envelopes on one channel.
type Server struct {
	listener    net.Listener
	addr        string
	lines       chan model.Envelope
	maxLineSize int
	logger      *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a server. An empty addr means DefaultAddr.
func NewServer(addr string, logger *zap.Logger, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lineChannelSize := DefaultLineChannelSize
	maxLineSize := DefaultMaxLineSize
	if len(conf) > 0 {
		if conf[0].LineChannelSize > 0 {
			lineChannelSize = conf[0].LineChannelSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		lines:       make(chan model.Envelope, lineChannelSize),
		maxLineSize: maxLineSize,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start listens and accepts connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("tcpserver: listen %s: %w", s.addr, err)
	}
	s.listener = listener
	s.logger.Info("tcp ingest listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					s.logger.Debug("accept failed", zap.Error(err))
					continue
				}
			}
			s.wg.Add(1)
			go s.handleConnection(conn)
		}
	}()
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Unblock the scanner when the server stops.
	go func() {
		<-s.ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case s.lines <- model.Envelope{Source: SourceName, Line: line}:
		case <-s.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.logger.Warn("dropped connection: line exceeds max size",
				zap.Stringer("remote", conn.RemoteAddr()), zap.Int("max_line_size", s.maxLineSize))
			return
		}
		select {
		case <-s.ctx.Done():
		default:
			s.logger.Warn("connection read failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		}
	}
}

// Stop closes the listener and every open connection, then closes Lines.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		close(s.lines)
	})
	return nil
}

// Lines returns the channel of received lines.
func (s *Server) Lines() <-chan model.Envelope {
	return s.lines
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
