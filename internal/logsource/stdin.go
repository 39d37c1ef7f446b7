package logsource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

const (
	// DefaultStdinBuffer is the channel size for stdin lines.
	DefaultStdinBuffer = 50_000

	// DefaultStdinMaxLineSize caps a single stdin line in bytes.
	DefaultStdinMaxLineSize = 1024 * 1024
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int
}

// StdinSource reads newline-delimited lines from standard input.
type StdinSource struct {
	ch     chan model.Envelope
	cancel context.CancelFunc
	logger *zap.Logger
}

// StdinPiped reports whether stdin is a pipe or file rather than a terminal.
func StdinPiped() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice == 0
}

// NewStdinSource starts reading os.Stdin in the background.
func NewStdinSource(ctx context.Context, logger *zap.Logger, conf ...StdinConfig) *StdinSource {
	return newStdinSourceWithReader(ctx, os.Stdin, logger, conf...)
}

func newStdinSourceWithReader(ctx context.Context, r io.Reader, logger *zap.Logger, conf ...StdinConfig) *StdinSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := DefaultStdinBuffer
	maxLineSize := DefaultStdinMaxLineSize
	if len(conf) > 0 {
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinSource{
		ch:     make(chan model.Envelope, bufferSize),
		cancel: cancel,
		logger: logger,
	}
	go s.read(ctx, r, maxLineSize)
	return s
}

func (s *StdinSource) read(ctx context.Context, r io.Reader, maxLineSize int) {
	defer close(s.ch)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	// The scan blocks, so it runs on its own goroutine and hands lines over.
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				s.logger.Warn("stdin line exceeds max size, stopping", zap.Int("max_line_size", maxLineSize))
				return
			}
			s.logger.Warn("stdin read failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			select {
			case s.ch <- model.Envelope{Source: s.Name(), Line: line}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *StdinSource) Lines() <-chan model.Envelope { return s.ch }
func (s *StdinSource) Stop()                        { s.cancel() }
func (s *StdinSource) Name() string                 { return "stdin" }
