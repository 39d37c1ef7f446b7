package logsource

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/beacon/internal/model"
)

// DefaultMuxBuffer is the merged channel size.
const DefaultMuxBuffer = 50_000

// SourceStats counts what one input delivered through the mux.
type SourceStats struct {
	Name      string `json:"name"`
	Forwarded uint64 `json:"forwarded"`
	Blank     uint64 `json:"blank"`
	Closed    bool   `json:"closed"`
}

type input struct {
	src       LogSource
	forwarded atomic.Uint64
	blank     atomic.Uint64
	closed    atomic.Bool
}

// Mux fans several inputs into one envelope stream. Envelopes without a
// source are stamped with the input's name and blank lines are dropped. The
// merged channel closes once every input has closed, the parent context is
// cancelled or Stop is called.
type Mux struct {
	ctx    context.Context
	cancel context.CancelFunc
	inputs []*input
	out    chan model.Envelope
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewMux creates a multiplexer over sources.
func NewMux(parent context.Context, sources []LogSource, buffer int) *Mux {
	if buffer <= 0 {
		buffer = DefaultMuxBuffer
	}
	ctx, cancel := context.WithCancel(parent)
	inputs := make([]*input, len(sources))
	for i, src := range sources {
		inputs[i] = &input{src: src}
	}
	return &Mux{
		ctx:    ctx,
		cancel: cancel,
		inputs: inputs,
		out:    make(chan model.Envelope, buffer),
		done:   make(chan struct{}),
	}
}

// Start begins forwarding. Calls after the first, or after Stop, do nothing.
func (m *Mux) Start() {
	m.startOnce.Do(func() {
		g, gctx := errgroup.WithContext(m.ctx)
		for _, in := range m.inputs {
			g.Go(func() error {
				m.pump(gctx, in)
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			m.finish()
		}()
	})
}

// Stop stops every input and waits for the merged channel to close.
func (m *Mux) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		for _, in := range m.inputs {
			in.src.Stop()
		}
		// A mux that never started has nothing to drain.
		m.startOnce.Do(m.finish)
		<-m.done
	})
}

// Names lists the inputs in registration order.
func (m *Mux) Names() []string {
	names := make([]string, len(m.inputs))
	for i, in := range m.inputs {
		names[i] = in.src.Name()
	}
	return names
}

// Stats reports per-input delivery counts.
func (m *Mux) Stats() []SourceStats {
	out := make([]SourceStats, len(m.inputs))
	for i, in := range m.inputs {
		out[i] = SourceStats{
			Name:      in.src.Name(),
			Forwarded: in.forwarded.Load(),
			Blank:     in.blank.Load(),
			Closed:    in.closed.Load(),
		}
	}
	return out
}

// Lines returns the merged stream.
func (m *Mux) Lines() <-chan model.Envelope {
	return m.out
}

func (m *Mux) pump(ctx context.Context, in *input) {
	lines := in.src.Lines()
	name := in.src.Name()
	for {
		var env model.Envelope
		var ok bool
		select {
		case <-ctx.Done():
			return
		case env, ok = <-lines:
		}
		if !ok {
			in.closed.Store(true)
			return
		}
		if env.Line == "" {
			in.blank.Add(1)
			continue
		}
		if env.Source == "" {
			env.Source = name
		}
		select {
		case m.out <- env:
			in.forwarded.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mux) finish() {
	close(m.out)
	close(m.done)
}
