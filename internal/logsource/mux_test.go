package logsource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tinytelemetry/beacon/internal/model"
)

type fakeSource struct {
	name    string
	lines   chan model.Envelope
	stopped chan struct{}
}

func newFakeSource(name string, buffer int) *fakeSource {
	return &fakeSource{name: name, lines: make(chan model.Envelope, buffer), stopped: make(chan struct{})}
}

func (s *fakeSource) Lines() <-chan model.Envelope { return s.lines }
func (s *fakeSource) Name() string                 { return s.name }

func (s *fakeSource) Stop() {
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
		close(s.lines)
	}
}

func TestMux_ForwardsFromAllSources(t *testing.T) {
	t.Parallel()

	a := newFakeSource("a", 2)
	b := newFakeSource("b", 2)
	mux := NewMux(context.Background(), []LogSource{a, b}, 16)
	mux.Start()
	defer mux.Stop()

	assert.Equal(t, []string{"a", "b"}, mux.Names())

	a.lines <- model.Envelope{Source: "a", Line: "alpha"}
	b.lines <- model.Envelope{Line: "beta"}
	a.lines <- model.Envelope{Source: "a", Line: ""}
	a.Stop()
	b.Stop()

	got := map[string]string{}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-mux.Lines():
			if !ok {
				assert.Equal(t, map[string]string{"alpha": "a", "beta": "b"}, got, "unnamed envelopes take the input name")
				assert.Equal(t, []SourceStats{
					{Name: "a", Forwarded: 1, Blank: 1, Closed: true},
					{Name: "b", Forwarded: 1, Closed: true},
				}, mux.Stats())
				return
			}
			got[env.Line] = env.Source
		case <-timeout:
			t.Fatalf("timed out waiting for multiplexed lines: %+v", got)
		}
	}
}

func TestMux_StopInvokesSourceStop(t *testing.T) {
	t.Parallel()

	src := newFakeSource("x", 1)
	mux := NewMux(context.Background(), []LogSource{src}, 8)
	mux.Start()
	mux.Stop()

	select {
	case <-src.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected source Stop() to be called")
	}
}

func TestMux_StopWithoutStartClosesLines(t *testing.T) {
	t.Parallel()

	src := newFakeSource("x", 1)
	mux := NewMux(context.Background(), []LogSource{src}, 8)
	mux.Stop()
	mux.Start()

	_, ok := <-mux.Lines()
	assert.False(t, ok)
	assert.Equal(t, []SourceStats{{Name: "x"}}, mux.Stats())
}

func TestMux_ParentCancelClosesLines(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	src := newFakeSource("tcp", 1)
	mux := NewMux(ctx, []LogSource{src}, 8)
	mux.Start()
	cancel()

	select {
	case _, ok := <-mux.Lines():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected merged stream to close on cancel")
	}
	mux.Stop()
}

func TestMux_NoSourcesClosesImmediately(t *testing.T) {
	mux := NewMux(context.Background(), nil, 0)
	mux.Start()
	_, ok := <-mux.Lines()
	assert.False(t, ok)
}
