package main

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/tinytelemetry/beacon/internal/logsource"
	"github.com/tinytelemetry/beacon/internal/model"
)

func TestBuildInputPlugins_RegistersPrimitives(t *testing.T) {
	t.Parallel()

	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled: true,
		TCPAddr:    "127.0.0.1:4000",
	})

	if len(plugins) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(plugins))
	}
	if plugins[0].Name() != "tcp" {
		t.Fatalf("plugins[0] name = %q, want %q", plugins[0].Name(), "tcp")
	}
	if plugins[1].Name() != "stdin" {
		t.Fatalf("plugins[1] name = %q, want %q", plugins[1].Name(), "stdin")
	}
	if !plugins[0].Enabled() {
		t.Fatal("expected tcp plugin to be enabled when TCPEnabled=true")
	}
	if plugins[1].Enabled() {
		t.Fatal("expected stdin plugin to be disabled when StdinEnabled=false")
	}
}

func TestStdinPlugin_RequiresPipe(t *testing.T) {
	t.Parallel()

	piped := stdinInputPlugin{enabled: true, piped: func() bool { return true }}
	if !piped.Enabled() {
		t.Fatal("expected stdin plugin to be enabled for a pipe")
	}
	terminal := stdinInputPlugin{enabled: true, piped: func() bool { return false }}
	if terminal.Enabled() {
		t.Fatal("expected stdin plugin to be disabled for a terminal")
	}
}

func TestTCPPlugin_BuildsListeningSource(t *testing.T) {
	t.Parallel()

	plugin := tcpInputPlugin{addr: "127.0.0.1:0", enabled: true, logger: zaptest.NewLogger(t)}
	src, err := plugin.Build(context.Background())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	defer src.Stop()

	if src.Name() != "tcp" {
		t.Fatalf("source name = %q, want tcp", src.Name())
	}
}

type stubPlugin struct {
	name    string
	enabled bool
	err     error
}

func (p stubPlugin) Name() string  { return p.name }
func (p stubPlugin) Enabled() bool { return p.enabled }

func (p stubPlugin) Build(context.Context) (logsource.LogSource, error) {
	if p.err != nil {
		return nil, p.err
	}
	return stubSource{name: p.name}, nil
}

type stubSource struct{ name string }

func (s stubSource) Lines() <-chan model.Envelope { return nil }
func (s stubSource) Stop()                        {}
func (s stubSource) Name() string                 { return s.name }

func TestBuildSources_SkipsDisabledAndFailing(t *testing.T) {
	t.Parallel()

	sources := buildSources(context.Background(), []InputSourcePlugin{
		stubPlugin{name: "a", enabled: true},
		stubPlugin{name: "b", enabled: false},
		stubPlugin{name: "c", enabled: true, err: errors.New("address in use")},
	}, zaptest.NewLogger(t))

	if len(sources) != 1 || sources[0].Name() != "a" {
		t.Fatalf("sources = %+v, want only a", sources)
	}
}
