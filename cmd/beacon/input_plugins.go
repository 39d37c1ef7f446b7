package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/logsource"
	"github.com/tinytelemetry/beacon/internal/tcpserver"
)

// InputSourcePlugin is a small plugin primitive for wiring line inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (logsource.LogSource, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	TCPEnabled   bool
	TCPAddr      string
	StdinEnabled bool
	Logger       *zap.Logger
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return []InputSourcePlugin{
		tcpInputPlugin{addr: cfg.TCPAddr, enabled: cfg.TCPEnabled, logger: logger.Named("tcp")},
		stdinInputPlugin{enabled: cfg.StdinEnabled, piped: logsource.StdinPiped, logger: logger.Named("stdin")},
	}
}

// buildSources starts every enabled plugin. A plugin that fails to start is
// logged and skipped.
func buildSources(ctx context.Context, plugins []InputSourcePlugin, logger *zap.Logger) []logsource.LogSource {
	sources := make([]logsource.LogSource, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		src, err := plugin.Build(ctx)
		if err != nil {
			logger.Error("input plugin failed", zap.String("plugin", plugin.Name()), zap.Error(err))
			continue
		}
		sources = append(sources, src)
	}
	return sources
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
	logger  *zap.Logger
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (logsource.LogSource, error) {
	server := tcpserver.NewServer(p.addr, p.logger)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return logsource.NewTCPSource(server), nil
}

// stdinInputPlugin reads stdin only when it is piped.
type stdinInputPlugin struct {
	enabled bool
	piped   func() bool
	logger  *zap.Logger
}

func (p stdinInputPlugin) Name() string { return "stdin" }

func (p stdinInputPlugin) Enabled() bool {
	return p.enabled && p.piped != nil && p.piped()
}

func (p stdinInputPlugin) Build(ctx context.Context) (logsource.LogSource, error) {
	return logsource.NewStdinSource(ctx, p.logger), nil
}
