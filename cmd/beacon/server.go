package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/beacon/internal/httpserver"
	"github.com/tinytelemetry/beacon/internal/logging"
	"github.com/tinytelemetry/beacon/internal/logsource"
	"github.com/tinytelemetry/beacon/internal/otlpreceiver"
	"github.com/tinytelemetry/beacon/internal/pipeline"
	"github.com/tinytelemetry/beacon/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// runServer runs the pipeline with every configured input until a signal
// arrives or, with stdin as the only input, until stdin is drained.
func runServer(cfg appConfig) error {
	logger, cleanupLogger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	defer cleanupLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// The deadline starts at the first signal, not at boot.
		deadline := time.NewTimer(shutdownTimeout + time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		os.Exit(1)
	}()

	sched := scheduler.NewTicker(ctx, logger)
	defer sched.Stop()

	p, err := pipeline.New(ctx, cfg.Pipeline, sched, pipeline.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		_ = p.Stop(context.Background())
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	var apiServer *httpserver.Server
	if cfg.APIEnabled {
		apiServer = httpserver.NewServer(cfg.APIAddr, p, p.SelfMetrics().Handler(), logger.Named("http"))
		if err := apiServer.Start(); err != nil {
			_ = p.Stop(context.Background())
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	plugins := buildInputPlugins(InputPluginConfig{
		TCPEnabled:   cfg.TCPEnabled,
		TCPAddr:      cfg.TCPAddr,
		StdinEnabled: cfg.Stdin,
		Logger:       logger,
	})
	sources := buildSources(ctx, plugins, logger)
	mux := logsource.NewMux(ctx, sources, cfg.MuxBufferSize)
	mux.Start()

	printStartupBanner(cfg, mux.Names())

	g, gctx := errgroup.WithContext(ctx)

	// Exit after stdin drains when nothing else can deliver data.
	stdinOnly := !cfg.APIEnabled && !cfg.OTLPEnabled && len(sources) == 1 && sources[0].Name() == "stdin"
	g.Go(func() error {
		for env := range mux.Lines() {
			if _, err := p.IngestLine(env.Source, env.Line); err != nil {
				logger.Debug("line rejected", zap.String("source", env.Source), zap.Error(err))
			}
		}
		if stdinOnly {
			cancel()
		}
		return nil
	})

	if cfg.OTLPEnabled {
		receiver := otlpreceiver.New(cfg.OTLPAddr, p, logger.Named("otlp"))
		g.Go(func() error {
			return receiver.Serve(gctx)
		})
	}

	g.Go(func() error {
		if err := p.Watch(gctx); err != nil {
			logger.Warn("file watcher stopped", zap.Error(err))
		}
		return nil
	})

	// A signal or a failing input closes the merged stream so the ingest
	// loop above returns.
	g.Go(func() error {
		<-gctx.Done()
		mux.Stop()
		return nil
	})

	// An input failing to serve cancels gctx and brings the rest down.
	runErr := g.Wait()
	if runErr != nil {
		logger.Error("server exited with error", zap.Error(runErr))
	}

	cancel()
	mux.Stop()
	for _, st := range mux.Stats() {
		logger.Info("input closed",
			zap.String("source", st.Name),
			zap.Uint64("lines", st.Forwarded),
			zap.Uint64("blank", st.Blank))
	}
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Warn("api server shutdown", zap.Error(err))
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := p.Stop(stopCtx); err != nil {
		logger.Error("pipeline shutdown", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func printStartupBanner(cfg appConfig, inputs []string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	row := func(on bool, label, value string) string {
		if on {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render(value))
	}
	enabled := func(on bool, value string) string {
		if on {
			return value
		}
		return "disabled"
	}

	logo := cyan.Bold(true).Render(`
    ╔╗ ╔═╗╔═╗╔═╗╔═╗╔╗╔
    ╠╩╗║╣ ╠═╣║  ║ ║║║║
    ╚═╝╚═╝╩ ╩╚═╝╚═╝╝╚╝`)

	separator := dim.Render("    ─────────────────────────────────")
	pc := cfg.Pipeline

	lines := []string{"", logo, "    " + dim.Render("v"+version), "", separator, ""}

	lines = append(lines, bold.Render("    Gateway"), "")
	lines = append(lines,
		row(cfg.APIEnabled, "HTTP API", enabled(cfg.APIEnabled, cfg.APIAddr)),
		row(cfg.TCPEnabled, "TCP Ingest", enabled(cfg.TCPEnabled, cfg.TCPAddr)),
		row(cfg.OTLPEnabled, "OTLP gRPC", enabled(cfg.OTLPEnabled, cfg.OTLPAddr)),
		row(len(inputs) > 0, "Line Inputs", enabled(len(inputs) > 0, strings.Join(inputs, ", "))),
		row(len(pc.Collector.Sources) > 0, "File Sources", humanize.Comma(int64(len(pc.Collector.Sources)))),
		"")

	lines = append(lines, bold.Render("    Storage"), "")
	lines = append(lines,
		row(true, "Data Dir", shortenPath(pc.BaseDir)),
		row(true, "Ring", humanize.Comma(int64(pc.RingCapacity))+" entries"),
		row(pc.DuckDB.Enabled, "DuckDB", enabled(pc.DuckDB.Enabled, shortenPath(pc.DuckDB.Path))),
		row(pc.Journal, "Journal", enabled(pc.Journal, "on")),
		row(pc.Redis.Addr != "", "Redis", enabled(pc.Redis.Addr != "", pc.Redis.Addr)),
		row(len(pc.Kafka.Brokers) > 0, "Kafka", enabled(len(pc.Kafka.Brokers) > 0, strings.Join(pc.Kafka.Brokers, ","))),
		"")

	lines = append(lines, bold.Render("    Analysis"), "")
	lines = append(lines,
		row(true, "Realtime", pc.Analyzer.RealtimeWindow.String()),
		row(true, "Batch", pc.Analyzer.BatchInterval.String()),
		row(pc.Reports.Enabled, "Reports", enabled(pc.Reports.Enabled, fmt.Sprintf("%d schedules", len(pc.Reports.Schedules)))),
		"")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", shortenPath(cfg.ConfigPath)))
	} else {
		lines = append(lines, row(false, "Config File", "default (no file)"))
	}
	if cfg.Log.File != "" {
		lines = append(lines, row(true, "Log File", shortenPath(cfg.Log.File)))
	}

	lines = append(lines, "", separator, "",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
