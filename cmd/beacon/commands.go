package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/beacon/internal/alerting"
	"github.com/tinytelemetry/beacon/internal/logging"
	"github.com/tinytelemetry/beacon/internal/model"
	"github.com/tinytelemetry/beacon/internal/pipeline"
	"github.com/tinytelemetry/beacon/internal/reporter"
	"github.com/tinytelemetry/beacon/internal/scheduler"
)

type reportFlags struct {
	typ    string
	format string
	start  string
	end    string
}

func newReportCmd(configPath *string) *cobra.Command {
	var f reportFlags
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a report from stored logs and analyses",
		Long: `Generate a report into the reports directory and print its path.

Without a running DuckDB store only persisted analyses contribute, since the
in-memory ring of a fresh process is empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			rcfg, err := f.config()
			if err != nil {
				return err
			}
			path, err := generateReport(cmd.Context(), cfg, rcfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.typ, "type", string(reporter.TypeDaily), "report type (daily, weekly, monthly, custom)")
	cmd.Flags().StringVar(&f.format, "format", string(reporter.FormatHTML), "output format (json, html, csv)")
	cmd.Flags().StringVar(&f.start, "start", "", "window start for custom reports (RFC 3339)")
	cmd.Flags().StringVar(&f.end, "end", "", "window end for custom reports (RFC 3339)")
	return cmd
}

// config resolves the flags. A zero window means the scheduled window of
// the type ending now.
func (f reportFlags) config() (reporter.Config, error) {
	format, err := reporter.ParseFormat(f.format)
	if err != nil {
		return reporter.Config{}, err
	}
	cfg := reporter.Config{Type: reporter.Type(f.typ), Format: format}
	switch cfg.Type {
	case reporter.TypeDaily, reporter.TypeWeekly, reporter.TypeMonthly, reporter.TypeCustom:
	default:
		return reporter.Config{}, fmt.Errorf("unknown report type %q", f.typ)
	}
	if f.start == "" && f.end == "" {
		if cfg.Type == reporter.TypeCustom {
			return reporter.Config{}, fmt.Errorf("custom reports need --start and --end")
		}
		return cfg, nil
	}
	if cfg.Start, err = time.Parse(time.RFC3339, f.start); err != nil {
		return reporter.Config{}, fmt.Errorf("invalid --start: %w", err)
	}
	if cfg.End, err = time.Parse(time.RFC3339, f.end); err != nil {
		return reporter.Config{}, fmt.Errorf("invalid --end: %w", err)
	}
	if !cfg.End.After(cfg.Start) {
		return reporter.Config{}, fmt.Errorf("--end must be after --start")
	}
	return cfg, nil
}

// generateReport builds an unstarted pipeline to reach the configured
// stores, renders one report and closes everything again.
func generateReport(ctx context.Context, cfg appConfig, rcfg reporter.Config) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logCfg := cfg.Log
	logCfg.File = ""
	logCfg.Level = zap.WarnLevel.String()
	logger, cleanup, err := logging.New(logCfg)
	if err != nil {
		return "", err
	}
	defer cleanup()

	p, err := pipeline.New(ctx, cfg.Pipeline, scheduler.NewManual(), pipeline.Options{Logger: logger})
	if err != nil {
		return "", err
	}
	defer func() { _ = p.Stop(context.Background()) }()

	var path string
	if rcfg.Start.IsZero() {
		_, path, err = p.Reporter().GenerateScheduledReport(ctx, rcfg.Type, rcfg.Format)
	} else {
		_, path, err = p.Reporter().GenerateReport(ctx, rcfg)
	}
	if err != nil {
		return "", fmt.Errorf("generate report: %w", err)
	}
	return path, nil
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect alert rule files",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate <file>",
			Short: "Check a YAML rule file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rules, err := alerting.LoadRulesFile(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d rules ok\n", len(rules))
				for _, r := range rules {
					fmt.Fprintf(out, "  %-20s %-8s %s %s %g over %s\n",
						ruleLabel(r), r.Severity, r.Metric, r.Condition.Operator, r.Condition.Threshold, r.Window)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "defaults",
			Short: "Print the built-in rules as a rule file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(struct {
					Rules []model.AlertRule `yaml:"rules"`
				}{alerting.DefaultRules()}); err != nil {
					return err
				}
				return enc.Close()
			},
		},
	)
	return cmd
}

func ruleLabel(r model.AlertRule) string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}
