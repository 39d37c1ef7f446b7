package reporter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/scheduler"
)

// Schedule generates one report type on a cron spec.
type Schedule struct {
	Type       Type     `mapstructure:"type" yaml:"type"`
	Cron       string   `mapstructure:"cron" yaml:"cron"`
	Format     Format   `mapstructure:"format" yaml:"format"`
	Recipients []string `mapstructure:"recipients" yaml:"recipients"`
}

// DefaultSchedules produce a daily, weekly and monthly HTML report.
func DefaultSchedules() []Schedule {
	return []Schedule{
		{Type: TypeDaily, Cron: "0 6 * * *", Format: FormatHTML},
		{Type: TypeWeekly, Cron: "0 7 * * 1", Format: FormatHTML},
		{Type: TypeMonthly, Cron: "0 8 1 * *", Format: FormatHTML},
	}
}

// Notifier hands a finished report to its recipients.
type Notifier interface {
	Notify(ctx context.Context, recipients []string, rep *Report, path string) error
}

// LogNotifier records the delivery it would make.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs the report path and recipients.
func (n LogNotifier) Notify(_ context.Context, recipients []string, rep *Report, path string) error {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("report ready",
		zap.Strings("recipients", recipients),
		zap.String("type", string(rep.Type)),
		zap.String("path", path))
	return nil
}

// JobName is the scheduler job generating reports of type t.
func JobName(t Type) string { return "report:" + string(t) }

// Schedule registers a cron job per schedule. A nil notifier skips delivery.
func (r *Reporter) Schedule(sched scheduler.Scheduler, schedules []Schedule, n Notifier) ([]scheduler.Job, error) {
	var jobs []scheduler.Job
	for _, s := range schedules {
		if _, err := WindowFor(s.Type, r.now()); err != nil {
			stopAll(jobs)
			return nil, err
		}
		if s.Format == "" {
			s.Format = DefaultScheduleFormat
		}
		if _, err := ParseFormat(string(s.Format)); err != nil {
			stopAll(jobs)
			return nil, err
		}
		job, err := sched.Cron(JobName(s.Type), s.Cron, func(ctx context.Context) {
			r.runScheduled(ctx, s, n)
		})
		if err != nil {
			stopAll(jobs)
			return nil, fmt.Errorf("schedule %s report: %w", s.Type, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *Reporter) runScheduled(ctx context.Context, s Schedule, n Notifier) {
	rep, path, err := r.GenerateScheduledReport(ctx, s.Type, s.Format)
	if err != nil {
		r.logger.Error("scheduled report failed", zap.String("type", string(s.Type)), zap.Error(err))
		return
	}
	if n == nil || len(s.Recipients) == 0 {
		return
	}
	if err := n.Notify(ctx, s.Recipients, rep, path); err != nil {
		r.logger.Error("report notification failed", zap.String("type", string(s.Type)), zap.Error(err))
	}
}

func stopAll(jobs []scheduler.Job) {
	for _, j := range jobs {
		j.Stop()
	}
}
