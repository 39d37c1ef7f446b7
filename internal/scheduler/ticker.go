package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Ticker is the production Scheduler: interval jobs run on their own
// time.Ticker goroutine and cron jobs on a shared robfig/cron runner.
type Ticker struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cron   *cron.Cron
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// NewTicker creates a scheduler whose jobs receive ctx-derived contexts.
func NewTicker(ctx context.Context, logger *zap.Logger) *Ticker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	ctx, cancel := context.WithCancel(ctx)
	cl := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Start()
	return &Ticker{ctx: ctx, cancel: cancel, logger: logger, cron: c}
}

type tickerJob struct {
	name    string
	done    chan struct{}
	once    sync.Once
	running atomic.Bool
}

func (j *tickerJob) Stop() {
	j.once.Do(func() { close(j.done) })
}

// Every runs fn every interval until the job or the scheduler is stopped.
// A tick that arrives while fn is still running is skipped.
func (t *Ticker) Every(name string, interval time.Duration, fn Func) Job {
	job := &tickerJob{name: name, done: make(chan struct{})}
	if interval <= 0 {
		t.logger.Warn("job not scheduled, interval must be positive", zap.String("job", name), zap.Duration("interval", interval))
		job.Stop()
		return job
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if !job.running.CompareAndSwap(false, true) {
					continue
				}
				t.run(name, fn)
				job.running.Store(false)
			case <-job.done:
				return
			case <-t.ctx.Done():
				return
			}
		}
	}()
	t.logger.Debug("job scheduled", zap.String("job", name), zap.Duration("interval", interval))
	return job
}

func (t *Ticker) run(name string, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
		}
	}()
	fn(t.ctx)
}

type cronJob struct {
	c  *cron.Cron
	id cron.EntryID
}

func (j cronJob) Stop() { j.c.Remove(j.id) }

// Cron registers fn under a standard five-field cron spec or descriptor
// (@daily, @every 1h, ...).
func (t *Ticker) Cron(name, spec string, fn Func) (Job, error) {
	id, err := t.cron.AddFunc(spec, func() { fn(t.ctx) })
	if err != nil {
		return nil, fmt.Errorf("scheduler: cron %s %q: %w", name, spec, err)
	}
	t.logger.Debug("cron job scheduled", zap.String("job", name), zap.String("spec", spec))
	return cronJob{c: t.cron, id: id}, nil
}

// Stop cancels every job and waits for running ones to return.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		<-t.cron.Stop().Done()
		t.wg.Wait()
	})
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
