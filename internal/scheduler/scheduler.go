// Package scheduler runs the pipeline's periodic jobs.
//
// Components never create their own tickers; they register work with a
// Scheduler so tests can drive them with Manual instead of real time.
package scheduler

import (
	"context"
	"time"
)

// Func is the unit of periodic work.
type Func func(ctx context.Context)

// Job is a handle to a registered job.
type Job interface {
	Stop()
}

// Scheduler registers interval and cron jobs.
type Scheduler interface {
	Every(name string, interval time.Duration, fn Func) Job
	Cron(name, spec string, fn Func) (Job, error)
}
