package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Manual is a Scheduler for tests: nothing runs until Tick or RunCron is
// called, and then the job runs synchronously on the caller's goroutine.
type Manual struct {
	mu   sync.Mutex
	jobs map[string][]*manualJob
}

// NewManual creates an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{jobs: make(map[string][]*manualJob)}
}

type manualJob struct {
	mu       sync.Mutex
	interval time.Duration
	spec     string
	fn       Func
	stopped  bool
}

func (j *manualJob) Stop() {
	j.mu.Lock()
	j.stopped = true
	j.mu.Unlock()
}

func (j *manualJob) active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.stopped
}

func (m *Manual) add(name string, j *manualJob) {
	m.mu.Lock()
	m.jobs[name] = append(m.jobs[name], j)
	m.mu.Unlock()
}

// Every records an interval job.
func (m *Manual) Every(name string, interval time.Duration, fn Func) Job {
	j := &manualJob{interval: interval, fn: fn}
	m.add(name, j)
	return j
}

// Cron records a cron job after validating its spec.
func (m *Manual) Cron(name, spec string, fn Func) (Job, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, err
	}
	j := &manualJob{spec: spec, fn: fn}
	m.add(name, j)
	return j, nil
}

func (m *Manual) snapshot(name string) []*manualJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*manualJob(nil), m.jobs[name]...)
}

// Tick runs every active job registered under name and returns how many ran.
func (m *Manual) Tick(ctx context.Context, name string) int {
	ran := 0
	for _, j := range m.snapshot(name) {
		if !j.active() {
			continue
		}
		j.fn(ctx)
		ran++
	}
	return ran
}

// RunCron is an alias of Tick that reads better for cron jobs.
func (m *Manual) RunCron(ctx context.Context, name string) int {
	return m.Tick(ctx, name)
}

// TickAll runs every active job once, in name order.
func (m *Manual) TickAll(ctx context.Context) int {
	ran := 0
	for _, name := range m.Names() {
		ran += m.Tick(ctx, name)
	}
	return ran
}

// Names lists registered job names with at least one active job.
func (m *Manual) Names() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.jobs))
	for name, jobs := range m.jobs {
		for _, j := range jobs {
			if j.active() {
				names = append(names, name)
				break
			}
		}
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

// Interval returns the interval of the first job registered under name.
func (m *Manual) Interval(name string) (time.Duration, bool) {
	jobs := m.snapshot(name)
	if len(jobs) == 0 {
		return 0, false
	}
	return jobs[0].interval, true
}
