package metrics

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// ProbeFunc reads the current resource usage.
type ProbeFunc func(ctx context.Context) (model.SystemDetails, error)

// SystemSampler periodically records host resource usage as a system metric.
type SystemSampler struct {
	recorder *Recorder
	probe    ProbeFunc
	logger   *zap.Logger
}

// NewSystemSampler creates a sampler. A nil probe reads the host via gopsutil.
func NewSystemSampler(recorder *Recorder, probe ProbeFunc, logger *zap.Logger) *SystemSampler {
	if probe == nil {
		probe = HostProbe
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemSampler{recorder: recorder, probe: probe, logger: logger}
}

// Sample takes one reading and records it. It is a scheduler job.
func (s *SystemSampler) Sample(ctx context.Context) {
	details, err := s.probe(ctx)
	if err != nil {
		s.logger.Warn("system sample failed", zap.Error(err))
		return
	}
	s.recorder.RecordSystemResource(details)
}

// HostProbe reads CPU, memory and load average of the host. Load average is
// left at zero where the platform has none.
func HostProbe(ctx context.Context) (model.SystemDetails, error) {
	var d model.SystemDetails

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return d, fmt.Errorf("metrics: cpu percent: %w", err)
	}
	if len(percents) > 0 {
		d.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return d, fmt.Errorf("metrics: virtual memory: %w", err)
	}
	d.MemoryPercent = vm.UsedPercent
	d.MemoryUsed = vm.Used

	if runtime.GOOS != "windows" {
		if avg, err := load.AvgWithContext(ctx); err == nil {
			d.Load1 = avg.Load1
		}
	}
	return d, nil
}
