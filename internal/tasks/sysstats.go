package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/taskguard/pkg/logging"
	"github.com/psantana5/taskguard/pkg/periodic"
	"github.com/psantana5/taskguard/pkg/supervisor"
)

// Sample is one reading of host load.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsed    uint64
}

// Sampler reads host load; tests replace it.
type Sampler func(ctx context.Context, window time.Duration) (Sample, error)

// HostSampler reads CPU and memory through gopsutil. CPU is measured over
// window.
func HostSampler(ctx context.Context, window time.Duration) (Sample, error) {
	var s Sample

	percent, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return s, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percent) > 0 {
		s.CPUPercent = percent[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("failed to read memory usage: %w", err)
	}
	s.MemoryPercent = vmem.UsedPercent
	s.MemoryUsed = vmem.Used
	return s, nil
}

// SysStats samples host load, publishes it and fails when a limit is
// exceeded. A zero limit is not checked.
type SysStats struct {
	sample    Sampler
	window    time.Duration
	maxCPU    float64
	maxMemory float64
	sink      StatsSink
	logger    *logging.Logger
}

func (s *SysStats) Run(ctx context.Context) error {
	sample, err := s.sample(ctx, s.window)
	if err != nil {
		return err
	}
	if s.sink != nil {
		s.sink.RecordSystemStats(sample.CPUPercent, sample.MemoryPercent, sample.MemoryUsed)
	}
	s.logger.Debug("[SysStats] Sampled host", map[string]interface{}{
		"cpu_percent":    sample.CPUPercent,
		"memory_percent": sample.MemoryPercent,
	})

	if s.maxCPU > 0 && sample.CPUPercent > s.maxCPU {
		return fmt.Errorf("cpu usage %.1f%% above limit %.1f%%", sample.CPUPercent, s.maxCPU)
	}
	if s.maxMemory > 0 && sample.MemoryPercent > s.maxMemory {
		return fmt.Errorf("memory usage %.1f%% above limit %.1f%%", sample.MemoryPercent, s.maxMemory)
	}
	return nil
}

// options: window (duration), max_cpu_percent, max_memory_percent
func buildSysStats(name string, opts Options, deps Deps) (periodic.Factory, error) {
	return sysStatsFactory(opts, deps, HostSampler)
}

func sysStatsFactory(opts Options, deps Deps, sampler Sampler) (periodic.Factory, error) {
	window, err := opts.Duration("window", 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	maxCPU, err := opts.Float("max_cpu_percent", 0)
	if err != nil {
		return nil, err
	}
	maxMemory, err := opts.Float("max_memory_percent", 0)
	if err != nil {
		return nil, err
	}

	return func() (supervisor.Task, error) {
		return &SysStats{
			sample:    sampler,
			window:    window,
			maxCPU:    maxCPU,
			maxMemory: maxMemory,
			sink:      deps.Stats,
			logger:    deps.Logger,
		}, nil
	}, nil
}
