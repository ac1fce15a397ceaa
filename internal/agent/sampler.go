package agent

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tOgg1/scanfleet/internal/models"
)

// DefaultCPUWindow separates the two CPU counter readings.
const DefaultCPUWindow = 500 * time.Millisecond

// Sample is one utilization reading, in percent with one decimal.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
}

// HostSampler reads utilization from the host's kernel counters.
type HostSampler struct {
	// Window is the pause between CPU readings.
	Window time.Duration

	times  func(ctx context.Context, perCPU bool) ([]cpu.TimesStat, error)
	memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewHostSampler returns a sampler backed by gopsutil.
func NewHostSampler() *HostSampler {
	return &HostSampler{
		Window: DefaultCPUWindow,
		times:  cpu.TimesWithContext,
		memory: mem.VirtualMemoryWithContext,
	}
}

// Sample takes two CPU counter readings Window apart and one memory reading.
func (s *HostSampler) Sample(ctx context.Context) (Sample, error) {
	first, err := s.cpuCounters(ctx)
	if err != nil {
		return Sample{}, err
	}
	if !sleep(ctx, s.Window) {
		return Sample{}, ctx.Err()
	}
	second, err := s.cpuCounters(ctx)
	if err != nil {
		return Sample{}, err
	}

	vm, err := s.memory(ctx)
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		CPUPercent:    models.RoundPercent(cpuBusy(first, second)),
		MemoryPercent: models.RoundPercent(memoryUsed(vm)),
	}, nil
}

func (s *HostSampler) cpuCounters(ctx context.Context) (cpu.TimesStat, error) {
	stats, err := s.times(ctx, false)
	if err != nil {
		return cpu.TimesStat{}, err
	}
	if len(stats) == 0 {
		return cpu.TimesStat{}, errors.New("no cpu counters")
	}
	return stats[0], nil
}

func cpuTotal(stat cpu.TimesStat) float64 {
	return stat.User + stat.System + stat.Nice + stat.Idle + stat.Iowait +
		stat.Irq + stat.Softirq + stat.Steal
}

// cpuBusy is the busy share of the time elapsed between two readings.
func cpuBusy(before, after cpu.TimesStat) float64 {
	total := cpuTotal(after) - cpuTotal(before)
	if total <= 0 {
		return 0
	}
	idle := (after.Idle + after.Iowait) - (before.Idle + before.Iowait)
	return (total - idle) / total * 100
}

// memoryUsed is 100 - available/total*100.
func memoryUsed(vm *mem.VirtualMemoryStat) float64 {
	if vm == nil || vm.Total == 0 {
		return 0
	}
	return 100 - float64(vm.Available)/float64(vm.Total)*100
}
