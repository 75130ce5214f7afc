package probe

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// HostSource reads CPU counters and the process table through gopsutil.
type HostSource struct{}

func (HostSource) CPUTimes(ctx context.Context) (CPUTimes, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return CPUTimes{}, fmt.Errorf("read cpu times: %w", err)
	}
	if len(times) == 0 {
		return CPUTimes{}, fmt.Errorf("read cpu times: no data")
	}
	t := times[0]
	idle := t.Idle + t.Iowait
	total := t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	return CPUTimes{Busy: total - idle, Total: total}, nil
}

func (HostSource) ZombieCount(ctx context.Context) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	zombies := 0
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		status, err := p.StatusWithContext(ctx)
		if err != nil {
			continue
		}
		for _, s := range status {
			if s == process.Zombie {
				zombies++
				break
			}
		}
	}
	return zombies, nil
}
