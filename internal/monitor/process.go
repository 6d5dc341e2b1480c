package monitor

import (
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo describes the running server for the status page.
type ProcessInfo struct {
	PID        int
	StartTime  time.Time
	Uptime     time.Duration
	RSSBytes   uint64
	CPUPercent float64
	Goroutines int
}

// ProcessStats samples the current process through gopsutil.
type ProcessStats struct {
	proc    *process.Process
	started time.Time
}

func NewProcessStats() (*ProcessStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "open current process")
	}
	started := time.Now()
	if ms, err := proc.CreateTime(); err == nil {
		started = time.UnixMilli(ms)
	}
	return &ProcessStats{proc: proc, started: started}, nil
}

// Sample reads the current figures. Fields gopsutil cannot provide on this
// platform are left zero.
func (p *ProcessStats) Sample() ProcessInfo {
	info := ProcessInfo{
		PID:        int(p.proc.Pid),
		StartTime:  p.started,
		Uptime:     time.Since(p.started),
		Goroutines: runtime.NumGoroutine(),
	}
	if mem, err := p.proc.MemoryInfo(); err == nil {
		info.RSSBytes = mem.RSS
	}
	if pct, err := p.proc.CPUPercent(); err == nil {
		info.CPUPercent = pct
	}
	return info
}
