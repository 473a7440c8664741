package host

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Stats is a point-in-time resource snapshot of a live plugin process.
type Stats struct {
	PID        int           `json:"pid"`
	RSSBytes   uint64        `json:"rss_bytes"`
	CPUPercent float64       `json:"cpu_percent"`
	Threads    int32         `json:"threads"`
	Uptime     time.Duration `json:"uptime"`
}

// ErrNotRunning is returned by Stats when there is no live process.
var ErrNotRunning = errors.New("plugin process not running")

// Stats samples the host's own process.
func (h *Host) Stats(ctx context.Context) (Stats, error) {
	h.mu.Lock()
	proc, startedAt, state := h.proc, h.startedAt, h.state
	h.mu.Unlock()

	if proc == nil || state.Terminal() {
		return Stats{}, ErrNotRunning
	}

	pid := proc.Pid()
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Stats{}, err
	}

	out := Stats{PID: pid, Uptime: time.Since(startedAt)}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		out.Threads = n
	}
	return out, nil
}
