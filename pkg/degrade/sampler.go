package degrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/procfs"

	"github.com/kb-labs/runtime/pkg/platform"
)

// Sample is one load observation.
type Sample struct {
	CPUPct     float64 `json:"cpuPct"`
	MemPct     float64 `json:"memPct"`
	QueueDepth int64   `json:"queueDepth"`
}

// Sampler produces load samples. The controller does not care where they
// come from; tests substitute a stub.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// ProcSampler reads CPU and memory pressure from /proc and queue depth
// from the platform cache. CPU utilization is the busy share of the delta
// since the previous sample, so the first reading reports zero.
type ProcSampler struct {
	fs    procfs.FS
	cache platform.Cache

	mu        sync.Mutex
	prevBusy  float64
	prevTotal float64
	primed    bool
}

// NewProcSampler builds a sampler over the default /proc mount. cache may
// be nil when no queue backend is configured.
func NewProcSampler(cache platform.Cache) (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcSampler{fs: fs, cache: cache}, nil
}

// Sample reads one observation.
func (s *ProcSampler) Sample(ctx context.Context) (Sample, error) {
	var out Sample

	stat, err := s.fs.Stat()
	if err != nil {
		return out, fmt.Errorf("failed to read cpu stat: %w", err)
	}
	cpu := stat.CPUTotal
	busy := cpu.User + cpu.Nice + cpu.System + cpu.Iowait + cpu.IRQ + cpu.SoftIRQ + cpu.Steal
	total := busy + cpu.Idle

	s.mu.Lock()
	if s.primed && total > s.prevTotal {
		out.CPUPct = (busy - s.prevBusy) / (total - s.prevTotal) * 100
	}
	s.prevBusy, s.prevTotal, s.primed = busy, total, true
	s.mu.Unlock()

	mem, err := s.fs.Meminfo()
	if err != nil {
		return out, fmt.Errorf("failed to read meminfo: %w", err)
	}
	if mem.MemTotal != nil && *mem.MemTotal > 0 && mem.MemAvailable != nil {
		used := *mem.MemTotal - *mem.MemAvailable
		out.MemPct = float64(used) / float64(*mem.MemTotal) * 100
	}

	if s.cache != nil {
		depth, err := s.cache.QueueDepth(ctx)
		if err == nil {
			out.QueueDepth = depth
		}
	}
	return out, nil
}
