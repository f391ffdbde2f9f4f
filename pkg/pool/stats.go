package pool

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// statsWindow is the rolling duration sample size.
const statsWindow = 1000

// Stats accumulates pool execution statistics. Duration percentiles come
// from a rolling window of the most recent executions.
type Stats struct {
	Total               atomic.Int64
	Succeeded           atomic.Int64
	Failed              atomic.Int64
	QueueFullRejections atomic.Int64
	AcquireTimeouts     atomic.Int64
	WorkerCrashes       atomic.Int64
	WorkersRecycled     atomic.Int64

	mu        sync.Mutex
	durations []time.Duration
	next      int
	filled    bool
}

// NewStats creates an empty stats accumulator.
func NewStats() *Stats {
	return &Stats{durations: make([]time.Duration, statsWindow)}
}

// Record accounts one finished execution.
func (s *Stats) Record(duration time.Duration, ok bool) {
	s.Total.Add(1)
	if ok {
		s.Succeeded.Add(1)
	} else {
		s.Failed.Add(1)
	}
	s.mu.Lock()
	s.durations[s.next] = duration
	s.next++
	if s.next == statsWindow {
		s.next = 0
		s.filled = true
	}
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time view of the pool.
type StatsSnapshot struct {
	Workers             int           `json:"workers"`
	Queued              int           `json:"queued"`
	Total               int64         `json:"total"`
	Succeeded           int64         `json:"succeeded"`
	Failed              int64         `json:"failed"`
	QueueFullRejections int64         `json:"queueFullRejections"`
	AcquireTimeouts     int64         `json:"acquireTimeouts"`
	WorkerCrashes       int64         `json:"workerCrashes"`
	WorkersRecycled     int64         `json:"workersRecycled"`
	AvgDuration         time.Duration `json:"avgDurationMs"`
	P95Duration         time.Duration `json:"p95DurationMs"`
	P99Duration         time.Duration `json:"p99DurationMs"`
}

// Snapshot computes the current statistics.
func (s *Stats) Snapshot(workers, queued int) StatsSnapshot {
	s.mu.Lock()
	n := s.next
	if s.filled {
		n = statsWindow
	}
	window := make([]time.Duration, n)
	copy(window, s.durations[:n])
	s.mu.Unlock()

	snap := StatsSnapshot{
		Workers:             workers,
		Queued:              queued,
		Total:               s.Total.Load(),
		Succeeded:           s.Succeeded.Load(),
		Failed:              s.Failed.Load(),
		QueueFullRejections: s.QueueFullRejections.Load(),
		AcquireTimeouts:     s.AcquireTimeouts.Load(),
		WorkerCrashes:       s.WorkerCrashes.Load(),
		WorkersRecycled:     s.WorkersRecycled.Load(),
	}
	if len(window) == 0 {
		return snap
	}

	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	snap.AvgDuration = sum / time.Duration(len(window))

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	snap.P95Duration = window[percentileIndex(len(window), 95)]
	snap.P99Duration = window[percentileIndex(len(window), 99)]
	return snap
}

func percentileIndex(n, pct int) int {
	idx := n*pct/100 - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
