package pool

import (
	"sort"
	"sync"
)

// usage counts executions per handler id, feeding top-n warmup decisions.
type usage struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newUsage() *usage {
	return &usage{counts: make(map[string]int64)}
}

func (u *usage) record(handlerID string) {
	if handlerID == "" {
		return
	}
	u.mu.Lock()
	u.counts[handlerID]++
	u.mu.Unlock()
}

// top returns the n most-executed handler ids, most frequent first.
func (u *usage) top(n int) []string {
	u.mu.Lock()
	ids := make([]string, 0, len(u.counts))
	for id := range u.counts {
		ids = append(ids, id)
	}
	counts := make(map[string]int64, len(u.counts))
	for id, c := range u.counts {
		counts[id] = c
	}
	u.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// TopHandlers reports the most-executed handler ids since start, bounded
// by n.
func (p *Pool) TopHandlers(n int) []string {
	return p.usage.top(n)
}

// Warmup pre-spawns workers beyond the configured minimum, one per handler
// the warmup policy names, bounded by WarmupMaxHandlers and the pool Max.
// In "top-n" mode the handlers come from the usage counter; in "marked"
// mode the caller passes the handler ids flagged for warmup. Returns how
// many extra workers were spawned.
func (p *Pool) Warmup(marked []string) int {
	var targets []string
	switch p.cfg.WarmupMode {
	case "top-n":
		targets = p.usage.top(p.cfg.WarmupTopN)
	case "marked":
		targets = marked
	default:
		return 0
	}
	if p.cfg.WarmupMaxHandlers > 0 && len(targets) > p.cfg.WarmupMaxHandlers {
		targets = targets[:p.cfg.WarmupMaxHandlers]
	}

	spawned := 0
	for range targets {
		p.mu.Lock()
		if p.closed || len(p.workers)+p.spawning >= p.cfg.Max {
			p.mu.Unlock()
			break
		}
		p.spawning++
		p.mu.Unlock()

		w, err := p.spawn()
		p.mu.Lock()
		p.spawning--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn().Err(err).Msg("warmup spawn failed")
			break
		}
		if p.closed {
			p.mu.Unlock()
			w.stop(false)
			break
		}
		p.workers = append(p.workers, w)
		p.mu.Unlock()
		spawned++
	}
	if spawned > 0 {
		p.logger.Info().Int("workers", spawned).Str("mode", p.cfg.WarmupMode).Msg("pool warmed up")
		p.refreshGauges()
	}
	return spawned
}
