package degrade

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/metrics"
	"github.com/kb-labs/runtime/pkg/platform"
)

// State is the controller's load posture.
type State string

const (
	StateNormal   State = "normal"
	StateDegraded State = "degraded"
	StateCritical State = "critical"
)

var stateRank = map[State]int{StateNormal: 0, StateDegraded: 1, StateCritical: 2}

// Controller samples system load and drives a normal/degraded/critical
// state machine. Escalations apply immediately; recoveries require every
// signal below its recover threshold and are debounced. The controller is
// advisory: hosts consult Delay and ShouldReject before admitting work.
type Controller struct {
	cfg     config.DegradeConfig
	sampler Sampler
	events  *platform.Broker
	logger  zerolog.Logger

	mu             sync.RWMutex
	state          State
	lastSample     Sample
	lastTransition time.Time
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewController builds a controller. events may be nil.
func NewController(cfg config.DegradeConfig, sampler Sampler, events *platform.Broker) *Controller {
	return &Controller{
		cfg:     cfg,
		sampler: sampler,
		events:  events,
		logger:  log.WithComponent("degrade"),
		state:   StateNormal,
		stopCh:  make(chan struct{}),
	}
}

// Start begins periodic sampling.
func (c *Controller) Start() {
	interval := c.cfg.SampleInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				c.Tick(ctx)
				cancel()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts sampling. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Tick takes one sample and applies it to the state machine.
func (c *Controller) Tick(ctx context.Context) {
	sample, err := c.sampler.Sample(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("load sample failed")
		return
	}
	c.Apply(sample)
}

// Apply feeds one sample into the state machine.
func (c *Controller) Apply(sample Sample) {
	c.mu.Lock()
	c.lastSample = sample
	prev := c.state
	next := c.nextState(sample)
	changed := next != prev
	if changed {
		c.state = next
		c.lastTransition = time.Now()
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	metrics.DegradationState.Set(float64(stateRank[next]))
	c.logger.Warn().
		Str("from", string(prev)).
		Str("to", string(next)).
		Float64("cpu_pct", sample.CPUPct).
		Float64("mem_pct", sample.MemPct).
		Int64("queue_depth", sample.QueueDepth).
		Msg("degradation state changed")
	if c.events != nil {
		c.events.Publish(&platform.Event{
			Type:    platform.EventDegradationChanged,
			Message: string(next),
			Metadata: map[string]string{
				"from": string(prev),
				"to":   string(next),
			},
		})
	}
}

// nextState decides the state for one sample. Caller holds the mutex.
func (c *Controller) nextState(s Sample) State {
	raw := c.classify(s)
	cur := c.state

	if stateRank[raw] > stateRank[cur] {
		return raw
	}
	if stateRank[raw] < stateRank[cur] {
		debounce := c.cfg.DebounceInterval
		if debounce <= 0 {
			debounce = 30 * time.Second
		}
		if !c.recovered(s) || time.Since(c.lastTransition) < debounce {
			return cur
		}
		return raw
	}
	return cur
}

func (c *Controller) classify(s Sample) State {
	if s.CPUPct >= c.cfg.CPUCritical || s.MemPct >= c.cfg.MemCritical || s.QueueDepth >= c.cfg.QueueCritical {
		return StateCritical
	}
	if s.CPUPct >= c.cfg.CPUDegraded || s.MemPct >= c.cfg.MemDegraded || s.QueueDepth >= c.cfg.QueueDegraded {
		return StateDegraded
	}
	return StateNormal
}

// recovered reports whether every signal is below its recover threshold.
func (c *Controller) recovered(s Sample) bool {
	return s.CPUPct < c.cfg.CPURecover &&
		s.MemPct < c.cfg.MemRecover &&
		s.QueueDepth < c.cfg.QueueRecover
}

// State returns the current posture.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastSample returns the most recent observation.
func (c *Controller) LastSample() Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSample
}

// Delay returns the admission delay hosts should apply before running new
// work.
func (c *Controller) Delay() time.Duration {
	switch c.State() {
	case StateDegraded:
		return c.cfg.DegradedDelay
	case StateCritical:
		return c.cfg.CriticalDelay
	default:
		return 0
	}
}

// ShouldReject reports whether new work should be refused outright.
func (c *Controller) ShouldReject() bool {
	return c.cfg.RejectOnCritical && c.State() == StateCritical
}
