package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/metrics"
	"github.com/kb-labs/runtime/pkg/platform"
	"github.com/kb-labs/runtime/pkg/types"
)

const (
	// shutdownBound caps how long Shutdown waits for workers to drain.
	shutdownBound = 10 * time.Second
	// pingTimeout bounds one idle health round-trip.
	pingTimeout = 3 * time.Second
)

// Pool maintains a bounded set of long-lived worker processes and routes
// executions onto them. Acceptance order: shutdown check, per-plugin cap,
// spawn breaker, then idle pick / spawn / FIFO queue with an acquire timer.
type Pool struct {
	cfg      config.PoolConfig
	services *platform.Services
	binary   string
	logger   zerolog.Logger
	breaker  *gobreaker.CircuitBreaker
	stats    *Stats
	usage    *usage

	mu         sync.Mutex
	workers    []*worker
	queue      []chan *worker
	perPlugin  map[string]int
	spawning   int
	closed     bool
	stopCh     chan struct{}
	healthFreq time.Duration
}

// New creates a pool. binary is the executable forked for workers; empty
// means the current executable.
func New(cfg config.PoolConfig, services *platform.Services, binary string) *Pool {
	if binary == "" {
		binary, _ = os.Executable()
	}
	healthFreq := cfg.HealthCheckInterval
	if healthFreq <= 0 {
		healthFreq = 10 * time.Second
	}
	p := &Pool{
		cfg:        cfg,
		services:   services,
		binary:     binary,
		logger:     log.WithComponent("pool"),
		stats:      NewStats(),
		usage:      newUsage(),
		perPlugin:  make(map[string]int),
		stopCh:     make(chan struct{}),
		healthFreq: healthFreq,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "worker-spawn",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("spawn breaker state changed")
		},
	})
	return p
}

// Name returns the backend identifier.
func (p *Pool) Name() types.Backend { return types.BackendWorkerPool }

// Start pre-spawns the minimum worker set and begins health checking.
func (p *Pool) Start() error {
	for i := 0; i < p.cfg.Min; i++ {
		w, err := p.spawn()
		if err != nil {
			return fmt.Errorf("failed to start pool: %w", err)
		}
		p.mu.Lock()
		p.workers = append(p.workers, w)
		p.mu.Unlock()
	}
	p.refreshGauges()
	go p.healthLoop()
	return nil
}

// Run routes one execution through the acceptance protocol onto a worker.
func (p *Pool) Run(ctx context.Context, inv executor.Invocation) (*types.HandlerResult, error) {
	pluginID := inv.Request.Descriptor.PluginID
	p.usage.record(pluginID + "/" + inv.Request.HandlerRef.ID())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errdefs.New(errdefs.CodeAbort, "worker pool is shutting down")
	}
	if p.cfg.MaxConcurrentPerPlugin > 0 && p.perPlugin[pluginID] >= p.cfg.MaxConcurrentPerPlugin {
		p.mu.Unlock()
		metrics.PoolQueueFullRejections.Inc()
		p.stats.QueueFullRejections.Add(1)
		return nil, errdefs.Newf(errdefs.CodeQueueFull, "plugin %s concurrency limit reached", pluginID).
			WithDetail("pluginId", pluginID)
	}
	p.perPlugin[pluginID]++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.perPlugin[pluginID]--
		if p.perPlugin[pluginID] == 0 {
			delete(p.perPlugin, pluginID)
		}
		p.mu.Unlock()
	}()

	waitStart := time.Now()
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	metrics.PoolWaitDuration.Observe(time.Since(waitStart).Seconds())
	p.refreshGauges()

	started := time.Now()
	result, runErr := w.execute(ctx, inv)
	p.stats.Record(time.Since(started), runErr == nil)

	p.release(w, runErr)
	return result, runErr
}

// acquire hands out an idle worker, spawning or queueing as capacity
// allows.
func (p *Pool) acquire(ctx context.Context) (*worker, error) {
	p.mu.Lock()

	// Idle pick, recycling stale workers along the way.
	for _, w := range p.workers {
		if w.state != types.WorkerIdle {
			continue
		}
		if p.shouldRecycle(w) {
			w.state = types.WorkerDraining
			go p.recycle(w)
			continue
		}
		w.state = types.WorkerBusy
		p.mu.Unlock()
		return w, nil
	}

	// Room to grow.
	if len(p.workers)+p.spawning < p.cfg.Max {
		p.spawning++
		p.mu.Unlock()
		w, err := p.spawn()
		p.mu.Lock()
		p.spawning--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			w.stop(false)
			return nil, errdefs.New(errdefs.CodeAbort, "worker pool is shutting down")
		}
		w.state = types.WorkerBusy
		p.workers = append(p.workers, w)
		p.mu.Unlock()
		return w, nil
	}

	// Queue, bounded.
	if len(p.queue) >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		metrics.PoolQueueFullRejections.Inc()
		p.stats.QueueFullRejections.Add(1)
		return nil, errdefs.Newf(errdefs.CodeQueueFull, "pool queue is full (%d waiting)", p.cfg.MaxQueueSize)
	}
	waiter := make(chan *worker, 1)
	p.queue = append(p.queue, waiter)
	depth := len(p.queue)
	p.mu.Unlock()
	metrics.PoolQueueDepth.Set(float64(depth))

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case w, ok := <-waiter:
		if !ok || w == nil {
			return nil, errdefs.New(errdefs.CodeAbort, "worker pool is shutting down")
		}
		return w, nil
	case <-timer.C:
		p.dropWaiter(waiter)
		metrics.PoolAcquireTimeouts.Inc()
		p.stats.AcquireTimeouts.Add(1)
		return nil, errdefs.Newf(errdefs.CodeAcquireTimeout, "no worker available within %s", timeout)
	case <-ctx.Done():
		p.dropWaiter(waiter)
		return nil, errdefs.New(errdefs.CodeAbort, "execution aborted while queued")
	}
}

// release returns a worker after an execution, recycling or handing it to
// the next waiter.
func (p *Pool) release(w *worker, runErr error) {
	p.mu.Lock()
	crashed := w.dead || errdefs.IsCode(runErr, errdefs.CodeWorkerCrashed)
	w.requestCount++
	w.currentExecutionID = ""

	if crashed {
		p.removeLocked(w)
		p.mu.Unlock()
		metrics.PoolWorkerCrashes.Inc()
		p.stats.WorkerCrashes.Add(1)
		w.kill()
		p.ensureMin()
		p.refreshGauges()
		return
	}

	if p.shouldRecycle(w) {
		w.state = types.WorkerDraining
		p.mu.Unlock()
		go p.recycle(w)
		return
	}

	// FIFO hand-off to the next waiter.
	if len(p.queue) > 0 {
		waiter := p.queue[0]
		p.queue = p.queue[1:]
		depth := len(p.queue)
		p.mu.Unlock()
		metrics.PoolQueueDepth.Set(float64(depth))
		waiter <- w
		return
	}

	w.state = types.WorkerIdle
	p.mu.Unlock()
	p.refreshGauges()
}

// spawn forks one worker behind the crash breaker.
func (p *Pool) spawn() (*worker, error) {
	spawned, err := p.breaker.Execute(func() (interface{}, error) {
		return spawnWorker(p.binary, nil, p.services)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errdefs.New(errdefs.CodeAbort, "worker spawning suspended after repeated failures")
		}
		return nil, err
	}
	w := spawned.(*worker)
	p.logger.Debug().Str("worker_id", w.id).Msg("worker spawned")
	p.publish(platform.EventWorkerSpawned, w.id)
	return w, nil
}

// shouldRecycle reports whether a worker hit its request or uptime bound.
// Caller holds the pool mutex.
func (p *Pool) shouldRecycle(w *worker) bool {
	if p.cfg.MaxRequestsPerWorker > 0 && w.requestCount >= p.cfg.MaxRequestsPerWorker {
		return true
	}
	if p.cfg.MaxUptimePerWorker > 0 && w.uptime() >= p.cfg.MaxUptimePerWorker {
		return true
	}
	return false
}

// recycle drains and replaces one worker.
func (p *Pool) recycle(w *worker) {
	p.logger.Debug().Str("worker_id", w.id).Int64("requests", w.requestCount).Msg("recycling worker")
	w.stop(true)

	p.mu.Lock()
	p.removeLocked(w)
	p.mu.Unlock()

	metrics.PoolWorkersRecycled.Inc()
	p.stats.WorkersRecycled.Add(1)
	p.publish(platform.EventWorkerRecycled, w.id)
	p.ensureMin()
	p.refreshGauges()
}

// ensureMin restores the minimum worker count after a loss.
func (p *Pool) ensureMin() {
	for {
		p.mu.Lock()
		if p.closed || len(p.workers)+p.spawning >= p.cfg.Min {
			p.mu.Unlock()
			return
		}
		p.spawning++
		p.mu.Unlock()

		w, err := p.spawn()
		p.mu.Lock()
		p.spawning--
		if err != nil {
			p.mu.Unlock()
			p.logger.Error().Err(err).Msg("failed to replace worker")
			return
		}
		if p.closed {
			p.mu.Unlock()
			w.stop(false)
			return
		}
		p.workers = append(p.workers, w)

		// Serve the queue first if anyone is waiting.
		if len(p.queue) > 0 {
			waiter := p.queue[0]
			p.queue = p.queue[1:]
			w.state = types.WorkerBusy
			p.mu.Unlock()
			waiter <- w
			continue
		}
		p.mu.Unlock()
	}
}

// healthLoop pings idle workers and replaces unresponsive ones.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.healthFreq)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkHealth()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) checkHealth() {
	p.mu.Lock()
	idle := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.state == types.WorkerIdle {
			w.state = types.WorkerBusy // reserve the conn for the ping
			idle = append(idle, w)
		}
	}
	p.mu.Unlock()

	for _, w := range idle {
		ok := w.ping(pingTimeout)
		p.mu.Lock()
		w.lastHealthAt = time.Now()
		w.healthy = ok
		if ok {
			if len(p.queue) > 0 {
				waiter := p.queue[0]
				p.queue = p.queue[1:]
				p.mu.Unlock()
				waiter <- w
				continue
			}
			w.state = types.WorkerIdle
			p.mu.Unlock()
			continue
		}
		p.removeLocked(w)
		p.mu.Unlock()

		p.logger.Warn().Str("worker_id", w.id).Msg("worker failed health check, replacing")
		metrics.PoolWorkerCrashes.Inc()
		p.stats.WorkerCrashes.Add(1)
		p.publish(platform.EventWorkerCrashed, w.id)
		w.kill()
		p.ensureMin()
	}
	p.refreshGauges()
}

// Shutdown rejects queued requests and drains workers, bounded to ten
// seconds.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	queued := p.queue
	p.queue = nil
	workers := make([]*worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	for _, waiter := range queued {
		close(waiter)
	}
	metrics.PoolQueueDepth.Set(0)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func(w *worker) {
				defer wg.Done()
				w.stop(true)
			}(w)
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownBound):
		for _, w := range workers {
			w.kill()
		}
	}

	p.mu.Lock()
	p.workers = nil
	p.mu.Unlock()
	p.refreshGauges()
}

// Workers snapshots the current worker set.
func (p *Pool) Workers() []types.WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]types.WorkerInfo, len(p.workers))
	for i, w := range p.workers {
		infos[i] = w.info()
	}
	return infos
}

// Stats returns the pool's execution statistics.
func (p *Pool) Stats() StatsSnapshot {
	p.mu.Lock()
	workers := len(p.workers)
	queued := len(p.queue)
	p.mu.Unlock()
	return p.stats.Snapshot(workers, queued)
}

// QueueDepth returns the number of queued requests.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) dropWaiter(waiter chan *worker) {
	p.mu.Lock()
	for i, q := range p.queue {
		if q == waiter {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	depth := len(p.queue)
	p.mu.Unlock()
	metrics.PoolQueueDepth.Set(float64(depth))

	// A worker may have been handed over concurrently; pass it on.
	select {
	case w := <-waiter:
		if w != nil {
			p.release(w, nil)
		}
	default:
	}
}

// removeLocked deletes a worker from the set. Caller holds the pool mutex.
func (p *Pool) removeLocked(w *worker) {
	w.state = types.WorkerStopped
	for i, cur := range p.workers {
		if cur == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}

func (p *Pool) refreshGauges() {
	p.mu.Lock()
	counts := map[types.WorkerState]int{}
	for _, w := range p.workers {
		counts[w.state]++
	}
	p.mu.Unlock()
	for _, state := range []types.WorkerState{types.WorkerStarting, types.WorkerIdle, types.WorkerBusy, types.WorkerDraining} {
		metrics.PoolWorkers.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (p *Pool) publish(eventType platform.EventType, workerID string) {
	if p.services == nil || p.services.Events == nil {
		return
	}
	p.services.Events.Publish(&platform.Event{
		Type:     eventType,
		Message:  workerID,
		Metadata: map[string]string{"workerId": workerID},
	})
}
