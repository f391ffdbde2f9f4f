package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kb-labs/runtime/pkg/degrade"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/platform"
	"github.com/kb-labs/runtime/pkg/types"
)

// Executor runs an execution request; the execution façade implements it.
type Executor interface {
	Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error)
}

// Runner fires manifest cron entries against the execution façade. Entries
// are skipped while the degradation controller is away from normal; the
// first skip and the first fire after recovery publish schedule events.
type Runner struct {
	cron    *cron.Cron
	exec    Executor
	degrade *degrade.Controller
	events  *platform.Broker
	logger  zerolog.Logger

	mu     sync.Mutex
	paused bool
}

// NewRunner builds an idle schedule runner.
func NewRunner(exec Executor, ctl *degrade.Controller, events *platform.Broker) *Runner {
	return &Runner{
		cron:    cron.New(),
		exec:    exec,
		degrade: ctl,
		events:  events,
		logger:  log.WithComponent("schedule"),
	}
}

// Mount registers every cron entry of a manifest. Invalid schedules fail
// registration as a whole.
func (r *Runner) Mount(manifest *types.Manifest) error {
	for _, entry := range manifest.Cron {
		entry := entry
		_, err := r.cron.AddFunc(entry.Schedule, func() {
			r.fire(manifest, entry)
		})
		if err != nil {
			return errdefs.Newf(errdefs.CodeValidation, "invalid cron schedule %q for %s/%s", entry.Schedule, manifest.ID, entry.Name).
				WithDetail("pluginId", manifest.ID).
				WithDetail("schedule", entry.Schedule)
		}
	}
	return nil
}

// Entries reports how many schedules are registered.
func (r *Runner) Entries() int {
	return len(r.cron.Entries())
}

// Start begins firing schedules.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// fire runs one cron entry, unless the system is shedding load.
func (r *Runner) fire(manifest *types.Manifest, entry types.ManifestCron) {
	if r.degrade != nil && r.degrade.State() != degrade.StateNormal {
		r.pause(manifest, entry)
		return
	}
	r.resume(manifest, entry)

	req := &types.ExecutionRequest{
		Descriptor: &types.ContextDescriptor{
			HostType:      types.HostCron,
			PluginID:      manifest.ID,
			PluginVersion: manifest.Version,
			RequestID:     uuid.New().String(),
			HandlerID:     entry.Handler.ID(),
			CommandID:     entry.Name,
			Permissions:   manifest.Permissions,
		},
		PluginRoot: manifest.Root,
		HandlerRef: entry.Handler,
		Input:      nil,
	}

	r.publish(platform.EventScheduleFired, manifest.ID, entry.Name)
	started := time.Now()
	result, err := r.exec.Execute(context.Background(), req)
	if err != nil {
		r.logger.Warn().Err(err).Str("plugin_id", manifest.ID).Str("entry", entry.Name).Msg("schedule execution failed")
		return
	}
	if !result.OK {
		code := errdefs.GetCode(errdefs.FromJSON(result.Error))
		r.logger.Warn().Str("plugin_id", manifest.ID).Str("entry", entry.Name).Str("code", string(code)).Msg("scheduled handler failed")
		return
	}
	r.logger.Debug().Str("plugin_id", manifest.ID).Str("entry", entry.Name).Dur("took", time.Since(started)).Msg("schedule fired")
}

func (r *Runner) pause(manifest *types.Manifest, entry types.ManifestCron) {
	r.mu.Lock()
	first := !r.paused
	r.paused = true
	r.mu.Unlock()
	if first {
		r.logger.Warn().Str("state", string(r.degrade.State())).Msg("schedules paused under load")
		r.publish(platform.EventSchedulePaused, manifest.ID, entry.Name)
	}
}

func (r *Runner) resume(manifest *types.Manifest, entry types.ManifestCron) {
	r.mu.Lock()
	wasPaused := r.paused
	r.paused = false
	r.mu.Unlock()
	if wasPaused {
		r.logger.Info().Msg("schedules resumed")
		r.publish(platform.EventScheduleResumed, manifest.ID, entry.Name)
	}
}

func (r *Runner) publish(eventType platform.EventType, pluginID, entry string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&platform.Event{
		Type:     eventType,
		PluginID: pluginID,
		Message:  entry,
	})
}
