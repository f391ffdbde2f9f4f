package executor

import (
	"context"
	"errors"
	"time"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/handler"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/pluginctx"
	"github.com/kb-labs/runtime/pkg/types"
)

// InProcess runs handlers directly in the host process. It is the CLI's
// default backend and what pool workers use inside the child process.
type InProcess struct {
	registry *handler.Registry
	factory  *pluginctx.Factory
}

// NewInProcess builds the in-process runner.
func NewInProcess(registry *handler.Registry, factory *pluginctx.Factory) *InProcess {
	return &InProcess{registry: registry, factory: factory}
}

// Name returns the backend identifier.
func (r *InProcess) Name() types.Backend { return types.BackendInProcess }

// Run resolves the handler, builds its context, and executes it. The cleanup
// stack drains after the handler returns, on success and failure alike. A
// context deadline surfaces as Timeout, a plain cancel as Aborted; the
// handler goroutine is left to observe its context and wind down.
func (r *InProcess) Run(ctx context.Context, inv Invocation) (*types.HandlerResult, error) {
	req := inv.Request
	fn, err := r.registry.Resolve(req.Descriptor.PluginID, req.PluginRoot, req.HandlerRef)
	if err != nil {
		return nil, err
	}

	out := r.factory.Build(pluginctx.Inputs{
		Descriptor: req.Descriptor,
		UI:         inv.UI,
		Ctx:        ctx,
		Cwd:        inv.Cwd,
		Outdir:     inv.Outdir,
	})
	defer out.Cleanups.Drain()

	started := time.Now()
	type outcome struct {
		result *types.HandlerResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.WithPlugin(req.Descriptor.PluginID)
				logger.Error().
					Interface("panic", rec).
					Str("handler_id", req.HandlerRef.ID()).
					Msg("handler panicked")
				done <- outcome{err: errdefs.FromAny(rec)}
			}
		}()
		result, err := fn(out.Context, req.Input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return stampMetadata(o.result, out.Context, started, time.Since(started)), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errdefs.Newf(errdefs.CodeTimeout, "handler %s timed out", req.HandlerRef.ID()).
				WithDetail("pluginId", req.Descriptor.PluginID)
		}
		return nil, errdefs.New(errdefs.CodeAbort, "execution aborted").
			WithDetail("pluginId", req.Descriptor.PluginID)
	}
}
