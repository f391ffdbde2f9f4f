package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kb-labs/runtime/pkg/degrade"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/metrics"
	"github.com/kb-labs/runtime/pkg/platform"
	"github.com/kb-labs/runtime/pkg/pluginctx"
	"github.com/kb-labs/runtime/pkg/trace"
	"github.com/kb-labs/runtime/pkg/types"
	"github.com/kb-labs/runtime/pkg/workspace"
)

// TargetStates reports the lifecycle state of remote environments and
// workspaces, when an orchestration layer tracks them.
type TargetStates interface {
	EnvironmentState(namespace, environment string) (string, bool)
	WorkspaceState(workspace string) (string, bool)
}

// Options wire an Engine.
type Options struct {
	Runner         executor.Runner
	Workspaces     workspace.Manager
	Degrade        *degrade.Controller
	Traces         *trace.Store
	Targets        TargetStates
	Events         *platform.Broker
	UI             pluginctx.UI
	DefaultTimeout time.Duration
}

// Engine is the execution façade: the single entry point host adapters
// call. It resolves the target, leases a workspace, consults the
// degradation controller, runs the injected backend under the effective
// timeout, and assembles the result envelope. Failures are normalized into
// the envelope; Execute only errs on inputs it cannot envelope.
type Engine struct {
	opts   Options
	logger zerolog.Logger
}

// New builds an engine.
func New(opts Options) *Engine {
	if opts.Workspaces == nil {
		opts.Workspaces = workspace.NewLocalManager("")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Engine{opts: opts, logger: log.WithComponent("engine")}
}

// Execute runs one request end to end.
func (e *Engine) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	started := time.Now()

	if req == nil || req.Descriptor == nil || req.Descriptor.PluginID == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "execution request is missing a plugin descriptor")
	}
	desc := req.Descriptor
	e.normalizeIdentity(desc)
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}

	// Spans buffered under this trace persist once the root call settles.
	if e.opts.Traces != nil && desc.Depth == 0 {
		defer func() {
			if err := e.opts.Traces.Flush(desc.TraceID); err != nil {
				e.logger.Warn().Err(err).Str("trace_id", desc.TraceID).Msg("failed to persist trace")
			}
		}()
	}

	if err := e.resolveTarget(req.Target); err != nil {
		return e.fail(req, started, err), nil
	}

	lease, err := e.opts.Workspaces.Acquire(ctx, req.WorkspaceID, req.PluginRoot)
	if err != nil {
		if errdefs.GetCode(err) == errdefs.CodeInternal {
			err = errdefs.Wrap(err, errdefs.CodeWorkspace)
		}
		return e.fail(req, started, err), nil
	}
	defer func() {
		if err := lease.Release(); err != nil {
			e.logger.Warn().Err(err).Str("workspace_id", lease.WorkspaceID).Msg("failed to release workspace lease")
		}
	}()

	if err := e.admit(ctx); err != nil {
		return e.fail(req, started, err), nil
	}

	timeout := e.opts.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.publish(platform.EventExecutionStarted, req, "")
	cwd := lease.Cwd
	if cwd == "" {
		cwd = req.PluginRoot
	}
	result, runErr := e.opts.Runner.Run(runCtx, executor.Invocation{
		Request: req,
		Cwd:     cwd,
		UI:      e.opts.UI,
	})
	duration := time.Since(started)

	backend := string(e.opts.Runner.Name())
	metrics.ExecutionsTotal.WithLabelValues(backend, outcomeLabel(runErr)).Inc()
	metrics.ExecutionDuration.WithLabelValues(backend).Observe(duration.Seconds())

	if runErr != nil {
		if errdefs.IsCode(runErr, errdefs.CodeTimeout) {
			runErr = errdefs.Wrap(runErr, errdefs.CodeTimeout).
				WithDetail("retryAfterMs", timeout.Milliseconds())
		}
		e.publish(platform.EventExecutionFailed, req, string(errdefs.GetCode(runErr)))
		envelope := e.fail(req, started, runErr)
		envelope.Metadata.WorkspaceID = lease.WorkspaceID
		return envelope, nil
	}

	e.publish(platform.EventExecutionCompleted, req, "")
	return &types.ExecutionResult{
		OK:              true,
		Data:            result.Data,
		ExecutionTimeMs: duration.Milliseconds(),
		Metadata: types.ResultMetadata{
			Backend:       e.opts.Runner.Name(),
			WorkspaceID:   lease.WorkspaceID,
			ExecutionMeta: result.Meta,
			Target:        req.Target,
		},
	}, nil
}

// normalizeIdentity settles requestId and traceId before the backend runs,
// so trace persistence and envelopes agree with the handler's context.
func (e *Engine) normalizeIdentity(desc *types.ContextDescriptor) {
	if desc.RequestID == "" {
		desc.RequestID = uuid.New().String()
	}
	if desc.TraceID == "" {
		if headers := desc.HostContext.TraceHeaders(); headers != nil {
			for _, name := range []string{"x-trace-id", "x-request-id"} {
				if vs := headers[name]; len(vs) > 0 && vs[0] != "" {
					desc.TraceID = vs[0]
					break
				}
			}
		}
	}
	if desc.TraceID == "" {
		desc.TraceID = desc.RequestID
	}
}

// resolveTarget validates the optional remote target and its lifecycle
// state.
func (e *Engine) resolveTarget(target *types.ExecutionTarget) error {
	if target == nil {
		return nil
	}
	if target.Namespace == "" {
		return errdefs.New(errdefs.CodeTargetInvalid, "target namespace is required")
	}
	if e.opts.Targets == nil {
		return nil
	}
	if target.Environment != "" {
		if state, ok := e.opts.Targets.EnvironmentState(target.Namespace, target.Environment); ok {
			if state == "terminated" || state == "failed" {
				return errdefs.Newf(errdefs.CodeEnvironmentNotAvail, "environment %s is %s", target.Environment, state).
					WithDetail("namespace", target.Namespace).
					WithDetail("environment", target.Environment)
			}
		}
	}
	if target.Workspace != "" {
		if state, ok := e.opts.Targets.WorkspaceState(target.Workspace); ok {
			if state == "failed" || state == "released" {
				return errdefs.Newf(errdefs.CodeWorkspaceNotAvail, "workspace %s is %s", target.Workspace, state).
					WithDetail("workspace", target.Workspace)
			}
		}
	}
	return nil
}

// admit applies the degradation controller's advice.
func (e *Engine) admit(ctx context.Context) error {
	ctl := e.opts.Degrade
	if ctl == nil {
		return nil
	}
	if ctl.ShouldReject() {
		return errdefs.New(errdefs.CodeQueueFull, "system under critical load, rejecting new work").
			WithDetail("degradation", string(ctl.State()))
	}
	if delay := ctl.Delay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errdefs.Wrap(ctx.Err(), errdefs.CodeAbort)
		}
	}
	return nil
}

// fail assembles a failure envelope.
func (e *Engine) fail(req *types.ExecutionRequest, started time.Time, err error) *types.ExecutionResult {
	return &types.ExecutionResult{
		OK:              false,
		Error:           errdefs.ToJSON(err),
		ExecutionTimeMs: time.Since(started).Milliseconds(),
		Metadata: types.ResultMetadata{
			Backend: e.opts.Runner.Name(),
			Target:  req.Target,
		},
	}
}

func (e *Engine) publish(eventType platform.EventType, req *types.ExecutionRequest, code string) {
	if e.opts.Events == nil {
		return
	}
	metadata := map[string]string{
		"executionId": req.ExecutionID,
		"requestId":   req.Descriptor.RequestID,
	}
	if code != "" {
		metadata["errorCode"] = code
	}
	e.opts.Events.Publish(&platform.Event{
		Type:     eventType,
		PluginID: req.Descriptor.PluginID,
		Message:  req.HandlerRef.ID(),
		Metadata: metadata,
	})
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
