package invoke

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/metrics"
	"github.com/kb-labs/runtime/pkg/permissions"
	"github.com/kb-labs/runtime/pkg/plugins"
	"github.com/kb-labs/runtime/pkg/trace"
	"github.com/kb-labs/runtime/pkg/types"
)

// traceHeaderWhitelist is what propagates into child calls.
var traceHeaderWhitelist = []string{"traceparent", "tracestate", "x-request-id", "x-trace-id"}

// Executor runs an execution request. The execution façade implements it;
// the indirection breaks the broker/engine construction cycle.
type Executor interface {
	Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error)
}

// Broker gates cross-plugin calls: target parsing, caller permission,
// depth/fan-out/chain-time caps, cycle detection, route resolution, then
// hand-off to the execution façade with an inherited trace identity.
type Broker struct {
	cfg      config.InvokeConfig
	registry *plugins.Registry
	traces   *trace.Store
	exec     Executor
	logger   zerolog.Logger

	mu     sync.Mutex
	fanOut map[string]int
}

// NewBroker builds a broker over the manifest registry and trace store.
func NewBroker(cfg config.InvokeConfig, registry *plugins.Registry, traces *trace.Store) *Broker {
	return &Broker{
		cfg:      cfg,
		registry: registry,
		traces:   traces,
		logger:   log.WithComponent("invoke"),
		fanOut:   make(map[string]int),
	}
}

// Bind attaches the execution façade. Must be called before Invoke.
func (b *Broker) Bind(exec Executor) { b.exec = exec }

// Invoke performs one gated cross-plugin call on behalf of a handler.
func (b *Broker) Invoke(ctx context.Context, caller *types.ContextDescriptor, rawTarget string, input json.RawMessage) (*types.ExecutionResult, error) {
	target, err := ParseTarget(rawTarget)
	if err != nil {
		return nil, b.reject(err)
	}

	eval := permissions.NewEvaluator(caller.Permissions, "", "")
	if err := eval.CheckInvoke(target.Normalized(), target.PluginID); err != nil {
		return nil, b.reject(err)
	}

	depth := caller.Depth + 1
	if b.cfg.MaxDepth > 0 && depth > b.cfg.MaxDepth {
		return nil, b.reject(errdefs.Newf(errdefs.CodeChainDepthExceeded, "invoke chain depth %d exceeds limit %d", depth, b.cfg.MaxDepth).
			WithDetail("target", rawTarget))
	}

	chain := make([]string, 0, len(caller.Visited)+1)
	chain = append(chain, caller.Visited...)
	chain = append(chain, caller.PluginID)
	for _, visited := range chain {
		if visited == target.PluginID {
			return nil, b.reject(errdefs.Newf(errdefs.CodeCycleDetected, "invoke cycle: %s already in chain", target.PluginID).
				WithDetail("target", rawTarget).
				WithDetail("visited", chain).
				WithDetail("currentPlugin", target.PluginID))
		}
	}

	chainStart := caller.ChainStartedAt
	if chainStart == 0 {
		chainStart = time.Now().UnixMilli()
	}
	var remaining time.Duration
	if b.cfg.MaxChainTime > 0 {
		elapsed := time.Since(time.UnixMilli(chainStart))
		remaining = b.cfg.MaxChainTime - elapsed
		if remaining <= 0 {
			return nil, b.reject(errdefs.Newf(errdefs.CodeChainTimeExceeded, "invoke chain exceeded %s budget", b.cfg.MaxChainTime).
				WithDetail("target", rawTarget))
		}
	}

	fanKey := caller.InvocationID
	if fanKey == "" {
		fanKey = caller.ExecutionID
	}
	if b.cfg.MaxFanOut > 0 {
		b.mu.Lock()
		if b.fanOut[fanKey] >= b.cfg.MaxFanOut {
			b.mu.Unlock()
			return nil, b.reject(errdefs.Newf(errdefs.CodeChainFanOutExceeded, "invoke fan-out exceeds limit %d", b.cfg.MaxFanOut).
				WithDetail("target", rawTarget))
		}
		b.fanOut[fanKey]++
		b.mu.Unlock()
		defer func() {
			b.mu.Lock()
			b.fanOut[fanKey]--
			if b.fanOut[fanKey] <= 0 {
				delete(b.fanOut, fanKey)
			}
			b.mu.Unlock()
		}()
	}

	manifest, err := b.registry.Resolve(target.PluginID, target.Version)
	if err != nil {
		return nil, b.reject(err)
	}
	ref, ok := manifest.Route(target.Method, target.Path)
	if !ok {
		return nil, b.reject(errdefs.Newf(errdefs.CodeHandlerNotFound, "plugin %s has no route %s %s", target.PluginID, target.Method, target.Path).
			WithDetail("pluginId", target.PluginID).
			WithDetail("target", rawTarget))
	}

	child := b.childDescriptor(caller, target, manifest, depth, chainStart)
	req := &types.ExecutionRequest{
		ExecutionID: uuid.New().String(),
		Descriptor:  child,
		PluginRoot:  manifest.Root,
		HandlerRef:  ref,
		Input:       input,
	}
	if remaining > 0 {
		req.TimeoutMs = remaining.Milliseconds()
	}

	started := time.Now()
	result, err := b.exec.Execute(ctx, req)
	duration := time.Since(started)

	span := trace.Span{
		TraceID:      child.TraceID,
		SpanID:       child.SpanID,
		ParentSpanID: caller.SpanID,
		CallerPlugin: caller.PluginID,
		TargetPlugin: target.PluginID,
		Target:       rawTarget,
		Depth:        depth,
		StartedAt:    started,
		DurationMs:   duration.Milliseconds(),
		OK:           err == nil && result != nil && result.OK,
	}
	if err != nil {
		span.ErrorCode = string(errdefs.GetCode(err))
	} else if result != nil && !result.OK {
		span.ErrorCode = string(errdefs.GetCode(errdefs.FromJSON(result.Error)))
	}
	if b.traces != nil {
		b.traces.Record(span)
	}

	if err != nil {
		metrics.InvokesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.InvokesTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// childDescriptor derives the callee's descriptor: inherited trace identity,
// bumped depth, extended visited list, and the target manifest's own
// permissions.
func (b *Broker) childDescriptor(caller *types.ContextDescriptor, target Target, manifest *types.Manifest, depth int, chainStart int64) *types.ContextDescriptor {
	visited := make([]string, 0, len(caller.Visited)+1)
	visited = append(visited, caller.Visited...)
	visited = append(visited, caller.PluginID)

	child := &types.ContextDescriptor{
		HostType:       caller.HostType,
		PluginID:       manifest.ID,
		PluginVersion:  manifest.Version,
		RequestID:      uuid.New().String(),
		TraceID:        caller.TraceID,
		SpanID:         uuid.New().String(),
		InvocationID:   uuid.New().String(),
		TenantID:       caller.TenantID,
		Permissions:    manifest.Permissions,
		Depth:          depth,
		Visited:        visited,
		ChainStartedAt: chainStart,
	}

	// Trace headers cross the hop; nothing else from the caller's host
	// context does.
	if inbound := caller.HostContext.TraceHeaders(); inbound != nil {
		headers := make(map[string][]string)
		for _, name := range traceHeaderWhitelist {
			for k, v := range inbound {
				if strings.EqualFold(k, name) {
					headers[name] = v
				}
			}
		}
		if len(headers) > 0 {
			child.HostContext = types.HostContext{
				REST: &types.RESTHostContext{Method: target.Method, Path: target.Path, Headers: headers},
			}
		}
	}
	return child
}

func (b *Broker) reject(err error) error {
	metrics.InvokesTotal.WithLabelValues("denied").Inc()
	b.logger.Debug().Err(err).Msg("invoke rejected")
	return err
}
