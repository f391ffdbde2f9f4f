package pluginctx

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/permissions"
	"github.com/kb-labs/runtime/pkg/platform"
	"github.com/kb-labs/runtime/pkg/sandbox"
	"github.com/kb-labs/runtime/pkg/snapshot"
	"github.com/kb-labs/runtime/pkg/types"
)

// UI is the host-provided user-interaction surface. Hosts without one use
// NoopUI.
type UI interface {
	Print(msg string)
	Warn(msg string)
}

// NoopUI discards all output.
type NoopUI struct{}

func (NoopUI) Print(string) {}
func (NoopUI) Warn(string)  {}

// Invoker performs cross-plugin calls on behalf of a handler. The invoke
// broker implements it; tests use stubs.
type Invoker interface {
	Invoke(ctx context.Context, caller *types.ContextDescriptor, target string, input json.RawMessage) (*types.ExecutionResult, error)
}

// Context is the live, in-process value handed to a plugin handler. Every
// field is either a primitive copy of a descriptor field, a facade wired to
// the permission evaluator, or a platform adapter. It holds no mutable
// global state.
type Context struct {
	Host          types.HostType
	RequestID     string
	TraceID       string
	SpanID        string
	InvocationID  string
	ExecutionID   string
	PluginID      string
	PluginVersion string
	HandlerID     string
	CommandID     string
	TenantID      string
	Cwd           string
	Outdir        string
	HostContext   types.HostContext

	// Ctx carries cancellation; handlers must respect it on blocking work.
	Ctx context.Context

	Logger   *Logger
	UI       UI
	Runtime  *sandbox.Runtime
	Platform *platform.Governed
	Config   map[string]any

	descriptor *types.ContextDescriptor
	cleanups   *CleanupStack
	invoker    Invoker
	events     *platform.Broker
}

// Descriptor returns the serializable form this context was built from.
func (c *Context) Descriptor() *types.ContextDescriptor {
	return c.descriptor
}

// OnCleanup pushes a release hook onto the cleanup stack. Hooks run LIFO
// after the handler returns, on success and failure alike.
func (c *Context) OnCleanup(fn func() error) {
	c.cleanups.Push(fn)
}

// Invoke performs a cross-plugin call through the invoke broker.
func (c *Context) Invoke(target string, input json.RawMessage) (*types.ExecutionResult, error) {
	if c.invoker == nil {
		return nil, errNoInvoker
	}
	return c.invoker.Invoke(c.Ctx, c.descriptor, target, input)
}

// PublishEvent emits an event on the platform event bus.
func (c *Context) PublishEvent(eventType string, message string, metadata map[string]string) {
	if c.events == nil {
		return
	}
	c.events.Publish(&platform.Event{
		ID:       uuid.New().String(),
		Type:     platform.EventType(eventType),
		PluginID: c.PluginID,
		Message:  message,
		Metadata: metadata,
	})
}

// Factory assembles per-invocation contexts.
type Factory struct {
	Services  *platform.Services
	Snapshots *snapshot.Store
	Mode      config.SandboxMode
	Trace     bool
	Invoker   Invoker
}

// Inputs are the per-invocation construction parameters.
type Inputs struct {
	Descriptor *types.ContextDescriptor
	UI         UI
	Ctx        context.Context
	Cwd        string
	Outdir     string
	Config     map[string]any
}

// Output bundles the constructed context with its identifiers and cleanup
// stack.
type Output struct {
	Context   *Context
	Cleanups  *CleanupStack
	RequestID string
	TraceID   string
	SpanID    string
}

// Build assembles a context. Identifier rules: requestId is the descriptor
// value when present, otherwise fresh; traceId falls back through the host
// context to requestId; spanId is descriptor-carried or fresh.
func (f *Factory) Build(in Inputs) *Output {
	desc := in.Descriptor

	requestID := desc.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	traceID := desc.TraceID
	if traceID == "" {
		traceID = headerTrace(desc.HostContext)
	}
	if traceID == "" {
		traceID = requestID
	}
	spanID := desc.SpanID
	if spanID == "" {
		spanID = uuid.New().String()
	}

	eval := permissions.NewEvaluator(desc.Permissions, in.Cwd, in.Outdir)
	rt := sandbox.New(sandbox.Options{
		Evaluator: eval,
		Mode:      f.Mode,
		Trace:     f.Trace,
		Logger:    log.WithPlugin(desc.PluginID),
	})

	base := log.Logger.With().
		Str("req_id", requestID).
		Str("trace_id", traceID).
		Str("span_id", spanID).
		Str("invocation_id", desc.InvocationID).
		Str("plugin_id", desc.PluginID).
		Str("handler_id", desc.HandlerID).
		Logger()

	ui := in.UI
	if ui == nil {
		ui = NoopUI{}
	}
	ctx := in.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var services *platform.Services
	if f.Services != nil {
		services = f.Services
	} else {
		services = &platform.Services{}
	}

	cleanups := NewCleanupStack(base)

	c := &Context{
		Host:          desc.HostType,
		RequestID:     requestID,
		TraceID:       traceID,
		SpanID:        spanID,
		InvocationID:  desc.InvocationID,
		ExecutionID:   desc.ExecutionID,
		PluginID:      desc.PluginID,
		PluginVersion: desc.PluginVersion,
		HandlerID:     desc.HandlerID,
		CommandID:     desc.CommandID,
		TenantID:      desc.TenantID,
		Cwd:           eval.Cwd(),
		Outdir:        eval.Outdir(),
		HostContext:   desc.HostContext,
		Ctx:           ctx,
		Logger:        NewLogger(base),
		UI:            ui,
		Runtime:       rt,
		Platform:      platform.NewGoverned(services, f.Snapshots, eval, desc.PluginID),
		Config:        in.Config,
		descriptor:    desc,
		cleanups:      cleanups,
		invoker:       f.Invoker,
		events:        services.Events,
	}
	return &Output{
		Context:   c,
		Cleanups:  cleanups,
		RequestID: requestID,
		TraceID:   traceID,
		SpanID:    spanID,
	}
}

// headerTrace pulls a trace id from inbound host headers.
func headerTrace(hc types.HostContext) string {
	headers := hc.TraceHeaders()
	if headers == nil {
		return ""
	}
	for _, name := range []string{"x-trace-id", "X-Trace-Id", "x-request-id", "X-Request-Id"} {
		if vs := headers[name]; len(vs) > 0 && vs[0] != "" {
			return vs[0]
		}
	}
	return ""
}

var errNoInvoker = errdefs.New(errdefs.CodePlatform, "cross-plugin invoke is not available on this host").
	WithDetail("service", "invoke")
