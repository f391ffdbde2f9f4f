package executor

import (
	"context"
	"time"

	"github.com/kb-labs/runtime/pkg/pluginctx"
	"github.com/kb-labs/runtime/pkg/types"
)

// Invocation bundles an execution request with the workspace paths and UI
// the engine resolved for it.
type Invocation struct {
	Request *types.ExecutionRequest
	Cwd     string
	Outdir  string
	UI      pluginctx.UI
}

// Runner executes a handler under one backend strategy. Run returns the
// handler's result with standard metadata stamped, or an error carrying an
// errdefs code. Cancellation and deadlines arrive through ctx.
type Runner interface {
	Name() types.Backend
	Run(ctx context.Context, inv Invocation) (*types.HandlerResult, error)
}

// stampMetadata overlays the standard execution metadata onto the handler's
// own meta map. Standard keys win over user keys.
func stampMetadata(result *types.HandlerResult, c *pluginctx.Context, started time.Time, duration time.Duration) *types.HandlerResult {
	if result == nil {
		result = &types.HandlerResult{}
	}
	if result.Meta == nil {
		result.Meta = make(map[string]any)
	}
	result.Meta["executedAt"] = started.UTC().Format(time.RFC3339Nano)
	result.Meta["duration"] = duration.Milliseconds()
	result.Meta["pluginId"] = c.PluginID
	result.Meta["pluginVersion"] = c.PluginVersion
	result.Meta["host"] = string(c.Host)
	result.Meta["requestId"] = c.RequestID
	if c.CommandID != "" {
		result.Meta["commandId"] = c.CommandID
	}
	if c.TenantID != "" {
		result.Meta["tenantId"] = c.TenantID
	}
	return result
}
