package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/handler"
	"github.com/kb-labs/runtime/pkg/pluginctx"
	"github.com/kb-labs/runtime/pkg/types"
)

func newRunner(t *testing.T, fn handler.Func) (*InProcess, Invocation) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "handlers.go"), []byte("package demo"), 0644))

	ref := types.HandlerRef{File: "handlers.go", Export: "Run"}
	reg := handler.NewRegistry()
	reg.Register("demo", ref, fn)

	runner := NewInProcess(reg, &pluginctx.Factory{Mode: config.SandboxEnforce})
	inv := Invocation{
		Request: &types.ExecutionRequest{
			ExecutionID: "exec-1",
			Descriptor: &types.ContextDescriptor{
				HostType:      types.HostCLI,
				PluginID:      "demo",
				PluginVersion: "2.1.0",
				TenantID:      "acme",
			},
			PluginRoot: root,
			HandlerRef: ref,
			Input:      json.RawMessage(`{"n":1}`),
		},
		Cwd: root,
	}
	return runner, inv
}

func TestRunStampsStandardMetadata(t *testing.T) {
	runner, inv := newRunner(t, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		return &types.HandlerResult{
			Data: json.RawMessage(`{"ok":true}`),
			// User keys colliding with standard keys lose.
			Meta: map[string]any{"pluginId": "spoofed", "custom": "kept"},
		}, nil
	})

	result, err := runner.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "demo", result.Meta["pluginId"])
	assert.Equal(t, "2.1.0", result.Meta["pluginVersion"])
	assert.Equal(t, "acme", result.Meta["tenantId"])
	assert.Equal(t, "kept", result.Meta["custom"])
	assert.NotEmpty(t, result.Meta["requestId"])
	assert.NotEmpty(t, result.Meta["executedAt"])
}

func TestRunHandlerError(t *testing.T) {
	runner, inv := newRunner(t, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		return nil, errdefs.New(errdefs.CodeValidation, "bad input")
	})

	_, err := runner.Run(context.Background(), inv)
	assert.Equal(t, errdefs.CodeValidation, errdefs.GetCode(err))
}

func TestRunPanicBecomesInternalError(t *testing.T) {
	runner, inv := newRunner(t, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		panic("boom")
	})

	_, err := runner.Run(context.Background(), inv)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeInternal, errdefs.GetCode(err))
}

func TestRunTimeout(t *testing.T) {
	runner, inv := newRunner(t, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		select {
		case <-ctx.Ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return &types.HandlerResult{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := runner.Run(ctx, inv)
	assert.Equal(t, errdefs.CodeTimeout, errdefs.GetCode(err))
}

func TestRunAbort(t *testing.T) {
	started := make(chan struct{})
	runner, inv := newRunner(t, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		close(started)
		<-ctx.Ctx.Done()
		return nil, errors.New("late")
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := runner.Run(ctx, inv)
	assert.Equal(t, errdefs.CodeAbort, errdefs.GetCode(err))
}

func TestRunCleanupDrainsOnFailure(t *testing.T) {
	drained := make(chan struct{}, 1)
	runner, inv := newRunner(t, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		ctx.OnCleanup(func() error {
			drained <- struct{}{}
			return nil
		})
		return nil, errdefs.New(errdefs.CodeInternal, "fail after registering cleanup")
	})

	_, err := runner.Run(context.Background(), inv)
	require.Error(t, err)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("cleanup hook did not run")
	}
}

func TestRunUnknownHandler(t *testing.T) {
	runner, inv := newRunner(t, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		return &types.HandlerResult{}, nil
	})
	inv.Request.HandlerRef = types.HandlerRef{File: "other.go", Export: "Nope"}

	_, err := runner.Run(context.Background(), inv)
	assert.Equal(t, errdefs.CodeHandlerNotFound, errdefs.GetCode(err))
}
