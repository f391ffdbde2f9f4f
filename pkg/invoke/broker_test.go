package invoke

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/plugins"
	"github.com/kb-labs/runtime/pkg/trace"
	"github.com/kb-labs/runtime/pkg/types"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Target
		wantErr bool
	}{
		{
			name: "scoped id with semver",
			raw:  "@kb-labs/search@1.2.3:GET /v1/query",
			want: Target{PluginID: "kb-labs/search", Version: "1.2.3", Method: "GET", Path: "/v1/query"},
		},
		{
			name: "latest",
			raw:  "@demo@latest:POST /v1/index",
			want: Target{PluginID: "demo", Version: "latest", Method: "POST", Path: "/v1/index"},
		},
		{name: "missing at prefix", raw: "demo@latest:GET /x", wantErr: true},
		{name: "missing version", raw: "@demo:GET /x", wantErr: true},
		{name: "bad version", raw: "@demo@one:GET /x", wantErr: true},
		{name: "lowercase method", raw: "@demo@latest:get /x", wantErr: true},
		{name: "missing path", raw: "@demo@latest:GET", wantErr: true},
		{name: "relative path", raw: "@demo@latest:GET x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.raw)
			if tt.wantErr {
				assert.Equal(t, errdefs.CodeValidation, errdefs.GetCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.PluginID, got.PluginID)
			assert.Equal(t, tt.want.Version, got.Version)
			assert.Equal(t, tt.want.Method, got.Method)
			assert.Equal(t, tt.want.Path, got.Path)
		})
	}
}

func TestTargetNormalized(t *testing.T) {
	got, err := ParseTarget("@kb-labs/search@1.2.3:GET /v1/query")
	require.NoError(t, err)
	assert.Equal(t, "@kb-labs/search:GET /v1/query", got.Normalized())
}

type fakeExec struct {
	mu    sync.Mutex
	reqs  []*types.ExecutionRequest
	run   func(*types.ExecutionRequest) (*types.ExecutionResult, error)
}

func (f *fakeExec) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(req)
	}
	return &types.ExecutionResult{OK: true, Data: json.RawMessage(`"ok"`)}, nil
}

func newBroker(t *testing.T, exec *fakeExec) *Broker {
	t.Helper()
	reg := plugins.NewRegistry()
	require.NoError(t, reg.Register(&types.Manifest{
		ID:      "search",
		Version: "1.2.3",
		Routes: []types.ManifestRoute{
			{Method: "GET", Path: "/v1/query", Handler: types.HandlerRef{File: "query.go", Export: "Query"}},
		},
		Permissions: types.Permissions{},
	}))

	b := NewBroker(config.Default().Invoke, reg, trace.NewStore(t.TempDir(), 10))
	b.Bind(exec)
	return b
}

func caller() *types.ContextDescriptor {
	return &types.ContextDescriptor{
		HostType: types.HostREST,
		PluginID: "caller",
		TraceID:  "trace-root",
		SpanID:   "span-root",
		Permissions: types.Permissions{
			Invoke: types.InvokePermissions{Plugins: []string{"search"}},
		},
	}
}

func TestInvokeDelegatesWithInheritedTrace(t *testing.T) {
	exec := &fakeExec{}
	b := newBroker(t, exec)

	result, err := b.Invoke(context.Background(), caller(), "@search@latest:GET /v1/query", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, result.OK)

	require.Len(t, exec.reqs, 1)
	child := exec.reqs[0].Descriptor
	assert.Equal(t, "search", child.PluginID)
	assert.Equal(t, "trace-root", child.TraceID)
	assert.NotEqual(t, "span-root", child.SpanID)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, []string{"caller"}, child.Visited)
	assert.NotZero(t, child.ChainStartedAt)
}

func TestInvokePermissionDeniedBeforeResolution(t *testing.T) {
	exec := &fakeExec{}
	b := newBroker(t, exec)

	desc := caller()
	desc.Permissions.Invoke = types.InvokePermissions{} // default deny
	_, err := b.Invoke(context.Background(), desc, "@search@latest:GET /v1/query", nil)
	assert.Equal(t, errdefs.CodePermissionDenied, errdefs.GetCode(err))
	assert.Empty(t, exec.reqs)
}

func TestInvokeDepthLimit(t *testing.T) {
	b := newBroker(t, &fakeExec{})
	desc := caller()
	desc.Depth = 8

	_, err := b.Invoke(context.Background(), desc, "@search@latest:GET /v1/query", nil)
	assert.Equal(t, errdefs.CodeChainDepthExceeded, errdefs.GetCode(err))
}

func TestInvokeCycleDetected(t *testing.T) {
	b := newBroker(t, &fakeExec{})
	desc := caller()
	desc.Visited = []string{"search", "other"}

	_, err := b.Invoke(context.Background(), desc, "@search@latest:GET /v1/query", nil)
	assert.Equal(t, errdefs.CodeCycleDetected, errdefs.GetCode(err))

	// Details carry the full chain including the caller, plus the plugin
	// being re-entered.
	var kbErr *errdefs.Error
	require.ErrorAs(t, err, &kbErr)
	assert.Equal(t, []string{"search", "other", "caller"}, kbErr.Details["visited"])
	assert.Equal(t, "search", kbErr.Details["currentPlugin"])
}

func TestInvokeChainTimeExceeded(t *testing.T) {
	b := newBroker(t, &fakeExec{})
	desc := caller()
	desc.ChainStartedAt = time.Now().Add(-10 * time.Minute).UnixMilli()

	_, err := b.Invoke(context.Background(), desc, "@search@latest:GET /v1/query", nil)
	assert.Equal(t, errdefs.CodeChainTimeExceeded, errdefs.GetCode(err))
}

func TestInvokeFanOutLimit(t *testing.T) {
	block := make(chan struct{})
	exec := &fakeExec{run: func(*types.ExecutionRequest) (*types.ExecutionResult, error) {
		<-block
		return &types.ExecutionResult{OK: true}, nil
	}}
	cfg := config.Default().Invoke
	cfg.MaxFanOut = 2

	reg := plugins.NewRegistry()
	require.NoError(t, reg.Register(&types.Manifest{
		ID:      "search",
		Version: "1.2.3",
		Routes: []types.ManifestRoute{
			{Method: "GET", Path: "/v1/query", Handler: types.HandlerRef{File: "query.go", Export: "Query"}},
		},
	}))
	b := NewBroker(cfg, reg, nil)
	b.Bind(exec)

	desc := caller()
	desc.InvocationID = "inv-1"

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Invoke(context.Background(), desc, "@search@latest:GET /v1/query", nil)
		}()
	}
	// Wait until both children are in flight.
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.reqs) == 2
	}, time.Second, 5*time.Millisecond)

	_, err := b.Invoke(context.Background(), desc, "@search@latest:GET /v1/query", nil)
	assert.Equal(t, errdefs.CodeChainFanOutExceeded, errdefs.GetCode(err))

	close(block)
	wg.Wait()
}

func TestInvokeUnknownPluginAndRoute(t *testing.T) {
	b := newBroker(t, &fakeExec{})

	desc := caller()
	desc.Permissions.Invoke.Plugins = []string{"search", "ghost"}
	_, err := b.Invoke(context.Background(), desc, "@ghost@latest:GET /x", nil)
	assert.Equal(t, errdefs.CodePluginNotFound, errdefs.GetCode(err))

	_, err = b.Invoke(context.Background(), desc, "@search@latest:DELETE /v1/query", nil)
	assert.Equal(t, errdefs.CodeHandlerNotFound, errdefs.GetCode(err))
}

func TestInvokeRecordsSpans(t *testing.T) {
	exec := &fakeExec{}
	store := trace.NewStore(t.TempDir(), 10)
	reg := plugins.NewRegistry()
	require.NoError(t, reg.Register(&types.Manifest{
		ID:      "search",
		Version: "1.2.3",
		Routes: []types.ManifestRoute{
			{Method: "GET", Path: "/v1/query", Handler: types.HandlerRef{File: "query.go", Export: "Query"}},
		},
	}))
	b := NewBroker(config.Default().Invoke, reg, store)
	b.Bind(exec)

	_, err := b.Invoke(context.Background(), caller(), "@search@latest:GET /v1/query", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Pending("trace-root"))
}
