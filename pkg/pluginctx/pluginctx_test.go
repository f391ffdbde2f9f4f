package pluginctx

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/types"
)

func descriptor() *types.ContextDescriptor {
	return &types.ContextDescriptor{
		HostType:      types.HostCLI,
		PluginID:      "demo",
		PluginVersion: "1.0.0",
		HandlerID:     "handlers.go#Hello",
	}
}

func TestBuildGeneratesIdentifiers(t *testing.T) {
	f := &Factory{Mode: config.SandboxEnforce}
	out := f.Build(Inputs{Descriptor: descriptor(), Cwd: t.TempDir()})

	require.NotEmpty(t, out.RequestID)
	// Without a descriptor or header trace id, the trace collapses onto the
	// request id.
	assert.Equal(t, out.RequestID, out.TraceID)
	assert.NotEmpty(t, out.SpanID)
	assert.NotEqual(t, out.RequestID, out.SpanID)
}

func TestBuildPreservesDescriptorIdentifiers(t *testing.T) {
	desc := descriptor()
	desc.RequestID = "req-1"
	desc.TraceID = "trace-1"
	desc.SpanID = "span-1"

	f := &Factory{Mode: config.SandboxEnforce}
	out := f.Build(Inputs{Descriptor: desc, Cwd: t.TempDir()})

	assert.Equal(t, "req-1", out.RequestID)
	assert.Equal(t, "trace-1", out.TraceID)
	assert.Equal(t, "span-1", out.SpanID)
}

func TestBuildTraceFromRESTHeaders(t *testing.T) {
	desc := descriptor()
	desc.HostType = types.HostREST
	desc.HostContext = types.HostContext{
		REST: &types.RESTHostContext{
			Method:  "GET",
			Path:    "/demo",
			Headers: map[string][]string{"x-trace-id": {"upstream-trace"}},
		},
	}

	f := &Factory{Mode: config.SandboxEnforce}
	out := f.Build(Inputs{Descriptor: desc, Cwd: t.TempDir()})

	assert.Equal(t, "upstream-trace", out.TraceID)
}

func TestCleanupStackLIFO(t *testing.T) {
	s := NewCleanupStack(zerolog.Nop())
	var order []int
	s.Push(func() error { order = append(order, 1); return nil })
	s.Push(func() error { order = append(order, 2); return errors.New("ignored") })
	s.Push(func() error { order = append(order, 3); return nil })

	s.Drain()
	assert.Equal(t, []int{3, 2, 1}, order)

	// Idempotent; late pushes run immediately.
	s.Drain()
	ran := false
	s.Push(func() error { ran = true; return nil })
	assert.True(t, ran)
}

func TestContextInvokeWithoutBroker(t *testing.T) {
	f := &Factory{Mode: config.SandboxEnforce}
	out := f.Build(Inputs{Descriptor: descriptor(), Cwd: t.TempDir()})

	_, err := out.Context.Invoke("@other:GET /x", nil)
	assert.Error(t, err)
}

func TestContextCwdOutdirResolved(t *testing.T) {
	cwd := t.TempDir()
	f := &Factory{Mode: config.SandboxEnforce}
	out := f.Build(Inputs{Descriptor: descriptor(), Cwd: cwd})

	assert.Equal(t, cwd, out.Context.Cwd)
	// Outdir defaults under cwd when unset.
	assert.NotEmpty(t, out.Context.Outdir)
	assert.NotNil(t, out.Context.Runtime.FS)
	assert.NotNil(t, out.Context.Platform)
}
