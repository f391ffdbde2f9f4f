package pool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/handler"
	"github.com/kb-labs/runtime/pkg/ipc"
	"github.com/kb-labs/runtime/pkg/platform"
	"github.com/kb-labs/runtime/pkg/pluginctx"
	"github.com/kb-labs/runtime/pkg/subprocess"
	"github.com/kb-labs/runtime/pkg/types"
)

// injectWorker wires a pool worker whose child side is an in-test Child
// loop instead of a forked process.
func injectWorker(t *testing.T, p *Pool, fn handler.Func) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "w.sock")
	srv := ipc.NewServer(socket, "tok")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "handlers.go"), []byte("package demo"), 0644))
	reg := handler.NewRegistry()
	reg.Register("demo", types.HandlerRef{File: "handlers.go", Export: "Run"}, fn)

	t.Setenv("KB_IPC_SOCKET", socket)
	t.Setenv("KB_IPC_TOKEN", "tok")
	child := subprocess.NewChild(reg)
	go func() { _ = child.Serve(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, err := srv.Accept(ctx)
	require.NoError(t, err)
	select {
	case f := <-conn.Recv():
		require.Equal(t, ipc.TypeReady, f.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("child never announced ready")
	}

	w := &worker{
		id:        "test-worker",
		srv:       srv,
		conn:      conn,
		ring:      subprocess.NewRing(0),
		createdAt: time.Now(),
		exitCh:    make(chan error, 1),
		state:     types.WorkerIdle,
		healthy:   true,
	}
	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()
	return root
}

// injectMuteWorker wires a worker whose child side acks ready and then
// ignores every frame, the way a hung child does.
func injectMuteWorker(t *testing.T, p *Pool) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "w.sock")
	srv := ipc.NewServer(socket, "tok")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })

	mute := ipc.NewClient(socket, "tok")
	require.NoError(t, mute.Connect())
	t.Cleanup(func() { _ = mute.Close() })
	require.NoError(t, mute.Send(&ipc.Frame{Type: ipc.TypeReady}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, err := srv.Accept(ctx)
	require.NoError(t, err)
	select {
	case f := <-conn.Recv():
		require.Equal(t, ipc.TypeReady, f.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("mute child never announced ready")
	}

	w := &worker{
		id:        "mute-worker",
		srv:       srv,
		conn:      conn,
		ring:      subprocess.NewRing(0),
		createdAt: time.Now(),
		exitCh:    make(chan error, 1),
		state:     types.WorkerIdle,
		healthy:   true,
	}
	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()
}

func invocation(root string) executor.Invocation {
	return executor.Invocation{
		Request: &types.ExecutionRequest{
			ExecutionID: "e1",
			Descriptor:  &types.ContextDescriptor{HostType: types.HostCLI, PluginID: "demo"},
			PluginRoot:  root,
			HandlerRef:  types.HandlerRef{File: "handlers.go", Export: "Run"},
		},
		Cwd: root,
	}
}

func testConfig() config.PoolConfig {
	cfg := config.Default().Pool
	cfg.Min = 0
	cfg.Max = 1
	return cfg
}

func TestRunRoundTrip(t *testing.T) {
	p := New(testConfig(), &platform.Services{}, "/bin/true")
	root := injectWorker(t, p, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		return &types.HandlerResult{Data: json.RawMessage(`"pooled"`)}, nil
	})

	result, err := p.Run(context.Background(), invocation(root))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"pooled"`), result.Data)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Succeeded)

	infos := p.Workers()
	require.Len(t, infos, 1)
	assert.Equal(t, types.WorkerIdle, infos[0].State)
	assert.Equal(t, int64(1), infos[0].RequestCount)
}

func TestRunQueuesBehindBusyWorker(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	p := New(testConfig(), &platform.Services{}, "/bin/true")
	root := injectWorker(t, p, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		once.Do(func() { <-release })
		return &types.HandlerResult{}, nil
	})

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = p.Run(context.Background(), invocation(root))
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.NoError(t, results[0])
	assert.NoError(t, results[1])
	assert.Equal(t, int64(2), p.Stats().Total)
}

func TestRunQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 0
	p := New(cfg, &platform.Services{}, "/bin/true")
	injectWorker(t, p, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		return &types.HandlerResult{}, nil
	})

	// Occupy the only worker so the next submission hits the queue bound.
	p.mu.Lock()
	p.workers[0].state = types.WorkerBusy
	p.mu.Unlock()

	_, err := p.Run(context.Background(), invocation(t.TempDir()))
	assert.Equal(t, errdefs.CodeQueueFull, errdefs.GetCode(err))
	assert.Equal(t, int64(1), p.Stats().QueueFullRejections)
}

func TestRunAcquireTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireTimeout = 50 * time.Millisecond
	p := New(cfg, &platform.Services{}, "/bin/true")
	injectWorker(t, p, func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
		return &types.HandlerResult{}, nil
	})

	p.mu.Lock()
	p.workers[0].state = types.WorkerBusy
	p.mu.Unlock()

	_, err := p.Run(context.Background(), invocation(t.TempDir()))
	assert.Equal(t, errdefs.CodeAcquireTimeout, errdefs.GetCode(err))
	assert.Equal(t, int64(1), p.Stats().AcquireTimeouts)
}

func TestRunPerPluginCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerPlugin = 1
	p := New(cfg, &platform.Services{}, "/bin/true")

	p.mu.Lock()
	p.perPlugin["demo"] = 1
	p.mu.Unlock()

	_, err := p.Run(context.Background(), invocation(t.TempDir()))
	assert.Equal(t, errdefs.CodeQueueFull, errdefs.GetCode(err))
}

func TestRunReplacesWorkerKilledAfterAbortGrace(t *testing.T) {
	p := New(testConfig(), &platform.Services{}, "/bin/true")
	injectMuteWorker(t, p)

	// The child never acknowledges the abort, so the grace period expires
	// and the worker is killed mid-execution.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, invocation(t.TempDir()))
	assert.Equal(t, errdefs.CodeTimeout, errdefs.GetCode(err))

	// The killed worker must be removed, never returned to the idle set.
	assert.Empty(t, p.Workers())
	assert.Equal(t, int64(1), p.Stats().WorkerCrashes)
}

func TestRunAfterShutdown(t *testing.T) {
	p := New(testConfig(), &platform.Services{}, "/bin/true")
	p.Shutdown()

	_, err := p.Run(context.Background(), invocation(t.TempDir()))
	assert.Equal(t, errdefs.CodeAbort, errdefs.GetCode(err))
}

func TestShouldRecycleBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRequestsPerWorker = 5
	cfg.MaxUptimePerWorker = time.Hour
	p := New(cfg, &platform.Services{}, "/bin/true")

	w := &worker{createdAt: time.Now(), requestCount: 4}
	assert.False(t, p.shouldRecycle(w))
	w.requestCount = 5
	assert.True(t, p.shouldRecycle(w))

	w = &worker{createdAt: time.Now().Add(-2 * time.Hour)}
	assert.True(t, p.shouldRecycle(w))
}

func TestStatsRollingWindow(t *testing.T) {
	s := NewStats()
	for i := 1; i <= 100; i++ {
		s.Record(time.Duration(i)*time.Millisecond, i%10 != 0)
	}
	snap := s.Snapshot(3, 1)
	assert.Equal(t, int64(100), snap.Total)
	assert.Equal(t, int64(90), snap.Succeeded)
	assert.Equal(t, int64(10), snap.Failed)
	assert.Equal(t, 3, snap.Workers)
	assert.Equal(t, 95*time.Millisecond, snap.P95Duration)
	assert.Equal(t, 99*time.Millisecond, snap.P99Duration)
	assert.InDelta(t, float64(50500*time.Microsecond), float64(snap.AvgDuration), float64(time.Millisecond))
}
