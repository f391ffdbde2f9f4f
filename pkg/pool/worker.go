package pool

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/ipc"
	"github.com/kb-labs/runtime/pkg/platform"
	"github.com/kb-labs/runtime/pkg/subprocess"
	"github.com/kb-labs/runtime/pkg/types"
)

const (
	// readyTimeout bounds worker start plus the ready handshake.
	readyTimeout = 10 * time.Second
	// drainGrace is how long a graceful shutdown waits per worker.
	drainGrace = 5 * time.Second
	// abortGrace is how long an aborted execution gets before a kill.
	abortGrace = time.Second
)

// worker is the parent-side handle of one long-lived child process. A
// worker serves one execution at a time; its IPC receive channel is owned
// by whoever holds it busy, and by the health loop while idle.
type worker struct {
	id        string
	cmd       *exec.Cmd
	srv       *ipc.Server
	conn      *ipc.Conn
	ring      *subprocess.Ring
	createdAt time.Time
	exitCh    chan error

	// Set by the busy holder when the child died mid-execution; read by
	// release under the pool mutex so the worker is replaced, not requeued.
	dead bool

	// Guarded by the pool mutex.
	state              types.WorkerState
	requestCount       int64
	currentExecutionID string
	lastHealthAt       time.Time
	healthy            bool
}

// spawnWorker forks a child and completes the ready handshake.
func spawnWorker(binary string, env []string, services *platform.Services) (*worker, error) {
	id := uuid.New().String()[:8]
	token := uuid.New().String()
	socket := ipc.SocketPath("worker-" + id)

	srv := ipc.NewServer(socket, token)
	platform.RegisterAdapters(srv, services)
	if err := srv.Start(); err != nil {
		return nil, err
	}

	ring := subprocess.NewRing(0)
	cmd := exec.Command(binary, "bootstrap")
	cmd.Env = append(append(os.Environ(), env...),
		"KB_IPC_SOCKET="+socket,
		"KB_IPC_TOKEN="+token,
		"KB_WORKER_ID="+id,
	)
	cmd.Stdout = ring
	cmd.Stderr = ring
	if err := cmd.Start(); err != nil {
		srv.Close()
		return nil, errdefs.Wrap(err, errdefs.CodeWorkerCrashed).WithDetail("workerId", id)
	}

	w := &worker{
		id:        id,
		cmd:       cmd,
		srv:       srv,
		ring:      ring,
		createdAt: time.Now(),
		exitCh:    make(chan error, 1),
		state:     types.WorkerStarting,
		healthy:   true,
	}
	go func() { w.exitCh <- cmd.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	conn, err := srv.Accept(ctx)
	if err != nil {
		w.kill()
		return nil, w.crashError(errors.New("worker never connected"))
	}
	select {
	case f, ok := <-conn.Recv():
		if !ok || f.Type != ipc.TypeReady {
			w.kill()
			return nil, w.crashError(errors.New("worker did not announce ready"))
		}
	case <-ctx.Done():
		w.kill()
		return nil, w.crashError(ctx.Err())
	}

	w.conn = conn
	w.state = types.WorkerIdle
	w.lastHealthAt = time.Now()
	return w, nil
}

// execute runs one request on the worker. The caller must hold the worker
// busy.
func (w *worker) execute(ctx context.Context, inv executor.Invocation) (*types.HandlerResult, error) {
	requestID := inv.Request.ExecutionID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	payload, err := json.Marshal(&subprocess.ExecutePayload{Request: inv.Request, Cwd: inv.Cwd, Outdir: inv.Outdir})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeInternal)
	}
	if err := w.conn.Send(&ipc.Frame{Type: ipc.TypeExecute, RequestID: requestID, Payload: payload}); err != nil {
		return nil, w.crashError(err)
	}

	for {
		select {
		case f, ok := <-w.conn.Recv():
			if !ok {
				return nil, w.crashError(errors.New("connection closed"))
			}
			if f.RequestID != requestID {
				continue
			}
			switch f.Type {
			case ipc.TypeResult:
				var result types.HandlerResult
				if err := json.Unmarshal(f.Result, &result); err != nil {
					return nil, errdefs.Wrap(err, errdefs.CodeInternal)
				}
				return &result, nil
			case ipc.TypeError:
				return nil, errdefs.FromJSON(f.Error)
			}
		case err := <-w.exitCh:
			w.exitCh <- err
			return nil, w.crashError(err)
		case <-ctx.Done():
			return nil, w.abort(ctx, requestID)
		}
	}
}

// abort cancels the in-flight execution, killing the worker if it does not
// wind down in time.
func (w *worker) abort(ctx context.Context, requestID string) error {
	_ = w.conn.Send(&ipc.Frame{Type: ipc.TypeAbort, RequestID: requestID})

	// Drain until the child acknowledges with an error frame or dies.
	timer := time.NewTimer(abortGrace)
	defer timer.Stop()
drain:
	for {
		select {
		case f, ok := <-w.conn.Recv():
			if !ok {
				w.dead = true
				break drain
			}
			if f.RequestID == requestID && (f.Type == ipc.TypeError || f.Type == ipc.TypeResult) {
				break drain
			}
		case err := <-w.exitCh:
			w.exitCh <- err
			w.dead = true
			break drain
		case <-timer.C:
			w.kill()
			w.dead = true
			break drain
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errdefs.Newf(errdefs.CodeTimeout, "execution %s timed out on worker %s", requestID, w.id).
			WithDetail("workerId", w.id)
	}
	return errdefs.New(errdefs.CodeAbort, "execution aborted").WithDetail("workerId", w.id)
}

// ping round-trips a health frame. Only valid while the worker is idle.
func (w *worker) ping(timeout time.Duration) bool {
	requestID := uuid.New().String()
	if err := w.conn.Send(&ipc.Frame{Type: ipc.TypeHealth, RequestID: requestID}); err != nil {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-w.conn.Recv():
			if !ok {
				return false
			}
			if f.Type == ipc.TypeHealthOk && f.RequestID == requestID {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

// stop shuts the worker down. Graceful waits for the drain grace period
// before killing.
func (w *worker) stop(graceful bool) {
	if w.conn != nil {
		_ = w.conn.Send(&ipc.Frame{Type: ipc.TypeShutdown, Graceful: graceful})
		if graceful {
			select {
			case err := <-w.exitCh:
				w.exitCh <- err
			case <-time.After(drainGrace):
			}
		}
	}
	w.kill()
}

// kill force-terminates the child and releases its socket.
func (w *worker) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	if w.srv != nil {
		w.srv.Close()
	}
}

// crashError wraps an unexpected worker failure with its captured output.
func (w *worker) crashError(cause error) error {
	return errdefs.Newf(errdefs.CodeWorkerCrashed, "worker %s crashed: %v", w.id, cause).
		WithDetail("workerId", w.id).
		WithDetail("output", w.ring.Lines())
}

// uptime returns how long the worker has been alive.
func (w *worker) uptime() time.Duration {
	return time.Since(w.createdAt)
}

// info snapshots the worker for introspection. Caller holds the pool mutex.
func (w *worker) info() types.WorkerInfo {
	pid := 0
	if w.cmd != nil && w.cmd.Process != nil {
		pid = w.cmd.Process.Pid
	}
	return types.WorkerInfo{
		ID:                 w.id,
		State:              w.state,
		PID:                pid,
		CreatedAt:          w.createdAt,
		RequestCount:       w.requestCount,
		CurrentExecutionID: w.currentExecutionID,
		LastHealthCheckAt:  w.lastHealthAt,
		Healthy:            w.healthy,
	}
}
