package subprocess

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/ipc"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/platform"
	"github.com/kb-labs/runtime/pkg/types"
)

const (
	// spawnTimeout bounds child start plus the ready handshake.
	spawnTimeout = 10 * time.Second
	// abortGrace is how long a child gets to exit after an abort frame
	// before it is killed.
	abortGrace = time.Second
)

// ExecutePayload is the execute frame body sent to a child.
type ExecutePayload struct {
	Request *types.ExecutionRequest `json:"request"`
	Cwd     string                  `json:"cwd"`
	Outdir  string                  `json:"outdir,omitempty"`
}

// Runner executes each request in a fresh child process. The child connects
// back over a per-execution Unix socket, reaches platform services through
// the IPC adapter bridge, and is force-killed if it outlives its deadline.
type Runner struct {
	services *platform.Services
	binary   string
	logger   zerolog.Logger
}

// NewRunner builds the subprocess runner. binary is the executable forked
// for children; empty means the current executable.
func NewRunner(services *platform.Services, binary string) *Runner {
	if binary == "" {
		binary, _ = os.Executable()
	}
	return &Runner{
		services: services,
		binary:   binary,
		logger:   log.WithComponent("subprocess"),
	}
}

// Name returns the backend identifier.
func (r *Runner) Name() types.Backend { return types.BackendSubprocess }

// Run spawns a child, drives the ready/execute/result exchange and tears
// everything down. The socket file and the child are released on every
// path.
func (r *Runner) Run(ctx context.Context, inv executor.Invocation) (*types.HandlerResult, error) {
	req := inv.Request
	if req.HandlerRef.File != "" && req.PluginRoot != "" {
		if _, err := os.Stat(filepath.Join(req.PluginRoot, req.HandlerRef.File)); err != nil {
			return nil, errdefs.Newf(errdefs.CodeHandlerNotFound, "handler file %s not found under %s", req.HandlerRef.File, req.PluginRoot).
				WithDetail("pluginId", req.Descriptor.PluginID).
				WithDetail("handler", req.HandlerRef.ID())
		}
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}
	token := uuid.New().String()
	socket := ipc.SocketPath(executionID)

	srv := ipc.NewServer(socket, token)
	platform.RegisterAdapters(srv, r.services)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	defer srv.Close()

	ring := NewRing(0)
	cmd := exec.Command(r.binary, "bootstrap")
	cmd.Env = append(os.Environ(),
		"KB_IPC_SOCKET="+socket,
		"KB_IPC_TOKEN="+token,
	)
	cmd.Stdout = ring
	cmd.Stderr = ring
	if err := cmd.Start(); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeWorkerCrashed).
			WithDetail("executionId", executionID)
	}

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()
	defer r.reap(cmd, exitCh)

	conn, err := r.await(ctx, srv, exitCh, ring, executionID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&ExecutePayload{Request: req, Cwd: inv.Cwd, Outdir: inv.Outdir})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeInternal)
	}
	if err := conn.Send(&ipc.Frame{Type: ipc.TypeExecute, RequestID: executionID, Payload: payload}); err != nil {
		return nil, r.crashed(exitCh, ring, executionID, err)
	}

	for {
		select {
		case f, ok := <-conn.Recv():
			if !ok {
				return nil, r.crashed(exitCh, ring, executionID, errors.New("connection closed"))
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
		case err := <-exitCh:
			exitCh <- err
			return nil, r.crashed(exitCh, ring, executionID, err)
		case <-ctx.Done():
			return nil, r.abort(ctx, cmd, conn, exitCh, executionID)
		}
	}
}

// await waits for the child to connect and announce ready.
func (r *Runner) await(ctx context.Context, srv *ipc.Server, exitCh chan error, ring *Ring, executionID string) (*ipc.Conn, error) {
	acceptCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()

	conn, err := srv.Accept(acceptCtx)
	if err != nil {
		return nil, r.crashed(exitCh, ring, executionID, err)
	}
	select {
	case f, ok := <-conn.Recv():
		if !ok || f.Type != ipc.TypeReady {
			return nil, r.crashed(exitCh, ring, executionID, errors.New("child did not announce ready"))
		}
		return conn, nil
	case <-acceptCtx.Done():
		return nil, r.crashed(exitCh, ring, executionID, acceptCtx.Err())
	}
}

// abort asks the child to stop, waits briefly, then kills it. Deadline
// expiry maps to Timeout, a plain cancel to Aborted.
func (r *Runner) abort(ctx context.Context, cmd *exec.Cmd, conn *ipc.Conn, exitCh chan error, executionID string) error {
	_ = conn.Send(&ipc.Frame{Type: ipc.TypeAbort, RequestID: executionID})
	select {
	case err := <-exitCh:
		exitCh <- err
	case <-time.After(abortGrace):
		r.logger.Warn().Str("execution_id", executionID).Msg("child ignored abort, killing")
		_ = cmd.Process.Kill()
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errdefs.Newf(errdefs.CodeTimeout, "subprocess execution %s timed out", executionID).
			WithDetail("executionId", executionID)
	}
	return errdefs.New(errdefs.CodeAbort, "execution aborted").
		WithDetail("executionId", executionID)
}

// crashed wraps an unexpected child failure with its captured output.
func (r *Runner) crashed(exitCh chan error, ring *Ring, executionID string, cause error) error {
	select {
	case err := <-exitCh:
		exitCh <- err
	case <-time.After(100 * time.Millisecond):
	}
	return errdefs.Newf(errdefs.CodeWorkerCrashed, "subprocess execution %s failed: %v", executionID, cause).
		WithDetail("executionId", executionID).
		WithDetail("output", ring.Lines())
}

// reap guarantees the child does not outlive the call.
func (r *Runner) reap(cmd *exec.Cmd, exitCh chan error) {
	select {
	case err := <-exitCh:
		exitCh <- err
		return
	default:
	}
	_ = cmd.Process.Kill()
	select {
	case err := <-exitCh:
		exitCh <- err
	case <-time.After(2 * time.Second):
	}
}
