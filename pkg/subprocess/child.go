package subprocess

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/handler"
	"github.com/kb-labs/runtime/pkg/ipc"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/platform"
	"github.com/kb-labs/runtime/pkg/pluginctx"
)

// Child is the in-process side of a forked worker. It serves execute frames
// until shutdown, reaching platform services back through the parent's IPC
// adapters. The same loop backs one-shot subprocess runs and long-lived
// pool workers; the parent decides when to send shutdown.
type Child struct {
	client *ipc.Client
	runner *executor.InProcess

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewChild builds a child loop from the bootstrap environment
// (KB_IPC_SOCKET, KB_IPC_TOKEN, KB_SANDBOX_MODE).
func NewChild(registry *handler.Registry) *Child {
	client := ipc.NewClient(os.Getenv("KB_IPC_SOCKET"), os.Getenv("KB_IPC_TOKEN"))
	factory := &pluginctx.Factory{
		Services: platform.RemoteServices(client),
		Mode:     config.SandboxMode(os.Getenv("KB_SANDBOX_MODE")),
	}
	return &Child{
		client:  client,
		runner:  executor.NewInProcess(registry, factory),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Serve announces ready and processes frames until shutdown or the context
// ends. A graceful shutdown waits for in-flight executions first.
func (c *Child) Serve(ctx context.Context) error {
	if err := c.client.Send(&ipc.Frame{Type: ipc.TypeReady}); err != nil {
		return err
	}
	logger := log.WithComponent("child")

	for {
		select {
		case f, ok := <-c.client.Recv():
			if !ok {
				c.abortAll()
				return nil
			}
			switch f.Type {
			case ipc.TypeExecute:
				c.execute(ctx, f)
			case ipc.TypeAbort:
				if f.RequestID != "" {
					c.abortOne(f.RequestID)
				} else {
					c.abortAll()
				}
			case ipc.TypeHealth:
				_ = c.client.Send(&ipc.Frame{Type: ipc.TypeHealthOk, RequestID: f.RequestID})
			case ipc.TypeShutdown:
				if f.Graceful {
					c.wg.Wait()
				} else {
					c.abortAll()
				}
				logger.Debug().Bool("graceful", f.Graceful).Msg("shutting down")
				return c.client.Close()
			}
		case <-ctx.Done():
			c.abortAll()
			return ctx.Err()
		}
	}
}

func (c *Child) execute(parent context.Context, f *ipc.Frame) {
	var payload ExecutePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		_ = c.client.Send(&ipc.Frame{
			Type:      ipc.TypeError,
			RequestID: f.RequestID,
			Error:     errdefs.ToJSON(errdefs.Wrap(err, errdefs.CodeValidation)),
		})
		return
	}

	ctx, cancel := context.WithCancel(parent)
	if payload.Request.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(parent, durationMs(payload.Request.TimeoutMs))
	}
	c.mu.Lock()
	c.cancels[f.RequestID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.cancels, f.RequestID)
			c.mu.Unlock()
		}()

		result, err := c.runner.Run(ctx, executor.Invocation{
			Request: payload.Request,
			Cwd:     payload.Cwd,
			Outdir:  payload.Outdir,
		})
		if err != nil {
			_ = c.client.Send(&ipc.Frame{
				Type:      ipc.TypeError,
				RequestID: f.RequestID,
				Error:     errdefs.ToJSON(err),
			})
			return
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			_ = c.client.Send(&ipc.Frame{
				Type:      ipc.TypeError,
				RequestID: f.RequestID,
				Error:     errdefs.ToJSON(errdefs.Wrap(err, errdefs.CodeInternal)),
			})
			return
		}
		_ = c.client.Send(&ipc.Frame{Type: ipc.TypeResult, RequestID: f.RequestID, Result: encoded})
	}()
}

func durationMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c *Child) abortOne(requestID string) {
	c.mu.Lock()
	cancel := c.cancels[requestID]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Child) abortAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()
}
