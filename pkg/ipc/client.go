package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kb-labs/runtime/pkg/errdefs"
)

const (
	// defaultCallTimeout bounds one adapter RPC round-trip.
	defaultCallTimeout = 30 * time.Second
	// maxReconnectAttempts bounds how often a broken client re-dials.
	maxReconnectAttempts = 3
	// maxPendingCalls bounds the in-flight RPC table.
	maxPendingCalls = 256
)

// Client is the child-side IPC endpoint. It lazily connects on first use,
// re-dials a bounded number of times, and multiplexes concurrent adapter
// calls over one connection by requestId.
type Client struct {
	path  string
	token string

	mu        sync.Mutex
	conn      net.Conn
	writeMu   sync.Mutex
	pending   map[string]chan *Frame
	pendingMu sync.Mutex
	recvCh    chan *Frame
	attempts  int
	closed    bool
}

// NewClient creates a client for the given socket path. No connection is
// opened until the first call.
func NewClient(path, token string) *Client {
	return &Client{
		path:    path,
		token:   token,
		pending: make(map[string]chan *Frame),
		recvCh:  make(chan *Frame, 32),
	}
}

// Recv returns inbound control frames (execute, abort, health, shutdown).
func (c *Client) Recv() <-chan *Frame {
	return c.recvCh
}

// Connect ensures the client has a live connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.closed {
		return errdefs.New(errdefs.CodeInternal, "ipc client closed")
	}
	if c.conn != nil {
		return nil
	}
	if c.attempts >= maxReconnectAttempts {
		return errdefs.Newf(errdefs.CodePlatform, "ipc reconnect limit reached after %d attempts", c.attempts).
			WithDetail("transport", "ipc")
	}
	c.attempts++

	conn, err := net.DialTimeout("unix", c.path, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to dial ipc socket: %w", err)
	}

	if c.token != "" {
		data, _ := json.Marshal(&Frame{Type: TypeAuth, Token: c.token})
		if _, err := conn.Write(append(data, '\n')); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to send auth frame: %w", err)
		}
	}

	c.conn = conn
	c.attempts = 0
	go c.readLoop(conn)
	return nil
}

// Send writes one frame, connecting first if necessary.
func (c *Client) Send(f *Frame) error {
	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	conn := c.conn
	c.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = conn.Write(append(data, '\n'))
	return err
}

// Call performs one adapter RPC and waits for the matching response.
// timeout <= 0 uses the 30 s default. Transport failures surface as
// PlatformError with the adapter name attached.
func (c *Client) Call(ctx context.Context, adapter, method string, args []json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	requestID := uuid.New().String()
	ch := make(chan *Frame, 1)

	c.pendingMu.Lock()
	if len(c.pending) >= maxPendingCalls {
		c.pendingMu.Unlock()
		return nil, errdefs.Newf(errdefs.CodePlatform, "too many in-flight ipc calls").
			WithDetail("service", adapter).
			WithDetail("transport", "ipc")
	}
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	err := c.Send(&Frame{
		Type:      TypeAdapterCall,
		RequestID: requestID,
		Adapter:   adapter,
		Method:    method,
		Args:      args,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodePlatform).
			WithDetail("service", adapter).
			WithDetail("transport", "ipc")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, errdefs.FromJSON(resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, errdefs.Newf(errdefs.CodeTimeout, "adapter call %s.%s timed out after %s", adapter, method, timeout).
			WithDetail("service", adapter).
			WithDetail("transport", "ipc")
	case <-ctx.Done():
		return nil, errdefs.Wrap(ctx.Err(), errdefs.CodeAbort)
	}
}

// Close shuts the client down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.dropConn(conn)
			return
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		if f.Type == TypeAdapterResponse {
			c.pendingMu.Lock()
			ch, ok := c.pending[f.RequestID]
			c.pendingMu.Unlock()
			if ok {
				ch <- &f
			}
			continue
		}
		select {
		case c.recvCh <- &f:
		default:
			// Control channel full; drop rather than stall adapter traffic.
		}
	}
}

// dropConn clears the broken connection so the next Send re-dials.
func (c *Client) dropConn(conn net.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}
