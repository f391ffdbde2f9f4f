package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/metrics"
)

// Adapter dispatches one platform service's method calls arriving over IPC.
type Adapter interface {
	// Call invokes the named method with JSON-encoded arguments.
	Call(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error)
}

// Server is the parent-side IPC endpoint. It listens on a Unix-domain
// socket, answers adapter:call frames by dispatching to registered
// adapters, and hands every other frame to the connection's receive
// channel. Multiple in-flight calls per connection are matched on
// requestId.
type Server struct {
	path     string
	token    string
	adapters map[string]Adapter
	listener net.Listener
	logger   zerolog.Logger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	connCh chan *Conn
	closed bool
}

// SocketPath returns the per-execution socket path under the OS temp dir.
func SocketPath(executionID string) string {
	return fmt.Sprintf("%s/kb-subprocess-%s.sock", os.TempDir(), executionID)
}

// NewServer creates a server for the given socket path. token, when
// non-empty, must be presented by the first frame of every connection.
func NewServer(path, token string) *Server {
	return &Server{
		path:     path,
		token:    token,
		adapters: make(map[string]Adapter),
		conns:    make(map[*Conn]struct{}),
		connCh:   make(chan *Conn, 8),
		logger:   log.WithComponent("ipc-server"),
	}
}

// Register exposes an adapter by name.
func (s *Server) Register(name string, adapter Adapter) {
	s.adapters[name] = adapter
}

// Start begins listening. Windows named-pipe transport is not implemented.
func (s *Server) Start() error {
	if runtime.GOOS == "windows" {
		return errdefs.New(errdefs.CodeInternal, "named-pipe IPC transport is not supported on windows")
	}
	_ = os.Remove(s.path)
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	s.listener = l
	go s.acceptLoop()
	return nil
}

// Accept waits for the next authenticated child connection.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	select {
	case conn, ok := <-s.connCh:
		if !ok {
			return nil, errdefs.New(errdefs.CodeInternal, "ipc server closed")
		}
		return conn, nil
	case <-ctx.Done():
		return nil, errdefs.Wrap(ctx.Err(), errdefs.CodeTimeout)
	}
}

// Close stops the listener, closes all connections and removes the socket
// file. Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	_ = os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop() {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handshake(raw)
	}
}

// handshake authenticates a new connection before exposing it. When a
// token is configured the first frame must be auth with a matching token.
func (s *Server) handshake(raw net.Conn) {
	conn := newConn(raw, s)

	if s.token != "" {
		first, err := conn.readFrame(10 * time.Second)
		if err != nil || first.Type != TypeAuth || first.Token != s.token {
			s.logger.Warn().Msg("rejecting ipc connection: bad or missing auth token")
			_ = raw.Close()
			return
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	go conn.readLoop()

	select {
	case s.connCh <- conn:
	default:
		// Nobody waiting; connection is still served, just not handed out.
	}
}

func (s *Server) dropConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// dispatchAdapterCall answers one adapter:call frame.
func (s *Server) dispatchAdapterCall(conn *Conn, f *Frame) {
	timeout := 30 * time.Second
	if f.TimeoutMs > 0 {
		timeout = time.Duration(f.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp := &Frame{Type: TypeAdapterResponse, RequestID: f.RequestID}
	adapter, ok := s.adapters[f.Adapter]
	if !ok {
		metrics.IPCCallsTotal.WithLabelValues(f.Adapter, "error").Inc()
		resp.Error = errdefs.ToJSON(errdefs.Newf(errdefs.CodePlatform, "unknown adapter %q", f.Adapter).
			WithDetail("service", f.Adapter))
		_ = conn.Send(resp)
		return
	}

	result, err := adapter.Call(ctx, f.Method, f.Args)
	if err != nil {
		metrics.IPCCallsTotal.WithLabelValues(f.Adapter, "error").Inc()
		resp.Error = errdefs.ToJSON(err)
	} else {
		metrics.IPCCallsTotal.WithLabelValues(f.Adapter, "ok").Inc()
		resp.Result = result
	}
	_ = conn.Send(resp)
}

// Conn is one child connection. Adapter calls are answered internally;
// every other inbound frame is delivered on Recv.
type Conn struct {
	raw    net.Conn
	server *Server
	reader *bufio.Reader

	writeMu sync.Mutex
	recvCh  chan *Frame
	done    chan struct{}
	once    sync.Once
}

func newConn(raw net.Conn, server *Server) *Conn {
	return &Conn{
		raw:    raw,
		server: server,
		reader: bufio.NewReaderSize(raw, 64*1024),
		recvCh: make(chan *Frame, 32),
		done:   make(chan struct{}),
	}
}

// Send writes one frame. Frames are serialized whole lines under a mutex so
// concurrent adapter responses never interleave.
func (c *Conn) Send(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.raw.Write(append(data, '\n'))
	return err
}

// Recv returns the channel of non-adapter frames. Consumers should select
// on Done as well; the channel is only closed once the read loop exits.
func (c *Conn) Recv() <-chan *Frame {
	return c.recvCh
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. The read loop owns recvCh and closes it
// on exit; closing the raw socket here unblocks it.
func (c *Conn) Close() {
	c.once.Do(func() {
		_ = c.raw.Close()
		close(c.done)
		if c.server != nil {
			c.server.dropConn(c)
		}
	})
}

// readFrame reads a single frame with a deadline; used for the auth
// handshake before the read loop starts.
func (c *Conn) readFrame(timeout time.Duration) (*Frame, error) {
	_ = c.raw.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.raw.SetReadDeadline(time.Time{}) }()

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &f, nil
}

func (c *Conn) readLoop() {
	defer func() {
		c.Close()
		close(c.recvCh)
	}()
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return
		}
		if len(line) > maxFrameSize {
			return
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		if f.Type == TypeAdapterCall {
			go c.server.dispatchAdapterCall(c, &f)
			continue
		}
		select {
		case c.recvCh <- &f:
		case <-c.done:
			return
		}
	}
}
