package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/runtime/pkg/engine"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/plugins"
	"github.com/kb-labs/runtime/pkg/types"
)

type channelRunner struct {
	failConnect bool
}

func (c *channelRunner) Name() types.Backend { return types.BackendInProcess }

func (c *channelRunner) Run(ctx context.Context, inv executor.Invocation) (*types.HandlerResult, error) {
	var event Event
	if err := json.Unmarshal(inv.Request.Input, &event); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeValidation)
	}
	switch event.Event {
	case "connect":
		if c.failConnect {
			return nil, errdefs.New(errdefs.CodePermissionDenied, "connect denied")
		}
		return &types.HandlerResult{}, nil
	case "message":
		return &types.HandlerResult{Data: event.Payload}, nil
	default:
		return &types.HandlerResult{}, nil
	}
}

func newTestHost(t *testing.T, runner *channelRunner) *Host {
	t.Helper()
	reg := plugins.NewRegistry()
	require.NoError(t, reg.Register(&types.Manifest{
		ID:      "chat",
		Version: "1.0.0",
		Channels: []types.ManifestChannel{
			{Path: "/v1/room", Handler: types.HandlerRef{File: "room.go", Export: "Room"}},
		},
	}))
	return NewHost(engine.New(engine.Options{Runner: runner}), reg, NewRegistry())
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func TestHostMessageRoundTrip(t *testing.T) {
	h := newTestHost(t, &channelRunner{})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/v1/ws/chat/v1/room")
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Connections().Count() == 1 }, time.Second, 5*time.Millisecond)

	out := NewMessage("message", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, conn.WriteJSON(out))

	var reply Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "result", reply.Type)
	assert.Equal(t, out.MessageID, reply.MessageID)
	assert.JSONEq(t, `{"text":"hi"}`, string(reply.Payload))
}

func TestHostConnectFailureCloses1011(t *testing.T) {
	h := newTestHost(t, &channelRunner{failConnect: true})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/v1/ws/chat/v1/room")
	defer conn.Close()

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestHostHandlerErrorBecomesErrorMessage(t *testing.T) {
	h := newTestHost(t, &channelRunner{})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/v1/ws/chat/v1/room")
	defer conn.Close()

	// Not JSON at all: the host answers with an error message instead of
	// dropping the connection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var reply Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)

	wireErr := errdefs.FromJSON(reply.Payload)
	assert.Equal(t, errdefs.CodeValidation, wireErr.Code)
}

func TestHostUnknownChannelRejectsUpgrade(t *testing.T) {
	h := newTestHost(t, &channelRunner{})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws/chat/v1/ghost"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHostDeregistersOnDisconnect(t *testing.T) {
	h := newTestHost(t, &channelRunner{})
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/v1/ws/chat/v1/room")
	require.Eventually(t, func() bool { return h.Connections().Count() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Connections().Count() == 0 }, time.Second, 5*time.Millisecond)
}
