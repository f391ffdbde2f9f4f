package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kb-labs/runtime/pkg/engine"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/plugins"
	"github.com/kb-labs/runtime/pkg/types"
)

// Event is the handler-facing input for each WebSocket lifecycle callback.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Host mounts manifest ws channels and drives their handlers through the
// execution façade. One goroutine per connection reads frames; writes go
// through the connection registry.
type Host struct {
	engine   *engine.Engine
	plugins  *plugins.Registry
	conns    *Registry
	upgrader websocket.Upgrader
	router   chi.Router
	logger   zerolog.Logger
}

// NewHost builds the WebSocket host adapter.
func NewHost(eng *engine.Engine, reg *plugins.Registry, conns *Registry) *Host {
	h := &Host{
		engine:  eng,
		plugins: reg,
		conns:   conns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("ws"),
	}

	r := chi.NewRouter()
	r.Get("/v1/ws/{pluginID}/*", h.serve)
	h.router = r
	return h
}

// Handler exposes the router for mounting and tests.
func (h *Host) Handler() http.Handler { return h.router }

// Connections exposes the registry for targeted/broadcast delivery.
func (h *Host) Connections() *Registry { return h.conns }

func (h *Host) serve(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "pluginID")
	channel := "/" + chi.URLParam(r, "*")

	manifest, err := h.plugins.Resolve(pluginID, r.URL.Query().Get("version"))
	if err != nil {
		http.Error(w, "unknown plugin", http.StatusNotFound)
		return
	}
	ref, ok := manifest.Channel(channel)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	// Registry channels are scoped by plugin so two plugins can mount the
	// same path without sharing broadcasts.
	conn := NewConn(manifest.ID+channel, r.RemoteAddr, sock)
	h.conns.Add(conn)
	defer func() {
		h.conns.Remove(conn)
		_ = sock.Close()
	}()

	// The connect callback gates the session: a failing handler closes the
	// socket with 1011 before any messages flow.
	if _, err := h.dispatch(r.Context(), manifest, ref, conn, Event{Event: "connect"}); err != nil {
		h.logger.Debug().Err(err).Str("channel", channel).Msg("connect handler rejected session")
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, string(errdefs.GetCode(err))),
			time.Now().Add(time.Second))
		return
	}

	h.readLoop(r.Context(), manifest, ref, conn, sock)

	// Best-effort; the peer may already be gone.
	_, _ = h.dispatch(context.Background(), manifest, ref, conn, Event{Event: "disconnect"})
}

func (h *Host) readLoop(ctx context.Context, manifest *types.Manifest, ref types.HandlerRef, conn *Conn, sock *websocket.Conn) {
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(conn, "", errdefs.New(errdefs.CodeValidation, "message is not valid JSON"))
			continue
		}

		result, err := h.dispatch(ctx, manifest, ref, conn, Event{Event: "message", Payload: msg.Payload})
		if err != nil {
			h.sendError(conn, msg.MessageID, err)
			continue
		}

		reply := NewMessage("result", result.Data)
		if msg.MessageID != "" {
			reply.MessageID = msg.MessageID
		}
		if err := conn.Send(reply); err != nil {
			return
		}
	}
}

// dispatch runs one lifecycle event through the execution façade. Handler
// failures come back as errors carrying their wire code.
func (h *Host) dispatch(ctx context.Context, manifest *types.Manifest, ref types.HandlerRef, conn *Conn, event Event) (*types.ExecutionResult, error) {
	input, err := json.Marshal(event)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeValidation)
	}

	req := &types.ExecutionRequest{
		Descriptor: &types.ContextDescriptor{
			HostType:      types.HostWS,
			PluginID:      manifest.ID,
			PluginVersion: manifest.Version,
			RequestID:     uuid.New().String(),
			HandlerID:     ref.ID(),
			Permissions:   manifest.Permissions,
			HostContext: types.HostContext{
				WS: &types.WSHostContext{
					Channel:      conn.Channel,
					ConnectionID: conn.ID,
					Sender:       conn.Sender,
				},
			},
		},
		PluginRoot: manifest.Root,
		HandlerRef: ref,
		Input:      input,
	}

	result, err := h.engine.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, errdefs.FromJSON(result.Error)
	}
	return result, nil
}

func (h *Host) sendError(conn *Conn, messageID string, err error) {
	msg := NewMessage("error", errdefs.ToJSON(err))
	if messageID != "" {
		msg.MessageID = messageID
	}
	if sendErr := conn.Send(msg); sendErr != nil {
		h.logger.Debug().Err(sendErr).Msg("failed to deliver error message")
	}
}
