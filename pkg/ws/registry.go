package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kb-labs/runtime/pkg/metrics"
)

// Message is the wire shape exchanged with WebSocket clients.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage stamps a message with an id and the current time.
func NewMessage(msgType string, payload json.RawMessage) Message {
	return Message{
		Type:      msgType,
		Payload:   payload,
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
	}
}

type jsonWriter interface {
	WriteJSON(v any) error
}

// Conn is one registered WebSocket connection. Writes are serialized; the
// underlying gorilla connection does not allow concurrent writers.
type Conn struct {
	ID      string
	Channel string
	Sender  string

	mu sync.Mutex
	w  jsonWriter
}

// NewConn wraps a writer as a registered connection.
func NewConn(channel, sender string, w jsonWriter) *Conn {
	return &Conn{
		ID:      uuid.New().String(),
		Channel: channel,
		Sender:  sender,
		w:       w,
	}
}

// Send delivers one message to this connection.
func (c *Conn) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WriteJSON(msg)
}

// Registry tracks active connections per channel for targeted and broadcast
// delivery. Inserts and removals happen on the WS lifecycle callbacks;
// broadcast iterates a snapshot so concurrent closes do not invalidate the
// loop.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Conn
	byID     map[string]*Conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]map[string]*Conn),
		byID:     make(map[string]*Conn),
	}
}

// Add registers a connection under its channel.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[c.Channel] == nil {
		r.channels[c.Channel] = make(map[string]*Conn)
	}
	r.channels[c.Channel][c.ID] = c
	r.byID[c.ID] = c
	metrics.WSConnections.Set(float64(len(r.byID)))
}

// Remove deregisters a connection. Removing twice is a no-op.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns := r.channels[c.Channel]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(r.channels, c.Channel)
		}
	}
	delete(r.byID, c.ID)
	metrics.WSConnections.Set(float64(len(r.byID)))
}

// Get returns a connection by id for targeted delivery.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

// Channel returns a snapshot of the connections on a channel.
func (r *Registry) Channel(channel string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.channels[channel]))
	for _, c := range r.channels[channel] {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Broadcast sends a message to every connection on a channel and reports
// how many deliveries succeeded. Failed connections are left for the read
// loop to reap.
func (r *Registry) Broadcast(channel string, msg Message) int {
	delivered := 0
	for _, c := range r.Channel(channel) {
		if err := c.Send(msg); err == nil {
			delivered++
		}
	}
	return delivered
}
