package ws

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (c *captureWriter) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, v.(Message))
	return nil
}

func (c *captureWriter) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	a := NewConn("chat", "peer-a", &captureWriter{})
	b := NewConn("chat", "peer-b", &captureWriter{})

	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Count())
	assert.Len(t, r.Channel("chat"), 2)

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)

	r.Remove(a)
	r.Remove(a) // second remove is a no-op
	assert.Equal(t, 1, r.Count())
	_, ok = r.Get(a.ID)
	assert.False(t, ok)

	r.Remove(b)
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Channel("chat"))
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()
	healthy := &captureWriter{}
	broken := &captureWriter{err: errors.New("peer gone")}

	r.Add(NewConn("chat", "a", healthy))
	r.Add(NewConn("chat", "b", broken))
	r.Add(NewConn("other", "c", &captureWriter{}))

	delivered := r.Broadcast("chat", NewMessage("notice", nil))
	assert.Equal(t, 1, delivered)

	require.Len(t, healthy.received(), 1)
	assert.Equal(t, "notice", healthy.received()[0].Type)
}

func TestRegistryBroadcastSurvivesConcurrentRemove(t *testing.T) {
	r := NewRegistry()
	conns := make([]*Conn, 0, 16)
	for i := 0; i < 16; i++ {
		c := NewConn("chat", "peer", &captureWriter{})
		conns = append(conns, c)
		r.Add(c)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, c := range conns {
			r.Remove(c)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 16; i++ {
			r.Broadcast("chat", NewMessage("tick", nil))
		}
	}()
	wg.Wait()
	assert.Equal(t, 0, r.Count())
}
