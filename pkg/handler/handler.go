package handler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/pluginctx"
	"github.com/kb-labs/runtime/pkg/types"
)

// Func is a compiled-in plugin handler. Handlers receive the invocation
// context and the raw input payload, and return a result or an error.
type Func func(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error)

// Registry maps plugin handlers by plugin id and handler ref ("file#export").
// Handlers are linked into the binary ahead of time; the manifest's file
// path still has to exist under the plugin root so a missing artifact
// surfaces as HandlerNotFound rather than a silent misroute.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Func
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]map[string]Func)}
}

// Register binds a handler under a plugin id and handler ref. Re-registering
// the same ref replaces the previous handler.
func (r *Registry) Register(pluginID string, ref types.HandlerRef, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.handlers[pluginID]
	if m == nil {
		m = make(map[string]Func)
		r.handlers[pluginID] = m
	}
	m[ref.ID()] = fn
}

// Resolve looks up a handler for a plugin. pluginRoot, when non-empty, is
// checked for the handler file's existence.
func (r *Registry) Resolve(pluginID, pluginRoot string, ref types.HandlerRef) (Func, error) {
	r.mu.RLock()
	fn := r.handlers[pluginID][ref.ID()]
	r.mu.RUnlock()
	if fn == nil {
		return nil, errdefs.Newf(errdefs.CodeHandlerNotFound, "handler %s not registered for plugin %s", ref.ID(), pluginID).
			WithDetail("pluginId", pluginID).
			WithDetail("handler", ref.ID())
	}
	if pluginRoot != "" && ref.File != "" {
		if _, err := os.Stat(filepath.Join(pluginRoot, ref.File)); err != nil {
			return nil, errdefs.Newf(errdefs.CodeHandlerNotFound, "handler file %s not found under %s", ref.File, pluginRoot).
				WithDetail("pluginId", pluginID).
				WithDetail("handler", ref.ID())
		}
	}
	return fn, nil
}

// Plugins returns the plugin ids with at least one registered handler.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}
