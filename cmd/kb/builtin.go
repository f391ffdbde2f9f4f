package main

import (
	"encoding/json"

	"github.com/kb-labs/runtime/pkg/handler"
	"github.com/kb-labs/runtime/pkg/pluginctx"
	"github.com/kb-labs/runtime/pkg/plugins"
	"github.com/kb-labs/runtime/pkg/types"
)

// The echo plugin ships with the binary. It answers on every host and is
// what smoke tests and new deployments poke first.
var echoManifest = &types.Manifest{
	ID:           "echo",
	Version:      "1.0.0",
	Capabilities: []string{"cli", "rest", "ws"},
	Commands: []types.ManifestCommand{
		{Name: "say", Handler: types.HandlerRef{Export: "Say"}},
	},
	Routes: []types.ManifestRoute{
		{Method: "GET", Path: "/v1/echo", Handler: types.HandlerRef{Export: "Say"}},
		{Method: "POST", Path: "/v1/echo", Handler: types.HandlerRef{Export: "Say"}},
	},
	Channels: []types.ManifestChannel{
		{Path: "/v1/echo", Handler: types.HandlerRef{Export: "Say"}},
	},
}

// registerBuiltins installs the compiled-in plugins into both registries.
func registerBuiltins(reg *plugins.Registry, handlers *handler.Registry) error {
	if err := reg.Register(echoManifest); err != nil {
		return err
	}
	ref := types.HandlerRef{Export: "Say"}
	handlers.Register("echo", ref, echoHandler)
	return nil
}

func echoHandler(ctx *pluginctx.Context, input json.RawMessage) (*types.HandlerResult, error) {
	if len(input) == 0 {
		input = json.RawMessage(`null`)
	}
	out, err := json.Marshal(map[string]any{
		"echo": input,
		"host": ctx.Host,
	})
	if err != nil {
		return nil, err
	}
	return &types.HandlerResult{Data: out}, nil
}
