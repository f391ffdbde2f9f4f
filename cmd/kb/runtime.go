package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/degrade"
	"github.com/kb-labs/runtime/pkg/engine"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/handler"
	"github.com/kb-labs/runtime/pkg/invoke"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/platform"
	"github.com/kb-labs/runtime/pkg/pluginctx"
	"github.com/kb-labs/runtime/pkg/plugins"
	"github.com/kb-labs/runtime/pkg/snapshot"
	"github.com/kb-labs/runtime/pkg/trace"
	"github.com/kb-labs/runtime/pkg/workspace"
)

// core bundles the process-wide registries and services. They are built
// once per command invocation and passed explicitly; nothing here is a
// package-level singleton.
type core struct {
	cfg       *config.Config
	services  *platform.Services
	storage   *platform.BoltStorage
	snapshots *snapshot.Store
	traces    *trace.Store
	plugins   *plugins.Registry
	handlers  *handler.Registry
	broker    *invoke.Broker
	factory   *pluginctx.Factory
	cwd       string
}

func buildCore(cmd *cobra.Command) (*core, error) {
	configPath, _ := cmd.Flags().GetString("config")
	pluginsDir, _ := cmd.Flags().GetString("plugins-dir")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	// Spawned workers inherit the environment, so the effective config
	// reaches every bootstrap without touching their argv.
	logger := log.WithComponent("runtime")
	if raw, rawErr := cfg.RawJSON(); rawErr == nil {
		os.Setenv("KB_RAW_CONFIG_JSON", raw)
	} else {
		logger.Warn().Err(rawErr).Msg("failed to export raw config")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	storage, err := platform.NewBoltStorage(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	events := platform.NewBroker()
	events.Start()

	services := &platform.Services{
		Storage: storage,
		Events:  events,
		LLM:     platform.NoopLLM{},
		Vector:  platform.NoopVector{},
	}
	if cfg.RedisAddr != "" {
		services.Cache = platform.NewRedisCache(cfg.RedisAddr)
	} else {
		services.Cache = platform.NewMemoryCache()
	}
	if cfg.WorkflowServiceURL != "" {
		services.Workflows = platform.NewWorkflowClient(cfg.WorkflowServiceURL)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	reg := plugins.NewRegistry()
	if pluginsDir != "" {
		if _, statErr := os.Stat(pluginsDir); statErr == nil {
			n, loadErr := reg.LoadDir(pluginsDir)
			if loadErr != nil {
				return nil, loadErr
			}
			plugLogger := log.WithComponent("plugins")
			plugLogger.Info().Int("count", n).Str("dir", pluginsDir).Msg("plugins loaded")
		}
	}
	handlers := handler.NewRegistry()
	if err := registerBuiltins(reg, handlers); err != nil {
		return nil, err
	}

	traces := trace.NewStore(cwd, cfg.Invoke.TraceKeep)
	broker := invoke.NewBroker(cfg.Invoke, reg, traces)

	c := &core{
		cfg:       cfg,
		services:  services,
		storage:   storage,
		snapshots: snapshot.NewStore(cwd, cfg.SnapshotKeep),
		traces:    traces,
		plugins:   reg,
		handlers:  handlers,
		broker:    broker,
		cwd:       cwd,
	}
	c.factory = &pluginctx.Factory{
		Services:  services,
		Snapshots: c.snapshots,
		Mode:      cfg.SandboxMode,
		Trace:     cfg.SandboxTrace,
		Invoker:   broker,
	}
	return c, nil
}

// newEngine builds the execution façade over a backend and closes the
// invoke loop through it.
func (c *core) newEngine(runner executor.Runner, ctl *degrade.Controller, ui pluginctx.UI) *engine.Engine {
	eng := engine.New(engine.Options{
		Runner:         runner,
		Workspaces:     c.workspaces(),
		Degrade:        ctl,
		Traces:         c.traces,
		Events:         c.services.Events,
		UI:             ui,
		DefaultTimeout: c.cfg.DefaultTimeout,
	})
	c.broker.Bind(eng)
	return eng
}

// workspaces routes explicit workspace ids through the on-disk registry and
// everything else onto the local directory.
func (c *core) workspaces() workspace.Manager {
	return &hybridWorkspaces{
		local:    workspace.NewLocalManager(c.cwd),
		registry: workspace.NewRegistryManager(c.cwd),
	}
}

type hybridWorkspaces struct {
	local    *workspace.LocalManager
	registry *workspace.RegistryManager
}

func (h *hybridWorkspaces) Acquire(ctx context.Context, workspaceID, pluginRoot string) (*workspace.Lease, error) {
	if workspaceID == "" {
		return h.local.Acquire(ctx, workspaceID, pluginRoot)
	}
	return h.registry.Acquire(ctx, workspaceID, pluginRoot)
}

func (c *core) close() {
	c.services.Events.Stop()
	if err := c.storage.Close(); err != nil {
		logger := log.WithComponent("runtime")
		logger.Warn().Err(err).Msg("failed to close storage")
	}
}
