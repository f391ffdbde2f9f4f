package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/handler"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/plugins"
	"github.com/kb-labs/runtime/pkg/subprocess"
)

// bootstrapCmd is the re-exec entrypoint for subprocess and pool workers.
// The parent passes the IPC socket and auth token through the environment;
// everything else the child needs arrives over the wire.
var bootstrapCmd = &cobra.Command{
	Use:    "bootstrap",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if os.Getenv("KB_IPC_SOCKET") == "" {
			return fmt.Errorf("bootstrap must be launched by the runtime")
		}
		// The parent delivers its effective configuration through
		// KB_RAW_CONFIG_JSON; Load overlays it with the env overrides.
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: true,
			Output:     os.Stderr,
		})

		handlers := handler.NewRegistry()
		if err := registerBuiltins(plugins.NewRegistry(), handlers); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return subprocess.NewChild(handlers).Serve(ctx)
	},
}
