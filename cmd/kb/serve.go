package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kb-labs/runtime/pkg/api"
	"github.com/kb-labs/runtime/pkg/degrade"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/pool"
	"github.com/kb-labs/runtime/pkg/schedule"
	"github.com/kb-labs/runtime/pkg/subprocess"
	"github.com/kb-labs/runtime/pkg/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST and WebSocket hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildCore(cmd)
		if err != nil {
			return err
		}
		defer c.close()
		logger := log.WithComponent("serve")

		// Degradation controller samples CPU/memory through procfs and the
		// queue through the cache adapter; off Linux the sampler is absent
		// and the controller stays at normal.
		var ctl *degrade.Controller
		sampler, err := degrade.NewProcSampler(c.services.Cache)
		if err != nil {
			logger.Warn().Err(err).Msg("load sampling unavailable, degradation disabled")
			ctl = degrade.NewController(c.cfg.Degrade, nil, c.services.Events)
		} else {
			ctl = degrade.NewController(c.cfg.Degrade, sampler, c.services.Events)
			ctl.Start()
			defer ctl.Stop()
		}

		// Backend selection. The pool is the default; subprocess trades
		// latency for per-request isolation; inprocess is for development.
		backend, _ := cmd.Flags().GetString("backend")
		var runner executor.Runner
		var workers *pool.Pool
		switch backend {
		case "pool":
			workers = pool.New(c.cfg.Pool, c.services, "")
			if err := workers.Start(); err != nil {
				return err
			}
			defer workers.Shutdown()
			workers.Warmup(markedHandlers(c))
			runner = workers
		case "subprocess":
			runner = subprocess.NewRunner(c.services, "")
		case "inprocess":
			runner = executor.NewInProcess(c.handlers, c.factory)
		default:
			return fmt.Errorf("unknown backend %q (want pool, subprocess, or inprocess)", backend)
		}

		eng := c.newEngine(runner, ctl, nil)

		// Cron schedules fire against the same façade and pause under load.
		schedules := schedule.NewRunner(eng, ctl, c.services.Events)
		for _, m := range c.plugins.List() {
			if err := schedules.Mount(m); err != nil {
				return err
			}
		}
		schedules.Start()
		defer schedules.Stop()

		rest := api.NewServer(api.Options{
			Engine:   eng,
			Registry: c.plugins,
			Pool:     workers,
			Traces:   c.traces,
			Degrade:  ctl,
		})
		wsHost := ws.NewHost(eng, c.plugins, ws.NewRegistry())

		mux := http.NewServeMux()
		mux.Handle("/v1/ws/", wsHost.Handler())
		mux.Handle("/", rest.Handler())
		srv := &http.Server{
			Addr:         c.cfg.Serve.RESTAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		health := api.NewHealthServer(workers, ctl)

		errCh := make(chan error, 2)
		go func() {
			logger.Info().Str("addr", c.cfg.Serve.RESTAddr).Str("backend", backend).Msg("hosts listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("host server error: %w", err)
			}
		}()
		go func() {
			if err := health.Start(c.cfg.Serve.HealthAddr); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("health server error: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("server failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("host shutdown incomplete")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("backend", "pool", "Execution backend: pool, subprocess, or inprocess")
}

// markedHandlers collects handler ids from plugins flagged for warmup.
func markedHandlers(c *core) []string {
	var marked []string
	for _, m := range c.plugins.List() {
		warm := false
		for _, cap := range m.Capabilities {
			if cap == "warm" {
				warm = true
				break
			}
		}
		if !warm {
			continue
		}
		for _, r := range m.Routes {
			marked = append(marked, m.ID+"/"+r.Handler.ID())
		}
		for _, cmd := range m.Commands {
			marked = append(marked, m.ID+"/"+cmd.Handler.ID())
		}
	}
	return marked
}
