package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/executor"
	"github.com/kb-labs/runtime/pkg/subprocess"
	"github.com/kb-labs/runtime/pkg/types"
)

// cliUI prints plugin output to the terminal.
type cliUI struct{}

func (cliUI) Print(msg string) { fmt.Println(msg) }
func (cliUI) Warn(msg string)  { fmt.Fprintln(os.Stderr, msg) }

var runCmd = &cobra.Command{
	Use:   "run PLUGIN[@VERSION] COMMAND [-- ARGS...]",
	Short: "Run a plugin command from the CLI host",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildCore(cmd)
		if err != nil {
			return err
		}
		defer c.close()

		pluginSpec, command := args[0], args[1]
		pluginID, version := pluginSpec, ""
		if at := strings.LastIndex(pluginSpec, "@"); at > 0 {
			pluginID, version = pluginSpec[:at], pluginSpec[at+1:]
		}

		manifest, err := c.plugins.Resolve(pluginID, version)
		if err != nil {
			return exit(cmd, err, nil, time.Now(), "")
		}
		ref, ok := manifest.Command(command)
		if !ok {
			return exit(cmd, errdefs.Newf(errdefs.CodeHandlerNotFound, "plugin %s has no command %q", pluginID, command), nil, time.Now(), "")
		}

		inputJSON, _ := cmd.Flags().GetString("input")
		var input json.RawMessage
		if inputJSON != "" {
			if !json.Valid([]byte(inputJSON)) {
				return exit(cmd, errdefs.New(errdefs.CodeValidation, "--input is not valid JSON"), nil, time.Now(), "")
			}
			input = json.RawMessage(inputJSON)
		}

		timeoutMs, _ := cmd.Flags().GetInt64("timeout-ms")
		req := &types.ExecutionRequest{
			Descriptor: &types.ContextDescriptor{
				HostType:      types.HostCLI,
				PluginID:      manifest.ID,
				PluginVersion: manifest.Version,
				RequestID:     uuid.New().String(),
				HandlerID:     ref.ID(),
				CommandID:     command,
				Permissions:   manifest.Permissions,
				HostContext: types.HostContext{
					CLI: &types.CLIHostContext{Argv: args[2:]},
				},
			},
			PluginRoot: manifest.Root,
			HandlerRef: ref,
			Input:      input,
			TimeoutMs:  timeoutMs,
		}

		var runner executor.Runner
		if isolate, _ := cmd.Flags().GetBool("isolate"); isolate {
			runner = subprocess.NewRunner(c.services, "")
		} else {
			runner = executor.NewInProcess(c.handlers, c.factory)
		}
		eng := c.newEngine(runner, nil, cliUI{})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		started := time.Now()
		result, err := eng.Execute(ctx, req)
		return exit(cmd, err, result, started, req.Descriptor.RequestID)
	},
}

func init() {
	runCmd.Flags().String("input", "", "JSON input passed to the handler")
	runCmd.Flags().Int64("timeout-ms", 0, "Execution timeout in milliseconds (0 = default)")
	runCmd.Flags().Bool("isolate", false, "Run the handler in a one-shot subprocess")
	runCmd.Flags().Bool("json", false, "Render the result envelope as JSON")
}

// cliEnvelope is the JSON-mode rendering of one CLI execution.
type cliEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	Meta   struct {
		RequestID  string `json:"requestId"`
		DurationMs int64  `json:"durationMs"`
		APIVersion string `json:"apiVersion"`
	} `json:"meta"`
}

// exit renders the outcome and terminates with the mapped exit code.
// Returns only on success in human mode.
func exit(cmd *cobra.Command, err error, result *types.ExecutionResult, started time.Time, requestID string) error {
	jsonMode, _ := cmd.Flags().GetBool("json")

	var failure *errdefs.Error
	if err != nil {
		failure = errdefs.FromAny(err)
	} else if result != nil && !result.OK {
		failure = errdefs.FromJSON(result.Error)
	}

	if jsonMode {
		env := cliEnvelope{Status: "ok"}
		env.Meta.RequestID = requestID
		env.Meta.DurationMs = time.Since(started).Milliseconds()
		env.Meta.APIVersion = "v1"
		if result != nil {
			env.Data = result.Data
		}
		if failure != nil {
			env.Status = "error"
			env.Error = errdefs.ToJSON(failure)
			env.Data = nil
		}
		out, _ := json.MarshalIndent(env, "", "  ")
		fmt.Println(string(out))
	} else if failure != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", failure.Code, failure.Message)
	} else if result != nil && len(result.Data) > 0 {
		fmt.Println(string(result.Data))
	}

	if failure != nil {
		os.Exit(errdefs.ExitCode(failure))
	}
	return nil
}
