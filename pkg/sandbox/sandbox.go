package sandbox

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/kb-labs/runtime/pkg/config"
	"github.com/kb-labs/runtime/pkg/permissions"
)

// Runtime is the sandboxed runtime facade handed to plugin code. It bundles
// the fs, fetch and env sub-facades, all bound to one permission evaluator.
// Every call passes through the evaluator before touching the real system.
type Runtime struct {
	FS    *FS
	Fetch *Fetch
	Env   *Env

	mode   config.SandboxMode
	logger zerolog.Logger
}

// Options configure a Runtime.
type Options struct {
	Evaluator  *permissions.Evaluator
	Mode       config.SandboxMode
	Trace      bool
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// New builds a Runtime bound to the given evaluator.
func New(opts Options) *Runtime {
	if opts.Mode == "" {
		opts.Mode = config.SandboxEnforce
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Runtime{
		FS:     &FS{eval: opts.Evaluator},
		Fetch:  &Fetch{eval: opts.Evaluator, client: opts.HTTPClient},
		Env:    &Env{eval: opts.Evaluator},
		mode:   opts.Mode,
		logger: opts.Logger,
	}
}

// Mode returns the hardening posture the runtime was built with.
func (r *Runtime) Mode() config.SandboxMode { return r.mode }

// ShellAllowed reports whether plugin code may use the shell API module.
// Enforce blocks it, warn allows with a logged warning, compat allows
// silently.
func (r *Runtime) ShellAllowed() bool {
	switch r.mode {
	case config.SandboxWarn:
		r.logger.Warn().Msg("shell access permitted in warn mode")
		return true
	case config.SandboxCompat:
		return true
	default:
		return false
	}
}
