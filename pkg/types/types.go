package types

import (
	"encoding/json"
	"time"
)

// HostType identifies the entrypoint kind that submitted an execution.
type HostType string

const (
	HostCLI      HostType = "cli"
	HostREST     HostType = "rest"
	HostWS       HostType = "ws"
	HostWorkflow HostType = "workflow"
	HostWebhook  HostType = "webhook"
	HostJob      HostType = "job"
	HostCron     HostType = "cron"
)

// HandlerRef points at a handler exported by a plugin: file is relative to
// the plugin root, Export is the named symbol.
type HandlerRef struct {
	File   string `json:"file"`
	Export string `json:"export"`
}

// ID renders the registry key form "file#export".
func (r HandlerRef) ID() string {
	return r.File + "#" + r.Export
}

// FSPermissions lists path patterns granted in addition to the implicit
// grants (cwd for reads, outdir for writes).
type FSPermissions struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
}

// NetworkPermissions lists host/URL patterns a plugin may fetch.
// Empty means deny all.
type NetworkPermissions struct {
	Fetch []string `json:"fetch,omitempty"`
}

// EnvPermissions lists environment variable names a plugin may read.
// A trailing "*" makes an entry a prefix wildcard.
type EnvPermissions struct {
	Read []string `json:"read,omitempty"`
}

// InvokePermissions authorizes cross-plugin calls. Deny entries win, then
// exact route grants, then plugin-level grants; the default is deny.
type InvokePermissions struct {
	Routes  []string `json:"routes,omitempty"`
	Plugins []string `json:"plugins,omitempty"`
	Deny    []string `json:"deny,omitempty"`
}

// PlatformGate gates one platform API. A bare boolean enables all
// operations; Operations and Scopes narrow it.
type PlatformGate struct {
	Enabled    bool     `json:"enabled"`
	Operations []string `json:"operations,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
}

// PlatformPermissions gates access to the governed platform APIs.
type PlatformPermissions struct {
	Workflows *PlatformGate `json:"workflows,omitempty"`
	Jobs      *PlatformGate `json:"jobs,omitempty"`
	Snapshot  *PlatformGate `json:"snapshot,omitempty"`
	Execution *PlatformGate `json:"execution,omitempty"`
}

// Permissions is the full permission lattice declared by a manifest.
type Permissions struct {
	FS       FSPermissions       `json:"fs,omitempty"`
	Network  NetworkPermissions  `json:"network,omitempty"`
	Env      EnvPermissions      `json:"env,omitempty"`
	Invoke   InvokePermissions   `json:"invoke,omitempty"`
	Platform PlatformPermissions `json:"platform,omitempty"`
}

// CLIHostContext carries CLI-specific invocation data.
type CLIHostContext struct {
	Argv  []string          `json:"argv,omitempty"`
	Flags map[string]string `json:"flags,omitempty"`
}

// RESTHostContext carries REST-specific invocation data.
type RESTHostContext struct {
	Method  string              `json:"method,omitempty"`
	Path    string              `json:"path,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// WSHostContext carries WebSocket-specific invocation data.
type WSHostContext struct {
	Channel      string `json:"channel,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Sender       string `json:"sender,omitempty"`
}

// HostContext is a tagged variant: exactly one of the host-specific records
// is set, matching the descriptor's HostType.
type HostContext struct {
	CLI  *CLIHostContext  `json:"cli,omitempty"`
	REST *RESTHostContext `json:"rest,omitempty"`
	WS   *WSHostContext   `json:"ws,omitempty"`
}

// TraceHeaders returns inbound trace correlation headers, if any.
func (h HostContext) TraceHeaders() map[string][]string {
	if h.REST != nil {
		return h.REST.Headers
	}
	return nil
}

// ContextDescriptor is the serializable, IPC-safe snapshot of an
// invocation's identity and permissions.
type ContextDescriptor struct {
	HostType      HostType    `json:"hostType"`
	PluginID      string      `json:"pluginId"`
	PluginVersion string      `json:"pluginVersion"`
	RequestID     string      `json:"requestId,omitempty"`
	TraceID       string      `json:"traceId,omitempty"`
	SpanID        string      `json:"spanId,omitempty"`
	InvocationID  string      `json:"invocationId,omitempty"`
	ExecutionID   string      `json:"executionId,omitempty"`
	HandlerID     string      `json:"handlerId,omitempty"`
	CommandID     string      `json:"commandId,omitempty"`
	TenantID      string      `json:"tenantId,omitempty"`
	Permissions   Permissions `json:"permissions"`
	HostContext   HostContext `json:"hostContext"`

	// Chain bookkeeping for cross-plugin invokes.
	Depth          int      `json:"depth,omitempty"`
	Visited        []string `json:"visited,omitempty"`
	ChainStartedAt int64    `json:"chainStartedAt,omitempty"` // unix ms
}

// ExecutionTarget addresses a remote environment/workspace pair.
type ExecutionTarget struct {
	Namespace   string `json:"namespace"`
	Environment string `json:"environment,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
}

// ExecutionRequest is what host adapters submit to the execution engine.
type ExecutionRequest struct {
	ExecutionID string             `json:"executionId"`
	Descriptor  *ContextDescriptor `json:"descriptor"`
	PluginRoot  string             `json:"pluginRoot"`
	HandlerRef  HandlerRef         `json:"handlerRef"`
	Input       json.RawMessage    `json:"input,omitempty"`
	WorkspaceID string             `json:"workspace,omitempty"`
	TimeoutMs   int64              `json:"timeoutMs,omitempty"`
	Target      *ExecutionTarget   `json:"target,omitempty"`
	ExportName  string             `json:"exportName,omitempty"`
}

// Backend identifies the execution strategy used for a request.
type Backend string

const (
	BackendInProcess  Backend = "in-process"
	BackendSubprocess Backend = "subprocess"
	BackendWorkerPool Backend = "worker-pool"
)

// ExecutionMetadata is the standard metadata the runner stamps onto every
// handler result. Standard keys overwrite conflicting user keys.
type ExecutionMetadata struct {
	ExecutedAt    string   `json:"executedAt"`
	DurationMs    int64    `json:"duration"`
	PluginID      string   `json:"pluginId"`
	PluginVersion string   `json:"pluginVersion"`
	CommandID     string   `json:"commandId,omitempty"`
	Host          HostType `json:"host"`
	TenantID      string   `json:"tenantId,omitempty"`
	RequestID     string   `json:"requestId"`
}

// HandlerResult is what a handler returns.
type HandlerResult struct {
	ExitCode int             `json:"exitCode,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Meta     map[string]any  `json:"meta,omitempty"`
}

// ResultMetadata describes how and where an execution ran.
type ResultMetadata struct {
	Backend       Backend          `json:"backend"`
	WorkspaceID   string           `json:"workspaceId,omitempty"`
	ExecutionMeta map[string]any   `json:"executionMeta,omitempty"`
	Target        *ExecutionTarget `json:"target,omitempty"`
}

// ExecutionResult is the envelope returned by the execution engine.
type ExecutionResult struct {
	OK              bool            `json:"ok"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	Metadata        ResultMetadata  `json:"metadata"`
}

// WorkerState represents a pool worker's lifecycle state
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerIdle     WorkerState = "idle"
	WorkerBusy     WorkerState = "busy"
	WorkerDraining WorkerState = "draining"
	WorkerStopped  WorkerState = "stopped"
)

// WorkerInfo is a read-only snapshot of a pool worker.
type WorkerInfo struct {
	ID                 string      `json:"id"`
	State              WorkerState `json:"state"`
	PID                int         `json:"pid,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	RequestCount       int64       `json:"requestCount"`
	CurrentExecutionID string      `json:"currentExecutionId,omitempty"`
	LastHealthCheckAt  time.Time   `json:"lastHealthCheckAt,omitempty"`
	Healthy            bool        `json:"healthy"`
}

// ManifestRoute maps a REST route onto a plugin handler.
type ManifestRoute struct {
	Method  string     `json:"method"`
	Path    string     `json:"path"`
	Handler HandlerRef `json:"handler"`
}

// ManifestCommand maps a CLI command onto a plugin handler.
type ManifestCommand struct {
	Name    string     `json:"name"`
	Handler HandlerRef `json:"handler"`
}

// ManifestChannel maps a WS channel onto a plugin handler.
type ManifestChannel struct {
	Path    string     `json:"path"`
	Handler HandlerRef `json:"handler"`
}

// ManifestJob describes a queued job entry.
type ManifestJob struct {
	Name    string     `json:"name"`
	Handler HandlerRef `json:"handler"`
}

// ManifestCron describes a scheduled entry.
type ManifestCron struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Handler  HandlerRef `json:"handler"`
}

// Manifest holds the fields of a plugin manifest the execution subsystem
// reads. Parsing and schema validation happen upstream.
type Manifest struct {
	ID           string            `json:"id"`
	Version      string            `json:"version"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Permissions  Permissions       `json:"permissions,omitempty"`
	Commands     []ManifestCommand `json:"commands,omitempty"`
	Routes       []ManifestRoute   `json:"routes,omitempty"`
	Channels     []ManifestChannel `json:"channels,omitempty"`
	Jobs         []ManifestJob     `json:"jobs,omitempty"`
	Cron         []ManifestCron    `json:"cron,omitempty"`
	Artifacts    []string          `json:"artifacts,omitempty"`
	Root         string            `json:"-"` // plugin root directory on disk
}

// Route resolves method+path to a handler reference.
func (m *Manifest) Route(method, path string) (HandlerRef, bool) {
	for _, r := range m.Routes {
		if r.Method == method && r.Path == path {
			return r.Handler, true
		}
	}
	return HandlerRef{}, false
}

// Command resolves a CLI command name to a handler reference.
func (m *Manifest) Command(name string) (HandlerRef, bool) {
	for _, c := range m.Commands {
		if c.Name == name {
			return c.Handler, true
		}
	}
	return HandlerRef{}, false
}

// Channel resolves a WS channel path to a handler reference.
func (m *Manifest) Channel(path string) (HandlerRef, bool) {
	for _, c := range m.Channels {
		if c.Path == path {
			return c.Handler, true
		}
	}
	return HandlerRef{}, false
}
