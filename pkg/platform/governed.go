package platform

import (
	"context"
	"encoding/json"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/permissions"
	"github.com/kb-labs/runtime/pkg/snapshot"
)

// Governed wraps the platform services with the permission evaluator. The
// gated sections (workflows, jobs, snapshot, execution) are pre-checked per
// call; the adapter is only invoked if the check passes. Ungated services
// (cache, storage, llm, vector, events) pass through with a plugin-scoped
// view.
type Governed struct {
	services  *Services
	snapshots *snapshot.Store
	eval      *permissions.Evaluator
	pluginID  string
}

// NewGoverned builds the governance proxy for one invocation.
func NewGoverned(services *Services, snapshots *snapshot.Store, eval *permissions.Evaluator, pluginID string) *Governed {
	return &Governed{services: services, snapshots: snapshots, eval: eval, pluginID: pluginID}
}

// Cache returns the ungated cache service.
func (g *Governed) Cache() Cache {
	if g.services.Cache == nil {
		return NewMemoryCache()
	}
	return g.services.Cache
}

// Events returns the ungated event broker.
func (g *Governed) Events() *Broker {
	return g.services.Events
}

// LLM returns the ungated language-model service.
func (g *Governed) LLM() LLM {
	if g.services.LLM == nil {
		return NoopLLM{}
	}
	return g.services.LLM
}

// Vector returns the ungated vector service.
func (g *Governed) Vector() Vector {
	if g.services.Vector == nil {
		return NoopVector{}
	}
	return g.services.Vector
}

// StorageGet reads from the plugin's own storage namespace.
func (g *Governed) StorageGet(ctx context.Context, key string) ([]byte, error) {
	if g.services.Storage == nil {
		return nil, noService("storage")
	}
	return g.services.Storage.Get(ctx, g.pluginID, key)
}

// StorageSet writes to the plugin's own storage namespace.
func (g *Governed) StorageSet(ctx context.Context, key string, value []byte) error {
	if g.services.Storage == nil {
		return noService("storage")
	}
	return g.services.Storage.Set(ctx, g.pluginID, key, value)
}

// StorageDelete deletes from the plugin's own storage namespace.
func (g *Governed) StorageDelete(ctx context.Context, key string) error {
	if g.services.Storage == nil {
		return noService("storage")
	}
	return g.services.Storage.Delete(ctx, g.pluginID, key)
}

// StorageList lists keys in the plugin's own storage namespace.
func (g *Governed) StorageList(ctx context.Context, prefix string) ([]string, error) {
	if g.services.Storage == nil {
		return nil, noService("storage")
	}
	return g.services.Storage.List(ctx, g.pluginID, prefix)
}

// WorkflowStart starts a workflow if platform.workflows grants it.
func (g *Governed) WorkflowStart(ctx context.Context, namespace, workflow string, input []byte) (string, error) {
	if err := g.eval.CheckPlatform("workflows", "start", namespace); err != nil {
		return "", err
	}
	if g.services.Workflows == nil {
		return "", noService("workflows")
	}
	return g.services.Workflows.Start(ctx, namespace, workflow, input)
}

// JobEnqueue enqueues a job if platform.jobs grants it.
func (g *Governed) JobEnqueue(ctx context.Context, job string, input []byte) (string, error) {
	if err := g.eval.CheckPlatform("jobs", "enqueue", ""); err != nil {
		return "", err
	}
	if g.services.Workflows == nil {
		return "", noService("jobs")
	}
	return g.services.Workflows.Enqueue(ctx, job, input)
}

// JobStatus reads a job's status if platform.jobs grants it.
func (g *Governed) JobStatus(ctx context.Context, id string) (*WorkflowStatus, error) {
	if err := g.eval.CheckPlatform("jobs", "status", ""); err != nil {
		return nil, err
	}
	if g.services.Workflows == nil {
		return nil, noService("jobs")
	}
	return g.services.Workflows.Status(ctx, id)
}

// SnapshotCreate persists a debug snapshot if platform.snapshot grants it.
func (g *Governed) SnapshotCreate(label string, data json.RawMessage) (*snapshot.Snapshot, error) {
	if err := g.eval.CheckPlatform("snapshot", "create", ""); err != nil {
		return nil, err
	}
	if g.snapshots == nil {
		return nil, noService("snapshot")
	}
	return g.snapshots.Create(g.pluginID, label, data)
}

// SnapshotGet loads a debug snapshot if platform.snapshot grants it.
func (g *Governed) SnapshotGet(id string) (*snapshot.Snapshot, error) {
	if err := g.eval.CheckPlatform("snapshot", "get", ""); err != nil {
		return nil, err
	}
	if g.snapshots == nil {
		return nil, noService("snapshot")
	}
	return g.snapshots.Get(id)
}

func noService(name string) error {
	return errdefs.Newf(errdefs.CodePlatform, "platform service %s not configured", name).
		WithDetail("service", name)
}
