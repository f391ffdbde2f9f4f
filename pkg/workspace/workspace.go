package workspace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/kb-labs/runtime/pkg/errdefs"
)

// Lease is a scoped claim on a workspace. Release must be called exactly
// once on every exit path; the engine does this in a deferred scope.
type Lease struct {
	WorkspaceID string
	Cwd         string
	PluginRoot  string

	releaseOnce sync.Once
	release     func() error
}

// Release gives the workspace back. Safe to call more than once; only the
// first call runs the release hook.
func (l *Lease) Release() error {
	var err error
	l.releaseOnce.Do(func() {
		if l.release != nil {
			err = l.release()
		}
	})
	return err
}

// Manager acquires workspace leases for executions.
type Manager interface {
	// Acquire claims the workspace for one execution. workspaceID may be
	// empty for the default workspace.
	Acquire(ctx context.Context, workspaceID, pluginRoot string) (*Lease, error)
}

// LocalManager maps every lease onto one local directory. Acquisition is an
// identity mapping and never stalls.
type LocalManager struct {
	root string
}

// NewLocalManager creates a manager rooted at the given directory.
func NewLocalManager(root string) *LocalManager {
	return &LocalManager{root: root}
}

// Acquire returns a lease on the local root.
func (m *LocalManager) Acquire(_ context.Context, workspaceID, pluginRoot string) (*Lease, error) {
	id := workspaceID
	if id == "" {
		id = "local"
	}
	return &Lease{
		WorkspaceID: id,
		Cwd:         m.root,
		PluginRoot:  pluginRoot,
		release:     func() error { return nil },
	}, nil
}

// registryEntry is the persisted form of a registered remote workspace.
type registryEntry struct {
	RootPath string `json:"rootPath"`
}

// RegistryManager resolves workspace ids through the on-disk workspace
// registry at <root>/.kb/runtime/workspace-registry/<id>.json. Unknown or
// unreadable workspaces fail the lease.
type RegistryManager struct {
	root string

	mu     sync.Mutex
	leased map[string]int
}

// NewRegistryManager creates a registry-backed manager rooted at root.
func NewRegistryManager(root string) *RegistryManager {
	return &RegistryManager{root: root, leased: make(map[string]int)}
}

// RegistryDir returns the registry directory under the manager root.
func (m *RegistryManager) RegistryDir() string {
	return filepath.Join(m.root, ".kb", "runtime", "workspace-registry")
}

// Register persists a workspace id to root-path mapping.
func (m *RegistryManager) Register(workspaceID, rootPath string) error {
	dir := m.RegistryDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errdefs.Wrap(err, errdefs.CodeWorkspace)
	}
	data, _ := json.Marshal(registryEntry{RootPath: rootPath})
	path := filepath.Join(dir, workspaceID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errdefs.Wrap(err, errdefs.CodeWorkspace)
	}
	return nil
}

// Acquire resolves the workspace through the registry and tracks the lease
// count so tests can assert acquire/release pairing.
func (m *RegistryManager) Acquire(ctx context.Context, workspaceID, pluginRoot string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeAbort)
	}
	if workspaceID == "" {
		return nil, errdefs.New(errdefs.CodeWorkspace, "workspace id required")
	}

	path := filepath.Join(m.RegistryDir(), workspaceID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Newf(errdefs.CodeWorkspaceNotAvail, "workspace %s not registered", workspaceID).
			WithDetail("workspaceId", workspaceID)
	}
	var entry registryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errdefs.Newf(errdefs.CodeWorkspace, "workspace registry entry for %s is corrupt", workspaceID).
			WithDetail("workspaceId", workspaceID)
	}

	m.mu.Lock()
	m.leased[workspaceID]++
	m.mu.Unlock()

	return &Lease{
		WorkspaceID: workspaceID,
		Cwd:         entry.RootPath,
		PluginRoot:  pluginRoot,
		release: func() error {
			m.mu.Lock()
			m.leased[workspaceID]--
			m.mu.Unlock()
			return nil
		},
	}, nil
}

// ActiveLeases returns the live lease count for a workspace.
func (m *RegistryManager) ActiveLeases(workspaceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leased[workspaceID]
}
