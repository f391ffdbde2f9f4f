package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blang/semver"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/types"
)

// Registry holds the manifests of installed plugins, versioned. Resolution
// accepts an exact semver or "latest" (the highest registered version).
type Registry struct {
	mu   sync.RWMutex
	byID map[string]map[string]*types.Manifest
}

// NewRegistry creates an empty manifest registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]map[string]*types.Manifest)}
}

// Register adds one manifest. The version must parse as semver.
func (r *Registry) Register(m *types.Manifest) error {
	if m.ID == "" {
		return fmt.Errorf("manifest is missing an id")
	}
	if _, err := semver.Parse(m.Version); err != nil {
		return fmt.Errorf("invalid version %q for plugin %s: %w", m.Version, m.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.byID[m.ID]
	if versions == nil {
		versions = make(map[string]*types.Manifest)
		r.byID[m.ID] = versions
	}
	versions[m.Version] = m
	return nil
}

// Resolve finds a manifest by id and version spec. version "" or "latest"
// picks the highest registered version.
func (r *Registry) Resolve(id, version string) (*types.Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byID[id]
	if len(versions) == 0 {
		return nil, errdefs.Newf(errdefs.CodePluginNotFound, "plugin %s is not installed", id).
			WithDetail("pluginId", id)
	}

	if version == "" || version == "latest" {
		var best *types.Manifest
		var bestVer semver.Version
		for v, m := range versions {
			parsed, err := semver.Parse(v)
			if err != nil {
				continue
			}
			if best == nil || parsed.GT(bestVer) {
				best, bestVer = m, parsed
			}
		}
		return best, nil
	}

	m, ok := versions[version]
	if !ok {
		return nil, errdefs.Newf(errdefs.CodePluginNotFound, "plugin %s@%s is not installed", id, version).
			WithDetail("pluginId", id).
			WithDetail("version", version)
	}
	return m, nil
}

// List returns every registered manifest, ordered by id then version.
func (r *Registry) List() []*types.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Manifest
	for _, versions := range r.byID {
		for _, m := range versions {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}
