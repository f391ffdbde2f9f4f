package plugins

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kb-labs/runtime/pkg/types"
)

// ManifestFile is the per-plugin manifest name looked for under a plugin
// root directory.
const ManifestFile = "kb.plugin.yaml"

// LoadManifest reads and parses the manifest under a plugin root. The
// manifest's Root is set to the directory it was loaded from.
func LoadManifest(root string) (*types.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m types.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest under %s: %w", root, err)
	}
	m.Root = root
	return &m, nil
}

// LoadDir registers every plugin found in the immediate subdirectories of
// dir. Directories without a manifest are skipped; a malformed manifest
// fails the load.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		root := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(root, ManifestFile)); err != nil {
			continue
		}
		m, err := LoadManifest(root)
		if err != nil {
			return loaded, err
		}
		if err := r.Register(m); err != nil {
			return loaded, fmt.Errorf("failed to register plugin from %s: %w", root, err)
		}
		loaded++
	}
	return loaded, nil
}
