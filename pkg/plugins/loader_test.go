package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
id: search
version: 1.2.3
capabilities:
  - rest
permissions:
  fs:
    read:
      - "data/**"
  invoke:
    plugins:
      - indexer
routes:
  - method: GET
    path: /v1/query
    handler:
      file: query.go
      export: Query
cron:
  - name: reindex
    schedule: "0 4 * * *"
    handler:
      file: index.go
      export: Reindex
`

func writePlugin(t *testing.T, dir, name, manifest string) string {
	t.Helper()
	root := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ManifestFile), []byte(manifest), 0o644))
	return root
}

func TestLoadManifest(t *testing.T) {
	root := writePlugin(t, t.TempDir(), "search", sampleManifest)

	m, err := LoadManifest(root)
	require.NoError(t, err)
	assert.Equal(t, "search", m.ID)
	assert.Equal(t, "1.2.3", m.Version)
	assert.Equal(t, root, m.Root)
	assert.Equal(t, []string{"data/**"}, m.Permissions.FS.Read)
	assert.Equal(t, []string{"indexer"}, m.Permissions.Invoke.Plugins)

	ref, ok := m.Route("GET", "/v1/query")
	require.True(t, ok)
	assert.Equal(t, "query.go#Query", ref.ID())

	require.Len(t, m.Cron, 1)
	assert.Equal(t, "0 4 * * *", m.Cron[0].Schedule)
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "search", sampleManifest)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "no-manifest"), 0o755))

	reg := NewRegistry()
	n, err := reg.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := reg.Resolve("search", "latest")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", m.Version)
}

func TestLoadDirMalformedManifestFails(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "broken", "id: [not\nvalid yaml")

	reg := NewRegistry()
	_, err := reg.LoadDir(dir)
	assert.Error(t, err)
}
