package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/types"
)

func TestResolveLatestPicksHighestVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&types.Manifest{ID: "kb-labs/search", Version: "1.2.3"}))
	require.NoError(t, r.Register(&types.Manifest{ID: "kb-labs/search", Version: "1.10.0"}))
	require.NoError(t, r.Register(&types.Manifest{ID: "kb-labs/search", Version: "0.9.0"}))

	m, err := r.Resolve("kb-labs/search", "latest")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", m.Version)

	m, err = r.Resolve("kb-labs/search", "1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", m.Version)
}

func TestResolveUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("missing", "latest")
	assert.Equal(t, errdefs.CodePluginNotFound, errdefs.GetCode(err))

	require.NoError(t, r.Register(&types.Manifest{ID: "demo", Version: "1.0.0"}))
	_, err = r.Resolve("demo", "2.0.0")
	assert.Equal(t, errdefs.CodePluginNotFound, errdefs.GetCode(err))
}

func TestRegisterRejectsBadVersion(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&types.Manifest{ID: "demo", Version: "not-semver"}))
	assert.Error(t, r.Register(&types.Manifest{Version: "1.0.0"}))
}
