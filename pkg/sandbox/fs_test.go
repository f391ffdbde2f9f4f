package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/permissions"
	"github.com/kb-labs/runtime/pkg/types"
)

func newRuntime(t *testing.T, perms types.Permissions) (*Runtime, string) {
	t.Helper()
	cwd := t.TempDir()
	eval := permissions.NewEvaluator(perms, cwd, filepath.Join(cwd, "out"))
	return New(Options{Evaluator: eval}), cwd
}

func TestWriteFileCreatesParents(t *testing.T) {
	rt, cwd := newRuntime(t, types.Permissions{})

	err := rt.FS.WriteFile("out/nested/deep/result.txt", []byte(`{"ok": true}`), WriteOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cwd, "out", "nested", "deep", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, string(data))
}

func TestWriteFileAppend(t *testing.T) {
	rt, _ := newRuntime(t, types.Permissions{})

	require.NoError(t, rt.FS.WriteFile("out/log.txt", []byte("a"), WriteOptions{}))
	require.NoError(t, rt.FS.WriteFile("out/log.txt", []byte("b"), WriteOptions{Append: true}))

	got, err := rt.FS.ReadFile("out/log.txt")
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}

func TestWriteOutsideOutdirDenied(t *testing.T) {
	rt, _ := newRuntime(t, types.Permissions{})

	err := rt.FS.WriteFile("result.txt", []byte("x"), WriteOptions{})
	assert.Equal(t, errdefs.CodePermissionDenied, errdefs.GetCode(err))
}

func TestReadDeniedVsNotFound(t *testing.T) {
	rt, _ := newRuntime(t, types.Permissions{})

	// Policy refusal carries the PermissionDenied code.
	_, err := rt.FS.ReadFile("/somewhere/else.txt")
	assert.Equal(t, errdefs.CodePermissionDenied, errdefs.GetCode(err))

	// A plain miss propagates the OS error untouched.
	_, err = rt.FS.ReadFile("missing.txt")
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestReadEnvFileDenied(t *testing.T) {
	rt, cwd := newRuntime(t, types.Permissions{})
	require.NoError(t, os.WriteFile(filepath.Join(cwd, ".env"), []byte("SECRET=1"), 0644))

	_, err := rt.FS.ReadFile(".env")
	assert.Equal(t, errdefs.CodePermissionDenied, errdefs.GetCode(err))
}

func TestReaddirAndStat(t *testing.T) {
	rt, cwd := newRuntime(t, types.Permissions{})
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "a.txt"), []byte("hello"), 0644))

	entries, err := rt.FS.Readdir(".")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	stats, err := rt.FS.ReaddirWithStats(".")
	require.NoError(t, err)
	assert.Len(t, stats, 2)

	info, err := rt.FS.Stat("a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.False(t, info.IsDir)

	exists, err := rt.FS.Exists("a.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = rt.FS.Exists("b.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCopyAndMove(t *testing.T) {
	rt, cwd := newRuntime(t, types.Permissions{})
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "src.txt"), []byte("data"), 0644))

	require.NoError(t, rt.FS.Copy("src.txt", "out/copy.txt"))
	got, err := rt.FS.ReadFile("out/copy.txt")
	require.NoError(t, err)
	assert.Equal(t, "data", got)

	require.NoError(t, rt.FS.Move("out/copy.txt", "out/moved.txt"))
	exists, err := rt.FS.Exists("out/copy.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRmForce(t *testing.T) {
	rt, _ := newRuntime(t, types.Permissions{})

	assert.Error(t, rt.FS.Rm("out/none.txt", false, false))
	assert.NoError(t, rt.FS.Rm("out/none.txt", false, true))
}

func TestFetchPermitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer server.Close()

	rt, _ := newRuntime(t, types.Permissions{Network: types.NetworkPermissions{
		Fetch: []string{"127.0.0.1"},
	}})

	resp, err := rt.Fetch.Get(context.Background(), server.URL+"/ping")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "pong", string(resp.Body))
}

func TestFetchDeniedBeforeDial(t *testing.T) {
	rt, _ := newRuntime(t, types.Permissions{})

	_, err := rt.Fetch.Get(context.Background(), "http://127.0.0.1:1/never")
	assert.Equal(t, errdefs.CodePermissionDenied, errdefs.GetCode(err))
}

func TestEnvFiltering(t *testing.T) {
	t.Setenv("KB_TEST_ALLOWED", "yes")
	t.Setenv("KB_TEST_BLOCKED", "no")

	rt, _ := newRuntime(t, types.Permissions{Env: types.EnvPermissions{
		Read: []string{"KB_TEST_ALLOWED"},
	}})

	v, ok := rt.Env.Lookup("KB_TEST_ALLOWED")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)

	// Blocked and absent variables are indistinguishable.
	_, ok = rt.Env.Lookup("KB_TEST_BLOCKED")
	assert.False(t, ok)
	_, ok = rt.Env.Lookup("KB_TEST_ABSENT")
	assert.False(t, ok)
}

func TestShellGating(t *testing.T) {
	cwd := t.TempDir()
	eval := permissions.NewEvaluator(types.Permissions{}, cwd, "")

	assert.False(t, New(Options{Evaluator: eval}).ShellAllowed())
	assert.True(t, New(Options{Evaluator: eval, Mode: "warn"}).ShellAllowed())
	assert.True(t, New(Options{Evaluator: eval, Mode: "compat"}).ShellAllowed())
}
