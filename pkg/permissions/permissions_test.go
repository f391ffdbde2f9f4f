package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/types"
)

func newEval(perms types.Permissions) *Evaluator {
	return NewEvaluator(perms, "/t", "/t/out")
}

func TestCheckReadImplicitCwd(t *testing.T) {
	e := newEval(types.Permissions{})

	assert.NoError(t, e.CheckRead("data.json"))
	assert.NoError(t, e.CheckRead("/t/sub/dir/file.txt"))
	assert.Error(t, e.CheckRead("/elsewhere/file.txt"))
}

func TestCheckReadHardDeny(t *testing.T) {
	// Hard-coded denials hold even with a catch-all grant.
	e := newEval(types.Permissions{FS: types.FSPermissions{Read: []string{"**"}}})

	tests := []string{
		"/t/.env",
		"/t/.env.production",
		"/t/node_modules/pkg/index.js",
		"/t/.git/config",
		"/t/.ssh/id_rsa",
		"/etc/passwd",
		"/usr/bin/env",
		"/var/log/syslog",
		"/t/aws_credentials.json",
		"/t/MyPassword.txt",
		"/t/server.pem",
		"/t/host.key",
		"/t/token.secret",
	}
	for _, path := range tests {
		err := e.CheckRead(path)
		assert.Error(t, err, path)
		assert.Equal(t, errdefs.CodePermissionDenied, errdefs.GetCode(err), path)
	}
}

func TestCheckReadDeniedDetails(t *testing.T) {
	e := newEval(types.Permissions{})
	err := e.CheckRead("/t/.env")

	var kbErr *errdefs.Error
	assert.ErrorAs(t, err, &kbErr)
	assert.Equal(t, "/t/.env", kbErr.Details["path"])
}

func TestNoEscapeViaDotDot(t *testing.T) {
	e := newEval(types.Permissions{})

	// ../-chains collapse during normalization and land outside cwd.
	assert.Error(t, e.CheckRead("../other/file.txt"))
	assert.Error(t, e.CheckRead("sub/../../other/file.txt"))
	// A chain that stays inside cwd is fine.
	assert.NoError(t, e.CheckRead("sub/../file.txt"))
}

func TestCheckReadGrantedPatterns(t *testing.T) {
	e := newEval(types.Permissions{FS: types.FSPermissions{
		Read: []string{"/data", "/logs/*.log", "/deep/**/cfg.yaml"},
	}})

	tests := []struct {
		path string
		ok   bool
	}{
		{"/data/file.bin", true},          // prefix grant
		{"/database/file.bin", true},      // prefix is a raw string prefix
		{"/logs/app.log", true},           // single-star glob
		{"/logs/sub/app.log", false},      // * does not cross separators
		{"/deep/a/b/cfg.yaml", true},      // ** crosses separators
		{"/deep/cfg.yaml", true},          // ** also matches zero segments
		{"/other/file", false},
	}
	for _, tt := range tests {
		err := e.CheckRead(tt.path)
		if tt.ok {
			assert.NoError(t, err, tt.path)
		} else {
			assert.Error(t, err, tt.path)
		}
	}
}

func TestCheckWriteImplicitOutdir(t *testing.T) {
	e := newEval(types.Permissions{})

	assert.NoError(t, e.CheckWrite("/t/out/result.txt"))
	assert.NoError(t, e.CheckWrite("out/nested/result.txt"))
	assert.Error(t, e.CheckWrite("/t/result.txt"))
	assert.Error(t, e.CheckWrite("/tmp/result.txt"))
}

func TestCheckWriteGrantedPattern(t *testing.T) {
	e := newEval(types.Permissions{FS: types.FSPermissions{
		Write: []string{"/scratch/**"},
	}})
	assert.NoError(t, e.CheckWrite("/scratch/a/b.txt"))
	assert.Error(t, e.CheckWrite("/scratch2/../etc/x"))
}

func TestOutdirDefault(t *testing.T) {
	e := NewEvaluator(types.Permissions{}, "/t", "")
	assert.Equal(t, "/t/.kb/output", e.Outdir())
}

func TestCheckFetch(t *testing.T) {
	e := newEval(types.Permissions{Network: types.NetworkPermissions{
		Fetch: []string{"api.example.com", "*.trusted.io", "https://svc.internal/v1/"},
	}})

	tests := []struct {
		url string
		ok  bool
	}{
		{"https://api.example.com/v1/x", true},
		{"https://other.example.com/v1/x", false},
		{"https://a.trusted.io/", true},
		{"https://deep.a.trusted.io/", true},
		{"https://trusted.io/", true},
		{"https://untrusted.io/", false},
		{"https://svc.internal/v1/query", true},
		{"https://svc.internal/v2/query", false},
	}
	for _, tt := range tests {
		err := e.CheckFetch(tt.url)
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.Error(t, err, tt.url)
		}
	}
}

func TestCheckFetchEmptyDeniesAll(t *testing.T) {
	e := newEval(types.Permissions{})
	assert.Error(t, e.CheckFetch("https://example.com/"))
}

func TestCheckFetchWildcardAllowsAll(t *testing.T) {
	e := newEval(types.Permissions{Network: types.NetworkPermissions{Fetch: []string{"*"}}})
	assert.NoError(t, e.CheckFetch("https://anything.example/"))
}

func TestEnvAllowed(t *testing.T) {
	e := newEval(types.Permissions{Env: types.EnvPermissions{
		Read: []string{"MY_TOKEN", "APP_*"},
	}})

	assert.True(t, e.EnvAllowed("MY_TOKEN"))
	assert.True(t, e.EnvAllowed("APP_MODE"))
	assert.True(t, e.EnvAllowed("APP_"))
	assert.False(t, e.EnvAllowed("OTHER"))
	assert.False(t, e.EnvAllowed("MY_TOKEN_2"))

	// Built-in always-allowed set.
	assert.True(t, e.EnvAllowed("DEBUG"))
	assert.True(t, e.EnvAllowed("KB_LOG_LEVEL"))
}

func TestCheckInvokeDecisionOrder(t *testing.T) {
	target := "@kb-labs/search@latest:GET /v1/query"

	tests := []struct {
		name  string
		perms types.InvokePermissions
		ok    bool
		reason string
	}{
		{"default deny", types.InvokePermissions{}, false, "default deny"},
		{"plugin grant", types.InvokePermissions{Plugins: []string{"@kb-labs/search"}}, true, ""},
		{"plugin grant without at", types.InvokePermissions{Plugins: []string{"kb-labs/search"}}, true, ""},
		{"route grant exact", types.InvokePermissions{Routes: []string{target}}, true, ""},
		{"route grant mismatch", types.InvokePermissions{
			Routes:  []string{"@kb-labs/search@latest:POST /v1/index"},
			Plugins: []string{"@kb-labs/search"}, // routes take precedence once non-empty
		}, false, "no invoke.routes match"},
		{"deny wins over route", types.InvokePermissions{
			Deny:   []string{target},
			Routes: []string{target},
		}, false, "explicit deny"},
		{"plugin-wide deny", types.InvokePermissions{
			Deny:    []string{"@kb-labs/search:*"},
			Plugins: []string{"@kb-labs/search"},
		}, false, "explicit deny"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEval(types.Permissions{Invoke: tt.perms})
			err := e.CheckInvoke(target, "kb-labs/search")
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var kbErr *errdefs.Error
			assert.ErrorAs(t, err, &kbErr)
			assert.Equal(t, tt.reason, kbErr.Details["reason"])
		})
	}
}

func TestCheckPlatform(t *testing.T) {
	e := newEval(types.Permissions{Platform: types.PlatformPermissions{
		Snapshot: &types.PlatformGate{Enabled: true},
		Jobs:     &types.PlatformGate{Enabled: true, Operations: []string{"enqueue"}},
		Workflows: &types.PlatformGate{
			Enabled:    true,
			Operations: []string{"start"},
			Scopes:     []string{"ns-a"},
		},
	}})

	assert.NoError(t, e.CheckPlatform("snapshot", "create", ""))
	assert.NoError(t, e.CheckPlatform("jobs", "enqueue", ""))
	assert.Error(t, e.CheckPlatform("jobs", "cancel", ""))
	assert.NoError(t, e.CheckPlatform("workflows", "start", "ns-a"))
	assert.Error(t, e.CheckPlatform("workflows", "start", "ns-b"))
	assert.Error(t, e.CheckPlatform("execution", "run", ""))
	assert.Error(t, e.CheckPlatform("unknown", "x", ""))
}
