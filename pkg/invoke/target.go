package invoke

import (
	"strings"

	"github.com/blang/semver"

	"github.com/kb-labs/runtime/pkg/errdefs"
)

// Target is a parsed cross-plugin call target of the form
// "@pluginId@(semver|latest):METHOD /path".
type Target struct {
	PluginID string
	Version  string
	Method   string
	Path     string
	Raw      string
}

// Normalized renders the version-free form used for permission matching,
// "@pluginId:METHOD /path".
func (t Target) Normalized() string {
	return "@" + t.PluginID + ":" + t.Method + " " + t.Path
}

// ParseTarget parses a raw invoke target. Plugin ids may contain slashes
// (scoped names); the version separator is the last "@" before the colon.
func ParseTarget(raw string) (Target, error) {
	t := Target{Raw: raw}

	rest, ok := strings.CutPrefix(raw, "@")
	if !ok {
		return t, badTarget(raw, "must start with @")
	}
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return t, badTarget(raw, "missing :METHOD /path")
	}
	head, tail := rest[:colon], rest[colon+1:]

	at := strings.LastIndex(head, "@")
	if at <= 0 {
		return t, badTarget(raw, "missing @version")
	}
	t.PluginID = head[:at]
	t.Version = head[at+1:]
	if t.Version != "latest" {
		if _, err := semver.Parse(t.Version); err != nil {
			return t, badTarget(raw, "version must be semver or latest")
		}
	}

	method, path, ok := strings.Cut(tail, " ")
	if !ok || method == "" || !strings.HasPrefix(path, "/") {
		return t, badTarget(raw, "expected METHOD /path")
	}
	if method != strings.ToUpper(method) {
		return t, badTarget(raw, "method must be uppercase")
	}
	t.Method = method
	t.Path = path
	return t, nil
}

func badTarget(raw, reason string) error {
	return errdefs.Newf(errdefs.CodeValidation, "invalid invoke target %q: %s", raw, reason).
		WithDetail("target", raw)
}
