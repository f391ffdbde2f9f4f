package permissions

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/types"
)

// hardDenySegments are path segments that are never readable or writable,
// regardless of manifest grants.
var hardDenySegments = []string{"node_modules", ".git", ".ssh"}

// hardDenyPrefixes are absolute prefixes that are never accessible.
var hardDenyPrefixes = []string{"/etc/", "/usr/", "/var/"}

// hardDenySuffixes are file suffixes that are never accessible.
var hardDenySuffixes = []string{".pem", ".key", ".secret"}

// compiledPattern is one fs allow pattern, resolved to an absolute form.
// Patterns without glob metacharacters act as prefixes; patterns with
// *, ** or ? match with glob semantics (* = [^/]*, ** = any, ? = one rune).
type compiledPattern struct {
	raw    string
	abs    string
	isGlob bool
}

// Evaluator decides allow/deny for filesystem, network, environment and
// cross-plugin operations against one permission set. Checks are pure and
// synchronous; patterns are compiled once at construction.
type Evaluator struct {
	perms  types.Permissions
	cwd    string
	outdir string

	readPats  []compiledPattern
	writePats []compiledPattern
}

// NewEvaluator compiles the permission set for the given working directory
// and output directory. outdir defaults to cwd/.kb/output.
func NewEvaluator(perms types.Permissions, cwd, outdir string) *Evaluator {
	if outdir == "" {
		outdir = filepath.Join(cwd, ".kb", "output")
	}
	e := &Evaluator{
		perms:  perms,
		cwd:    filepath.Clean(cwd),
		outdir: filepath.Clean(outdir),
	}
	e.readPats = compilePatterns(perms.FS.Read, e.cwd)
	e.writePats = compilePatterns(perms.FS.Write, e.cwd)
	return e
}

// Cwd returns the working directory the evaluator resolves against.
func (e *Evaluator) Cwd() string { return e.cwd }

// Outdir returns the directory where writes are implicitly allowed.
func (e *Evaluator) Outdir() string { return e.outdir }

// Permissions returns the underlying permission set.
func (e *Evaluator) Permissions() types.Permissions { return e.perms }

func compilePatterns(raw []string, cwd string) []compiledPattern {
	pats := make([]compiledPattern, 0, len(raw))
	for _, p := range raw {
		if p == "" {
			continue
		}
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cwd, abs)
		}
		pats = append(pats, compiledPattern{
			raw:    p,
			abs:    abs,
			isGlob: strings.ContainsAny(p, "*?"),
		})
	}
	return pats
}

// Resolve normalizes a plugin-supplied path against cwd. Relative paths are
// joined to cwd; the result is cleaned so ../-chains collapse before any
// allow-list comparison.
func (e *Evaluator) Resolve(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.cwd, path)
	}
	return filepath.Clean(path)
}

// hardDenied reports whether the normalized path matches the built-in deny
// list. No manifest grant can override these.
func hardDenied(path string) bool {
	for _, prefix := range hardDenyPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	base := filepath.Base(path)
	if base == ".env" || strings.HasPrefix(base, ".env.") {
		return true
	}
	lower := strings.ToLower(path)
	if strings.Contains(lower, "credentials") || strings.Contains(lower, "password") {
		return true
	}
	for _, suffix := range hardDenySuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	for _, seg := range strings.Split(path, string(filepath.Separator)) {
		for _, deny := range hardDenySegments {
			if seg == deny {
				return true
			}
		}
	}
	return false
}

func matchPattern(p compiledPattern, path string) bool {
	if p.raw == "**" {
		return true
	}
	if !p.isGlob {
		return strings.HasPrefix(path, p.abs)
	}
	ok, err := doublestar.Match(p.abs, path)
	return err == nil && ok
}

func under(dir, path string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// CheckRead decides whether the plugin may read the given path. Reading
// inside cwd is always allowed; fs.read patterns extend the set; the
// hard-coded deny list overrides everything.
func (e *Evaluator) CheckRead(path string) error {
	resolved := e.Resolve(path)
	if hardDenied(resolved) {
		return denied("read", path, resolved, "matches hard-coded deny pattern")
	}
	if under(e.cwd, resolved) {
		return nil
	}
	for _, p := range e.readPats {
		if matchPattern(p, resolved) {
			return nil
		}
	}
	return denied("read", path, resolved, "outside cwd and not granted by fs.read")
}

// CheckWrite decides whether the plugin may write the given path. Writing
// inside outdir is always allowed; fs.write patterns extend the set.
func (e *Evaluator) CheckWrite(path string) error {
	resolved := e.Resolve(path)
	if hardDenied(resolved) {
		return denied("write", path, resolved, "matches hard-coded deny pattern")
	}
	if under(e.outdir, resolved) {
		return nil
	}
	for _, p := range e.writePats {
		if matchPattern(p, resolved) {
			return nil
		}
	}
	return denied("write", path, resolved, "outside outdir and not granted by fs.write")
}

func denied(op, path, resolved, reason string) error {
	return errdefs.Newf(errdefs.CodePermissionDenied, "fs %s denied: %s", op, path).
		WithDetail("path", path).
		WithDetail("resolved", resolved).
		WithDetail("operation", op).
		WithDetail("reason", reason)
}
