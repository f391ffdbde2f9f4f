package permissions

import (
	"net/url"
	"strings"

	"github.com/kb-labs/runtime/pkg/errdefs"
)

// alwaysAllowedEnv are environment variables safe to expose to any plugin.
var alwaysAllowedEnv = map[string]bool{
	"DEBUG":        true,
	"KB_LOG_LEVEL": true,
	"TZ":           true,
	"LANG":         true,
}

// CheckFetch decides whether the plugin may fetch the given URL. A fetch is
// allowed only if at least one network.fetch pattern matches the target host
// or URL; an empty list denies everything.
func (e *Evaluator) CheckFetch(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errdefs.Newf(errdefs.CodePermissionDenied, "fetch denied: unparsable url").
			WithDetail("url", rawURL).
			WithDetail("reason", "invalid url")
	}
	host := u.Hostname()

	for _, pattern := range e.perms.Network.Fetch {
		if matchFetch(pattern, host, rawURL) {
			return nil
		}
	}
	return errdefs.Newf(errdefs.CodePermissionDenied, "fetch denied: %s", host).
		WithDetail("url", rawURL).
		WithDetail("host", host).
		WithDetail("reason", "no network.fetch pattern matches")
}

func matchFetch(pattern, host, rawURL string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		domain := pattern[2:]
		return host == domain || strings.HasSuffix(host, "."+domain)
	case strings.Contains(pattern, "://"):
		return strings.HasPrefix(rawURL, pattern)
	default:
		return host == pattern
	}
}

// EnvAllowed reports whether the plugin may read the named environment
// variable. Disallowed names read as unset rather than erroring, so the
// facade never reveals a variable's presence by side channel.
func (e *Evaluator) EnvAllowed(name string) bool {
	if alwaysAllowedEnv[name] {
		return true
	}
	for _, entry := range e.perms.Env.Read {
		if entry == name {
			return true
		}
		if strings.HasSuffix(entry, "*") && strings.HasPrefix(name, strings.TrimSuffix(entry, "*")) {
			return true
		}
	}
	return false
}
