package permissions

import (
	"strings"

	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/types"
)

// CheckInvoke decides whether the caller may invoke the given cross-plugin
// target. Decision order, first match wins:
//
//  1. invoke.deny: exact target match or "@pluginId:*" denies
//  2. invoke.routes non-empty: only exact target matches allow
//  3. invoke.plugins non-empty: any pluginId match allows
//  4. default deny
func (e *Evaluator) CheckInvoke(target, targetPlugin string) error {
	inv := e.perms.Invoke

	for _, entry := range inv.Deny {
		if entry == target || denyMatchesPlugin(entry, targetPlugin) {
			return invokeDenied(target, targetPlugin, "explicit deny")
		}
	}

	if len(inv.Routes) > 0 {
		for _, route := range inv.Routes {
			if route == target {
				return nil
			}
		}
		return invokeDenied(target, targetPlugin, "no invoke.routes match")
	}

	if len(inv.Plugins) > 0 {
		for _, p := range inv.Plugins {
			if strings.TrimPrefix(p, "@") == strings.TrimPrefix(targetPlugin, "@") {
				return nil
			}
		}
		return invokeDenied(target, targetPlugin, "no invoke.plugins match")
	}

	return invokeDenied(target, targetPlugin, "default deny")
}

func denyMatchesPlugin(entry, plugin string) bool {
	trimmed := strings.TrimPrefix(entry, "@")
	plugin = strings.TrimPrefix(plugin, "@")
	return trimmed == plugin || trimmed == plugin+":*"
}

func invokeDenied(target, plugin, reason string) error {
	return errdefs.Newf(errdefs.CodePermissionDenied, "invoke denied: %s", target).
		WithDetail("target", target).
		WithDetail("plugin", plugin).
		WithDetail("reason", reason)
}

// CheckPlatform decides whether the plugin may call the given platform API
// operation. A nil gate denies; an enabled gate with no operation or scope
// list allows everything in its section.
func (e *Evaluator) CheckPlatform(section, operation, scope string) error {
	var gate *types.PlatformGate
	switch section {
	case "workflows":
		gate = e.perms.Platform.Workflows
	case "jobs":
		gate = e.perms.Platform.Jobs
	case "snapshot":
		gate = e.perms.Platform.Snapshot
	case "execution":
		gate = e.perms.Platform.Execution
	}

	if gate == nil || !gate.Enabled {
		return platformDenied(section, operation, "section not granted")
	}
	if len(gate.Operations) > 0 && !contains(gate.Operations, operation) {
		return platformDenied(section, operation, "operation not granted")
	}
	if scope != "" && len(gate.Scopes) > 0 && !contains(gate.Scopes, scope) {
		return platformDenied(section, operation, "scope not granted")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func platformDenied(section, operation, reason string) error {
	return errdefs.Newf(errdefs.CodePermissionDenied, "platform.%s denied", section).
		WithDetail("section", section).
		WithDetail("operation", operation).
		WithDetail("reason", reason)
}
