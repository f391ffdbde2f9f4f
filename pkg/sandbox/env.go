package sandbox

import (
	"os"

	"github.com/kb-labs/runtime/pkg/permissions"
)

// Env is the sandboxed environment facade. Reading a variable outside the
// allow-list returns unset rather than an error, so a plugin cannot learn
// whether a forbidden variable exists.
type Env struct {
	eval *permissions.Evaluator
}

// Lookup returns the value of an allowed environment variable. Disallowed
// or absent variables both report ok=false.
func (e *Env) Lookup(name string) (string, bool) {
	if !e.eval.EnvAllowed(name) {
		return "", false
	}
	return os.LookupEnv(name)
}

// Get returns the value of an allowed environment variable, or "".
func (e *Env) Get(name string) string {
	v, _ := e.Lookup(name)
	return v
}
