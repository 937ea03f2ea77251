// Package environ models the execution environment as an explicit value
// passed between components instead of a process-wide side channel. Only the
// final child-process spawn materializes an Env into real environment
// strings; the runner's own process environment is never mutated.
package environ

import (
	"os"
	"sort"
	"strings"
)

// Env is an immutable set of environment variables. All modifying operations
// return a new Env; the receiver is never changed.
type Env struct {
	vars map[string]string
}

// System captures the current process environment as an Env value.
func System() Env {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			vars[kv[:i]] = kv[i+1:]
		}
	}
	return Env{vars: vars}
}

// New builds an Env from the given variables. Keys are kept as-is.
func New(vars map[string]string) Env {
	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}
	return Env{vars: copied}
}

// Get returns the value for key and whether it is present.
func (e Env) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Len returns the number of variables.
func (e Env) Len() int {
	return len(e.vars)
}

// Set returns a copy of e with key set to value, overwriting any existing
// entry. Keys are case-preserved; last write wins.
func (e Env) Set(key, value string) Env {
	next := e.clone()
	next.vars[key] = value
	return next
}

// Overlay returns a copy of e with every entry of overrides applied, keys
// normalized to upper case. This matches how per-invocation script overrides
// are merged onto the ambient environment.
func (e Env) Overlay(overrides map[string]string) Env {
	if len(overrides) == 0 {
		return e
	}
	next := e.clone()
	for k, v := range overrides {
		next.vars[strings.ToUpper(k)] = v
	}
	return next
}

// Strings materializes the environment in KEY=value form, sorted by key so
// output is deterministic. Suitable for exec.Cmd.Env.
func (e Env) Strings() []string {
	out := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (e Env) clone() Env {
	copied := make(map[string]string, len(e.vars)+1)
	for k, v := range e.vars {
		copied[k] = v
	}
	return Env{vars: copied}
}
