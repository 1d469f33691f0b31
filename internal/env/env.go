package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes child process environments: a base (the supervisor's own environment),
// optional global overrides and a per-server overlay which always wins.
type Env struct {
	Var  Var // global overrides (K->V)
	base Var
}

// New returns an Env whose base is the current process environment.
func New() *Env {
	return &Env{Var: make(Var), base: Parse(os.Environ())}
}

// FromList returns an Env whose base is the given "K=V" list instead of os.Environ.
func FromList(list []string) *Env {
	return &Env{Var: make(Var), base: Parse(list)}
}

// WithSet returns a copy with K=V added to the global overrides.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{Var: make(Var, len(e.Var)+1), base: e.base}
	for kk, vv := range e.Var {
		cp.Var[kk] = vv
	}
	if k != "" {
		cp.Var[k] = v
	}
	return cp
}

// Merge returns base, then global overrides, then overlay, as a sorted "K=V" list.
func (e *Env) Merge(overlay map[string]string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(overlay))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range overlay {
		if k == "" || strings.ContainsRune(k, '=') {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Parse converts a "K=V" list into a map. Entries without '=' or with an empty key are skipped;
// later duplicates win.
func Parse(list []string) Var {
	m := make(Var, len(list))
	for _, kv := range list {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}
