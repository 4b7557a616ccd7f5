package env

import (
	"os"
	"sort"
	"strings"
)

// Vars maps variable names to values.
type Vars map[string]string

// Env composes the environment handed to a spawned sub-agent: the supervisor's
// own environment, then configured overrides, then per-agent overrides.
type Env struct {
	Vars Vars // configured overrides (K->V)
	base Vars
}

func New(vars map[string]string) *Env {
	e := &Env{Vars: make(Vars, len(vars))}
	for k, v := range vars {
		e.Set(k, v)
	}
	return e
}

// WithBase replaces the inherited environment, mostly for tests.
func (e *Env) WithBase(kv []string) *Env {
	e.base = parse(kv)
	return e
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Vars == nil {
		e.Vars = make(Vars)
	}
	e.Vars[k] = v
}

func (e *Env) Unset(k string) { delete(e.Vars, k) }

// Merge returns the composed environment as sorted "K=V" entries.
// ${VAR} references are expanded once against the composed map.
func (e *Env) Merge(perAgent []string) []string {
	base := e.base
	if base == nil {
		base = parse(os.Environ())
	}
	m := make(Vars, len(base)+len(e.Vars)+len(perAgent))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.Vars {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(perAgent) {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kv []string) Vars {
	m := make(Vars, len(kv))
	for _, s := range kv {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// expand substitutes ${VAR} only. Bare $VAR and unknown names stay literal.
func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}
