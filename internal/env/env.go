package env

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

// Env composes the environment handed to supervised processes:
// OS base, then .env files, then explicit global overrides.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" {
				continue
			}
			base[k] = v
		}
	}
	e.env = base
}

// ExcludeOS pins an empty base so Lookup and Merge never consult the OS
// environment. Without it an unset base falls back to FromOS lazily.
func (e *Env) ExcludeOS() {
	e.env = make(Var)
}

// LoadFiles reads .env-style files in order and applies their keys as
// global overrides (later files win). A missing or unparsable file is an
// error; callers decide whether that is fatal.
func (e *Env) LoadFiles(paths ...string) error {
	for _, p := range paths {
		vars, err := godotenv.Read(p)
		if err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
		for k, v := range vars {
			e.Set(k, v)
		}
	}
	return nil
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Lookup resolves a key against globals first, then the OS base.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.env == nil {
		e.FromOS()
	}
	v, ok := e.env[k]
	return v, ok
}

// CheckRequired verifies every key is set to a real value. Values still
// carrying a "your-..." placeholder from a sample env file count as unset.
func (e *Env) CheckRequired(keys []string) error {
	for _, k := range keys {
		v, ok := e.Lookup(k)
		if !ok || v == "" {
			return fmt.Errorf("required environment variable %s is not set", k)
		}
		if strings.HasPrefix(v, "your-") {
			return fmt.Errorf("required environment variable %s still has a placeholder value", k)
		}
	}
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perProc (slice of "K=V") overrides
// Returns the environment slice in "K=V" form, with ${VAR} expansion performed
// using the composed map (simple expansion, no recursion).
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var)
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" { // skip malformed entries with empty key
				continue
			}
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

func expand(s string, m Var) string {
	res := s
	// simple ${VAR} expansion; iterate over keys present
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
