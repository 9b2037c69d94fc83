// Package envctx holds the shared environment context of a supervisor run:
// the variables each process exports from its output and the port each
// process resolved to. Writes are partitioned by process name (every process
// writes only its own entry) while reads are open to all processes for
// command and env interpolation.
package envctx

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)?)\}`)

// Context is created once per supervisor run and shared by all processes.
type Context struct {
	mu      sync.RWMutex
	exports map[string]map[string]string
	ports   map[string]int
}

func New() *Context {
	return &Context{
		exports: make(map[string]map[string]string),
		ports:   make(map[string]int),
	}
}

// SetExport publishes a variable extracted from proc's output.
func (c *Context) SetExport(proc, key, value string) {
	c.mu.Lock()
	m := c.exports[proc]
	if m == nil {
		m = make(map[string]string)
		c.exports[proc] = m
	}
	m[key] = value
	c.mu.Unlock()
}

// ClearExports drops all variables owned by proc; called when a run starts so
// stale values from a previous run cannot satisfy readiness.
func (c *Context) ClearExports(proc string) {
	c.mu.Lock()
	delete(c.exports, proc)
	delete(c.ports, proc)
	c.mu.Unlock()
}

// Export returns one of proc's extracted variables.
func (c *Context) Export(proc, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.exports[proc][key]
	return v, ok
}

// Exports returns a copy of proc's extracted variables.
func (c *Context) Exports(proc string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.exports[proc]))
	for k, v := range c.exports[proc] {
		out[k] = v
	}
	return out
}

// SetPort records proc's resolved port.
func (c *Context) SetPort(proc string, port int) {
	c.mu.Lock()
	c.ports[proc] = port
	c.mu.Unlock()
}

// Port returns proc's resolved port, if known.
func (c *Context) Port(proc string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.ports[proc]
	return p, ok
}

// Expand resolves ${VAR} placeholders in s for the given process. Lookup
// order: the process's own exports, then env, then cross-process references
// written as ${name.var} (a process's resolved port is addressable as
// ${name.port}). Unknown placeholders are left untouched so shell-level
// expansion still has a chance.
func (c *Context) Expand(proc, s string, env map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return placeholderRe.ReplaceAllStringFunc(s, func(ph string) string {
		key := ph[2 : len(ph)-1]
		if i := strings.IndexByte(key, '.'); i > 0 {
			owner, sub := key[:i], key[i+1:]
			if v, ok := c.exports[owner][sub]; ok {
				return v
			}
			if sub == "port" {
				if p, ok := c.ports[owner]; ok {
					return strconv.Itoa(p)
				}
			}
			return ph
		}
		if v, ok := c.exports[proc][key]; ok {
			return v
		}
		if v, ok := env[key]; ok {
			return v
		}
		return ph
	})
}
