// Package resolver validates process definitions, normalizes their dependency
// references, and produces a dependency-respecting start order.
package resolver

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/devrig/devrig/internal/config"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reserved identifiers cannot be used as process names because the CLI and
// API give them special meaning.
var reserved = map[string]bool{
	"all":    true,
	"devrig": true,
	"env":    true,
}

// Resolved is a ProcessConfig with its working directory made absolute and
// DependsOn normalized to an ordered list (nil when absent).
type Resolved struct {
	config.ProcessConfig
	ResolvedCwd string
	Deps        []string
}

// UnknownDependencyError reports a depends_on reference to a name that is not
// part of the config set.
type UnknownDependencyError struct {
	Process    string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("process %s depends on unknown process %s", e.Process, e.Dependency)
}

// CycleError reports a circular dependency; Node is a process on the cycle.
type CycleError struct {
	Node string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected involving process %s", e.Node)
}

// ValidateName rejects reserved identifiers and names with characters outside
// [A-Za-z0-9_-].
func ValidateName(name string) error {
	if reserved[name] {
		return fmt.Errorf("process name %q is reserved", name)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("process name %q contains invalid characters (allowed: letters, digits, _ and -)", name)
	}
	return nil
}

// Resolve validates names, normalizes depends_on, resolves cwd against root,
// and verifies every referenced dependency exists in the set.
func Resolve(cfgs []config.ProcessConfig, root string) ([]Resolved, error) {
	known := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if err := ValidateName(c.Name); err != nil {
			return nil, err
		}
		if known[c.Name] {
			return nil, fmt.Errorf("duplicate process name %s", c.Name)
		}
		known[c.Name] = true
	}
	out := make([]Resolved, 0, len(cfgs))
	for _, c := range cfgs {
		deps, err := normalizeDeps(c.Name, c.DependsOn)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if !known[d] {
				return nil, &UnknownDependencyError{Process: c.Name, Dependency: d}
			}
			if d == c.Name {
				return nil, &CycleError{Node: c.Name}
			}
		}
		cwd := c.Cwd
		if cwd == "" {
			cwd = root
		} else if !filepath.IsAbs(cwd) {
			cwd = filepath.Join(root, cwd)
		}
		out = append(out, Resolved{ProcessConfig: c, ResolvedCwd: cwd, Deps: deps})
	}
	return out, nil
}

// normalizeDeps promotes a single value to a list; an empty list becomes nil.
func normalizeDeps(proc string, v any) ([]string, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case string:
		if d == "" {
			return nil, nil
		}
		return []string{d}, nil
	case []string:
		if len(d) == 0 {
			return nil, nil
		}
		return append([]string(nil), d...), nil
	case []any:
		if len(d) == 0 {
			return nil, nil
		}
		out := make([]string, 0, len(d))
		for _, e := range d {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("process %s: depends_on entries must be strings", proc)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("process %s: depends_on must be a name or a list of names", proc)
	}
}

// TopoSort orders configs so every entry appears after all of its transitive
// dependencies. Independent processes retain no required relative order beyond
// that constraint.
func TopoSort(configs []Resolved) ([]Resolved, error) {
	byName := make(map[string]Resolved, len(configs))
	for _, c := range configs {
		byName[c.Name] = c
	}
	visited := make(map[string]bool, len(configs))
	visiting := make(map[string]bool, len(configs))
	out := make([]Resolved, 0, len(configs))

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return &CycleError{Node: name}
		}
		visiting[name] = true
		c := byName[name]
		for _, dep := range c.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		out = append(out, c)
		return nil
	}

	for _, c := range configs {
		if err := visit(c.Name); err != nil {
			return nil, err
		}
	}
	return out, nil
}
