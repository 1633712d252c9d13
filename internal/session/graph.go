// internal/session/graph.go
package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"authproxy/pkg/entities"
)

// Graph is the dependency graph of an integration's onboarding steps. It is
// immutable once built and therefore safe for concurrent readers.
type Graph struct {
	nodes map[string]entities.Component
	order []string // topological, ties broken by declaration order
}

// NewGraph validates components (non-empty unique names, known entity types,
// declared dependencies, no cycles) and returns the graph.
func NewGraph(components []entities.Component) (*Graph, error) {
	g := &Graph{nodes: make(map[string]entities.Component, len(components))}
	for _, c := range components {
		if c.Name == "" {
			return nil, errors.New("component without a name")
		}
		if _, dup := g.nodes[c.Name]; dup {
			return nil, fmt.Errorf("component %q declared twice", c.Name)
		}
		if c.EntityType != entities.TypeConnector && c.EntityType != entities.TypeIntegration {
			return nil, fmt.Errorf("component %q: unsupported entity type %q", c.Name, c.EntityType)
		}
		if c.EntityID == "" {
			return nil, fmt.Errorf("component %q: entityId is required", c.Name)
		}
		var deps []string
		for _, d := range c.DependsOn {
			if d == c.Name {
				return nil, fmt.Errorf("component %q depends on itself", c.Name)
			}
			if !slices.Contains(deps, d) {
				deps = append(deps, d)
			}
		}
		c.DependsOn = deps
		g.nodes[c.Name] = c
	}
	for _, c := range components {
		for _, dep := range c.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("component %q depends on unknown component %q", c.Name, dep)
			}
		}
	}

	// Kahn's algorithm, scanning in declaration order for a stable result.
	indeg := make(map[string]int, len(components))
	for name, c := range g.nodes {
		indeg[name] = len(c.DependsOn)
	}
	placed := make(map[string]bool, len(components))
	for len(g.order) < len(components) {
		progressed := false
		for _, c := range components {
			if placed[c.Name] || indeg[c.Name] > 0 {
				continue
			}
			placed[c.Name] = true
			g.order = append(g.order, c.Name)
			for _, dependent := range g.Dependents(c.Name) {
				indeg[dependent]--
			}
			progressed = true
			break
		}
		if !progressed {
			var stuck []string
			for _, c := range components {
				if !placed[c.Name] {
					stuck = append(stuck, c.Name)
				}
			}
			return nil, fmt.Errorf("dependency cycle among %s", strings.Join(stuck, ", "))
		}
	}
	return g, nil
}

func (g *Graph) Get(name string) (entities.Component, bool) {
	c, ok := g.nodes[name]
	return c, ok
}

func (g *Graph) Len() int { return len(g.nodes) }

// Order returns step names in dependency order.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// Dependencies returns the immediate dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return append([]string(nil), g.nodes[name].DependsOn...)
}

// Dependents returns the steps that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	var res []string
	for _, n := range g.order {
		if dependsOn(g.nodes[n], name) {
			res = append(res, n)
		}
	}
	for n, c := range g.nodes {
		if !slices.Contains(g.order, n) && dependsOn(c, name) {
			res = append(res, n)
		}
	}
	return res
}

// Next returns the first step in dependency order that is not done and
// whose dependencies all are.
func (g *Graph) Next(done func(name string) bool) (string, bool) {
	for _, name := range g.order {
		if done(name) {
			continue
		}
		ready := true
		for _, dep := range g.nodes[name].DependsOn {
			if !done(dep) {
				ready = false
				break
			}
		}
		if ready {
			return name, true
		}
	}
	return "", false
}

func dependsOn(c entities.Component, name string) bool {
	return slices.Contains(c.DependsOn, name)
}
