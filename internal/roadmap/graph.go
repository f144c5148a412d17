package roadmap

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// catalog is a validated module set with layers resolved.
type catalog struct {
	modules []Module
	index   map[string]int
}

func newCatalog(modules []Module) (*catalog, error) {
	c := &catalog{
		modules: make([]Module, len(modules)),
		index:   make(map[string]int, len(modules)),
	}
	for i, m := range modules {
		m = cloneModule(m)
		if m.Status == "" {
			m.Status = StatusPending
		}
		c.modules[i] = m
		c.index[m.ID] = i
	}
	if err := validateModules(c.modules); err != nil {
		return nil, err
	}

	order, err := topoOrder(c.modules)
	if err != nil {
		return nil, err
	}
	for _, id := range order {
		m := &c.modules[c.index[id]]
		m.Layer = 0
		for _, dep := range m.DependsOn {
			if l := c.modules[c.index[dep]].Layer + 1; l > m.Layer {
				m.Layer = l
			}
		}
	}
	return c, nil
}

// topoOrder returns module IDs with every dependency before its dependents.
func topoOrder(modules []Module) ([]string, error) {
	known := make(map[string]bool, len(modules))
	for _, m := range modules {
		known[m.ID] = true
	}

	var edges []toposort.Edge
	for _, m := range modules {
		if len(m.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, m.ID})
			continue
		}
		for _, dep := range m.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("module %q depends on unknown module %q", m.ID, dep)
			}
			if dep == m.ID {
				return nil, fmt.Errorf("module %q depends on itself", m.ID)
			}
			edges = append(edges, toposort.Edge{dep, m.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("roadmap contains a dependency cycle: %w", err)
	}
	order := make([]string, 0, len(modules))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(modules) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for _, m := range modules {
			if !found[m.ID] {
				missing = append(missing, m.ID)
			}
		}
		return nil, fmt.Errorf("roadmap contains a dependency cycle through: %s", strings.Join(missing, ", "))
	}
	return order, nil
}

func (c *catalog) all() []Module {
	out := make([]Module, len(c.modules))
	for i, m := range c.modules {
		out[i] = cloneModule(m)
	}
	return out
}

func (c *catalog) available() []Module {
	var out []Module
	for _, m := range c.modules {
		if m.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range m.DependsOn {
			if c.modules[c.index[dep]].Status != StatusComplete {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, cloneModule(m))
		}
	}
	return out
}

// scores returns explicit leverage where pinned, otherwise
// (transitive dependents + 1) / (layer + 1) scaled so the best computed score is 1.
func (c *catalog) scores() []LeverageScore {
	dependents := make(map[string][]string, len(c.modules))
	for _, m := range c.modules {
		for _, dep := range m.DependsOn {
			dependents[dep] = append(dependents[dep], m.ID)
		}
	}

	raw := make([]float64, len(c.modules))
	var peak float64
	for i, m := range c.modules {
		if m.Leverage != nil {
			continue
		}
		raw[i] = float64(countReachable(m.ID, dependents)+1) / float64(m.Layer+1)
		if raw[i] > peak {
			peak = raw[i]
		}
	}

	out := make([]LeverageScore, len(c.modules))
	for i, m := range c.modules {
		score := 0.0
		switch {
		case m.Leverage != nil:
			score = *m.Leverage
		case peak > 0:
			score = raw[i] / peak
		}
		out[i] = LeverageScore{ModuleID: m.ID, Score: score}
	}
	return out
}

func countReachable(id string, edges map[string][]string) int {
	seen := make(map[string]bool)
	stack := append([]string(nil), edges[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	return len(seen)
}

func (c *catalog) setStatus(id string, status ModuleStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid module status %q", status)
	}
	i, ok := c.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	c.modules[i].Status = status
	return nil
}
