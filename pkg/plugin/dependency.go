package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// DependencyGraph maps each plugin id to the ids it depends on. Dependents
// are derived by scanning the map and are never stored.
type DependencyGraph struct {
	mu    sync.RWMutex
	nodes map[string]*GraphNode
}

type GraphNode struct {
	PluginID  string
	DependsOn []string
}

func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*GraphNode),
	}
}

// SetDependencies replaces the outgoing edges of pluginID, creating the
// node if needed. Duplicate ids are collapsed.
func (g *DependencyGraph) SetDependencies(pluginID string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[pluginID] = &GraphNode{
		PluginID:  pluginID,
		DependsOn: dedupe(deps),
	}
}

func (g *DependencyGraph) Dependencies(pluginID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.nodes[pluginID]
	if !exists {
		return nil
	}
	return append([]string(nil), node.DependsOn...)
}

// Dependents returns the sorted ids of every plugin depending on pluginID.
func (g *DependencyGraph) Dependents(pluginID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, node := range g.nodes {
		for _, dep := range node.DependsOn {
			if dep == pluginID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// RemoveNode drops pluginID's own edges. Edges of other plugins naming it
// are kept, so their activation keeps failing until they are fixed.
func (g *DependencyGraph) RemoveNode(pluginID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.nodes, pluginID)
}

func (g *DependencyGraph) Has(pluginID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, exists := g.nodes[pluginID]
	return exists
}

func (g *DependencyGraph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WouldCycle reports the cycle that setting deps on pluginID would create,
// or nil.
func (g *DependencyGraph) WouldCycle(pluginID string, deps []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges := g.edges()
	edges[pluginID] = dedupe(deps)
	return findCycle(edges)
}

func (g *DependencyGraph) DetectCycle() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := findCycle(g.edges()); len(cycle) > 0 {
		return cycle, fmt.Errorf("%w: %v", ErrCircularDependency, cycle)
	}
	return nil, nil
}

// TopologicalSort orders every node after the nodes it depends on. Ties are
// broken by id. Edges to unknown ids are ignored.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges := g.edges()
	if cycle := findCycle(edges); len(cycle) > 0 {
		return nil, fmt.Errorf("cannot sort with cycles: %w: %v", ErrCircularDependency, cycle)
	}

	ids := make([]string, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	visited := make(map[string]bool, len(ids))
	result := make([]string, 0, len(ids))
	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		deps := append([]string(nil), edges[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, known := edges[dep]; known && !visited[dep] {
				visit(dep)
			}
		}
		result = append(result, id)
	}
	for _, id := range ids {
		if !visited[id] {
			visit(id)
		}
	}
	return result, nil
}

func (g *DependencyGraph) edges() map[string][]string {
	edges := make(map[string][]string, len(g.nodes))
	for id, node := range g.nodes {
		edges[id] = node.DependsOn
	}
	return edges
}

// findCycle runs a coloured DFS and returns the first cycle found as a path
// that starts and ends with the same id.
func findCycle(edges map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(edges))

	ids := make([]string, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var path []string
	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = grey
		path = append(path, id)
		for _, dep := range edges[id] {
			if _, known := edges[dep]; !known {
				continue
			}
			switch color[dep] {
			case grey:
				for i, n := range path {
					if n == dep {
						return append(append([]string(nil), path[i:]...), dep)
					}
				}
			case white:
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
