package modhost

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DependencyGraph records which modules depend on which. Edges point from
// a module to the modules it requires; the graph stays acyclic by
// construction, so a topological order always exists.
type DependencyGraph struct {
	mu         sync.RWMutex
	dependsOn  map[string]map[string]struct{}
	dependedBy map[string]map[string]struct{}
}

// NewDependencyGraph returns an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		dependsOn:  make(map[string]map[string]struct{}),
		dependedBy: make(map[string]map[string]struct{}),
	}
}

// AddNode ensures the node exists. Idempotent.
func (g *DependencyGraph) AddNode(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureNode(name)
}

func (g *DependencyGraph) ensureNode(name string) {
	if _, ok := g.dependsOn[name]; !ok {
		g.dependsOn[name] = make(map[string]struct{})
	}
	if _, ok := g.dependedBy[name]; !ok {
		g.dependedBy[name] = make(map[string]struct{})
	}
}

// AddEdge records that from depends on to, creating either node as
// needed. An edge that would close a cycle, including a self edge, is
// rejected with ErrCyclicDependency and the graph is left unchanged.
func (g *DependencyGraph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if from == to {
		return fmt.Errorf("%w: %s -> %s", ErrCyclicDependency, from, to)
	}
	g.ensureNode(from)
	g.ensureNode(to)

	if _, ok := g.dependsOn[from][to]; ok {
		return nil
	}
	if path := g.pathBetween(to, from); path != nil {
		cycle := append([]string{from}, path...)
		return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
	}
	g.dependsOn[from][to] = struct{}{}
	g.dependedBy[to][from] = struct{}{}
	return nil
}

// pathBetween returns the node sequence from start to goal following
// dependency edges, or nil when goal is unreachable. Caller holds the
// lock.
func (g *DependencyGraph) pathBetween(start, goal string) []string {
	if start == goal {
		return []string{start}
	}
	visited := map[string]bool{start: true}
	var walk func(node string) []string
	walk = func(node string) []string {
		for next := range g.dependsOn[node] {
			if visited[next] {
				continue
			}
			visited[next] = true
			if next == goal {
				return []string{next}
			}
			if rest := walk(next); rest != nil {
				return append([]string{next}, rest...)
			}
		}
		return nil
	}
	rest := walk(start)
	if rest == nil {
		return nil
	}
	return append([]string{start}, rest...)
}

// HasNode reports whether the node exists.
func (g *DependencyGraph) HasNode(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.dependsOn[name]
	return ok
}

// Dependencies returns the modules name directly depends on, sorted.
func (g *DependencyGraph) Dependencies(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.dependsOn[name])
}

// Dependents returns the modules that directly depend on name, sorted.
func (g *DependencyGraph) Dependents(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.dependedBy[name])
}

// TransitiveDependents returns every module that reaches name through one
// or more dependency edges, sorted.
func (g *DependencyGraph) TransitiveDependents(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{})
	queue := []string{name}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for dep := range g.dependedBy[node] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	return sortedKeys(seen)
}

// ClearDependencies drops every outgoing edge of name, keeping edges that
// point at it. Unloading a module forgets what it needed but not who
// still declares a need for it.
func (g *DependencyGraph) ClearDependencies(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for dep := range g.dependsOn[name] {
		delete(g.dependedBy[dep], name)
	}
	if _, ok := g.dependsOn[name]; ok {
		g.dependsOn[name] = make(map[string]struct{})
	}
}

// RemoveNode deletes the node and every edge touching it.
func (g *DependencyGraph) RemoveNode(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for dep := range g.dependsOn[name] {
		delete(g.dependedBy[dep], name)
	}
	for dependent := range g.dependedBy[name] {
		delete(g.dependsOn[dependent], name)
	}
	delete(g.dependsOn, name)
	delete(g.dependedBy, name)
}

// TopologicalOrder returns every node with dependencies before their
// dependents. The order is deterministic: ties resolve alphabetically.
// The graph is acyclic by construction, so this cannot fail once edges
// are in; the error return guards against future relaxations.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := sortedKeys(g.dependsOn)
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	order := make([]string, 0, len(nodes))

	var visit func(node string) error
	visit = func(node string) error {
		switch state[node] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: involving %q", ErrCyclicDependency, node)
		}
		state[node] = visiting
		for _, dep := range sortedKeys(g.dependsOn[node]) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[node] = done
		order = append(order, node)
		return nil
	}
	for _, node := range nodes {
		if err := visit(node); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Snapshot returns the adjacency as sorted dependency lists keyed by
// node, safe for the caller to retain.
func (g *DependencyGraph) Snapshot() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := make(map[string][]string, len(g.dependsOn))
	for node, deps := range g.dependsOn {
		snap[node] = sortedKeys(deps)
	}
	return snap
}

func sortedKeys[V any](set map[string]V) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
