// Package qgraph assembles job specs into an immutable dependency DAG.
package qgraph

import (
	"slices"
	"sort"

	"github.com/quatton/qbatch/pkg/qjob"
)

// Edge says From must succeed before To is dispatched.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

type node struct {
	spec       qjob.JobSpec
	deps       []string
	dependents []string
}

// Graph is the validated, immutable job DAG.
type Graph struct {
	nodes map[string]*node
	order []string // topological, ties broken by name
}

// Build validates specs and edges and returns the graph. It has no side effects.
func Build(specs []qjob.JobSpec, edges []Edge) (*Graph, error) {
	nodes := make(map[string]*node, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, exists := nodes[spec.Name]; exists {
			return nil, &qjob.DuplicateJobError{Name: spec.Name}
		}
		nodes[spec.Name] = &node{spec: spec.Clone()}
	}

	seen := make(map[Edge]bool, len(edges))
	for _, e := range edges {
		if _, ok := nodes[e.From]; !ok {
			return nil, &UnknownJobError{Job: e.To, Reference: e.From}
		}
		if _, ok := nodes[e.To]; !ok {
			return nil, &UnknownJobError{Job: e.From, Reference: e.To}
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		nodes[e.To].deps = append(nodes[e.To].deps, e.From)
		nodes[e.From].dependents = append(nodes[e.From].dependents, e.To)
	}

	for _, n := range nodes {
		sort.Strings(n.deps)
		sort.Strings(n.dependents)
	}

	if cycle := findCycle(nodes); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	return &Graph{nodes: nodes, order: topologicalOrder(nodes)}, nil
}

// findCycle runs a depth-first colouring and returns the first cycle it meets.
func findCycle(nodes map[string]*node) []string {
	const (
		white = iota
		grey
		black
	)

	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	colour := make(map[string]int, len(nodes))
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		colour[name] = grey
		path = append(path, name)

		for _, next := range nodes[name].dependents {
			switch colour[next] {
			case grey:
				start := slices.Index(path, next)
				cycle := slices.Clone(path[start:])
				return append(cycle, next)
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		colour[name] = black
		return nil
	}

	for _, name := range names {
		if colour[name] == white {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topologicalOrder is Kahn's algorithm with a lexically sorted queue.
func topologicalOrder(nodes map[string]*node) []string {
	inDegree := make(map[string]int, len(nodes))
	queue := make([]string, 0)
	for name, n := range nodes {
		inDegree[name] = len(n.deps)
		if len(n.deps) == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	ordered := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ordered = append(ordered, current)

		for _, dep := range nodes[current].dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
		sort.Strings(queue)
	}
	return ordered
}

// Len returns the number of jobs.
func (g *Graph) Len() int {
	return len(g.order)
}

// Names returns every job in topological order.
func (g *Graph) Names() []string {
	return slices.Clone(g.order)
}

// Has reports whether name is part of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Spec returns a copy of the job's spec.
func (g *Graph) Spec(name string) (qjob.JobSpec, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return qjob.JobSpec{}, false
	}
	return n.spec.Clone(), true
}

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	return slices.Clone(n.deps)
}

// Dependents returns the jobs that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	return slices.Clone(n.dependents)
}

// Roots returns the jobs without dependencies, in topological order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, name := range g.order {
		if len(g.nodes[name].deps) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}

// Descendants returns every job transitively depending on name, breadth-first.
func (g *Graph) Descendants(name string) []string {
	return g.walk(name, func(n *node) []string { return n.dependents })
}

// Ancestors returns every job name transitively depends on, breadth-first.
func (g *Graph) Ancestors(name string) []string {
	return g.walk(name, func(n *node) []string { return n.deps })
}

func (g *Graph) walk(start string, next func(*node) []string) []string {
	n, ok := g.nodes[start]
	if !ok {
		return nil
	}

	visited := map[string]bool{start: true}
	queue := slices.Clone(next(n))
	var out []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		out = append(out, current)
		queue = append(queue, next(g.nodes[current])...)
	}
	return out
}

// Edges returns every edge, ordered by the topological position of From then To.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, name := range g.order {
		for _, dep := range g.nodes[name].dependents {
			edges = append(edges, Edge{From: name, To: dep})
		}
	}
	return edges
}

// Restrict returns the subgraph induced by names. Dependencies on jobs outside
// the selection are dropped and treated as already satisfied.
func (g *Graph) Restrict(names []string) (*Graph, error) {
	keep := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := g.nodes[name]; !ok {
			return nil, &UnknownJobError{Reference: name}
		}
		keep[name] = true
	}

	specs := make([]qjob.JobSpec, 0, len(keep))
	var edges []Edge
	for _, name := range g.order {
		if !keep[name] {
			continue
		}
		specs = append(specs, g.nodes[name].spec)
		for _, dep := range g.nodes[name].deps {
			if keep[dep] {
				edges = append(edges, Edge{From: dep, To: name})
			}
		}
	}
	return Build(specs, edges)
}
