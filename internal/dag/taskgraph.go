package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

type edgeIndex struct {
	from int
	to   int
}

// TaskGraph is an immutable, validated stage graph. It is safe for concurrent
// reads.
type TaskGraph struct {
	nodesByName map[string]*TaskNode
	nodes       []*TaskNode // canonical order: by name

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, ascending
	incoming [][]int // by canonical index, ascending
	indeg    []int
	depth    []int // longest path from a root

	hash GraphHash
}

// NewTaskGraph builds and validates a TaskGraph. It rejects an empty task
// list, empty or duplicate names, edges to unknown tasks, self-loops,
// duplicate edges and cycles.
func NewTaskGraph(tasks []Task, edges []Edge) (*TaskGraph, error) {
	if len(tasks) == 0 {
		return nil, invalidf("no stages")
	}

	nodesByName := make(map[string]*TaskNode, len(tasks))
	nodes := make([]*TaskNode, 0, len(tasks))
	for _, t := range tasks {
		if t == nil {
			return nil, invalidf("nil stage")
		}
		name := t.Name()
		if name == "" {
			return nil, invalidf("stage name is required")
		}
		if _, exists := nodesByName[name]; exists {
			return nil, invalidf("duplicate stage name: %q", name)
		}
		n := &TaskNode{Name: name, Task: t, DefinitionHash: definitionHash(name, t.Fingerprint())}
		nodesByName[name] = n
		nodes = append(nodes, n)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		from, okFrom := nodesByName[e.From]
		to, okTo := nodesByName[e.To]
		if !okFrom {
			return nil, invalidf("edge references unknown stage (from): %q", e.From)
		}
		if !okTo {
			return nil, invalidf("edge references unknown stage (to): %q", e.To)
		}
		if from == to {
			return nil, invalidf("self-loop: %q", e.From)
		}
		pair := edgeIndex{from: from.canonicalIndex, to: to.canonicalIndex}
		if _, dup := seen[pair]; dup {
			return nil, invalidf("duplicate edge: %q -> %q", e.From, e.To)
		}
		seen[pair] = struct{}{}
		mapped = append(mapped, pair)
	}
	sort.Slice(mapped, func(i, j int) bool {
		if mapped[i].from != mapped[j].from {
			return mapped[i].from < mapped[j].from
		}
		return mapped[i].to < mapped[j].to
	})

	g := &TaskGraph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    make([][]int, len(nodes)),
		incoming:    make([][]int, len(nodes)),
		indeg:       make([]int, len(nodes)),
	}
	// mapped is sorted, so adjacency lists come out ascending.
	for _, e := range mapped {
		g.outgoing[e.from] = append(g.outgoing[e.from], e.to)
		g.incoming[e.to] = append(g.incoming[e.to], e.from)
		g.indeg[e.to]++
	}
	for _, in := range g.incoming {
		sort.Ints(in)
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the graph's stable identity.
func (g *TaskGraph) Hash() GraphHash { return g.hash }

// Len returns the number of stages.
func (g *TaskGraph) Len() int { return len(g.nodes) }

// Node returns a node by name.
func (g *TaskGraph) Node(name string) (*TaskNode, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Names returns all stage names in canonical order.
func (g *TaskGraph) Names() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.Name
	}
	return out
}

// Edges returns the dependency edges in canonical order.
func (g *TaskGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Dependencies returns the direct upstream stages of name, sorted.
func (g *TaskGraph) Dependencies(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.incoming[n.canonicalIndex])
}

// Dependents returns the direct downstream stages of name, sorted.
func (g *TaskGraph) Dependents(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.outgoing[n.canonicalIndex])
}

func (g *TaskGraph) namesOf(idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = g.nodes[j].Name
	}
	return out
}

// Depth returns the length of the longest path from any root to name.
func (g *TaskGraph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

// TopologicalOrder returns stage names in a deterministic dependency order.
func (g *TaskGraph) TopologicalOrder() []string {
	return g.namesOf(g.topoOrderIndices())
}

// Select returns the subgraph induced by names: the listed stages and the
// edges among them. Dependencies outside the selection are dropped, so each
// selected stage must verify its own prerequisites.
func (g *TaskGraph) Select(names ...string) (*TaskGraph, error) {
	want := make(map[string]bool, len(names))
	tasks := make([]Task, 0, len(names))
	for _, name := range names {
		n, ok := g.nodesByName[name]
		if !ok {
			return nil, unknownStage(name, g.Names())
		}
		if want[name] {
			continue
		}
		want[name] = true
		tasks = append(tasks, n.Task)
	}
	var edges []Edge
	for _, e := range g.Edges() {
		if want[e.From] && want[e.To] {
			edges = append(edges, e)
		}
	}
	return NewTaskGraph(tasks, edges)
}

func (g *TaskGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		for _, p := range g.incoming[u] {
			if d := depth[p] + 1; d > depth[u] {
				depth[u] = d
			}
		}
	}
	return depth
}

func (g *TaskGraph) computeGraphHash() GraphHash {
	h := sha256.New()
	writeInt(h, len(g.nodes))
	for _, n := range g.nodes {
		writeField(h, []byte(n.DefinitionHash))
	}
	writeInt(h, len(g.edges))
	for _, e := range g.edges {
		writeInt(h, e.from)
		writeInt(h, e.to)
	}
	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}
