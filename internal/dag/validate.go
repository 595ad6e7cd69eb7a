package dag

import "container/heap"

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// topoOrderIndices runs Kahn's algorithm with a min-heap ready queue, so ties
// are broken by canonical index. A result shorter than the node count means
// the graph has a cycle.
func (g *TaskGraph) topoOrderIndices() []int {
	indeg := append([]int(nil), g.indeg...)
	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		u := heap.Pop(ready).(int)
		out = append(out, u)
		for _, v := range g.outgoing[u] {
			indeg[v]--
			if indeg[v] == 0 {
				heap.Push(ready, v)
			}
		}
	}
	return out
}

func (g *TaskGraph) validateAcyclic() error {
	if len(g.topoOrderIndices()) == len(g.nodes) {
		return nil
	}
	return cycleError(g.findCycle())
}

// findCycle returns one cycle as a closed name path, e.g. [a b c a]. Nodes
// left over by Kahn's algorithm all lie on or behind a cycle; walking
// predecessors among them from any leftover node must revisit a node.
func (g *TaskGraph) findCycle() []string {
	removed := make([]bool, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		removed[u] = true
	}

	start := -1
	for i := range g.nodes {
		if !removed[i] {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	// Walk backwards along the lowest-indexed remaining predecessor.
	pos := make(map[int]int)
	var walk []int
	u := start
	for {
		if at, ok := pos[u]; ok {
			loop := walk[at:]
			// walk follows incoming edges; reverse to dependency direction.
			out := make([]string, 0, len(loop)+1)
			for i := len(loop) - 1; i >= 0; i-- {
				out = append(out, g.nodes[loop[i]].Name)
			}
			return append(out, out[0])
		}
		pos[u] = len(walk)
		walk = append(walk, u)
		next := -1
		for _, p := range g.incoming[u] {
			if !removed[p] {
				next = p
				break
			}
		}
		if next < 0 {
			return nil
		}
		u = next
	}
}
