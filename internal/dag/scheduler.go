package dag

import "sort"

// GetReadyTasks returns the PENDING nodes whose dependencies are all COMPLETED
// or CACHED, ordered by (depth, name). It does not mutate its inputs.
func GetReadyTasks(g *TaskGraph, state ExecutionState) []string {
	if g == nil {
		return nil
	}
	var ready []string
	for _, n := range g.nodes {
		if state[n.Name] != TaskPending {
			continue
		}
		ok := true
		for _, p := range g.incoming[n.canonicalIndex] {
			if !IsSuccessful(state[g.nodes[p].Name]) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.Name)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		di, _ := g.Depth(ready[i])
		dj, _ := g.Depth(ready[j])
		if di != dj {
			return di < dj
		}
		return ready[i] < ready[j]
	})
	return ready
}
