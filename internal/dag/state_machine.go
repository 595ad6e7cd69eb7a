package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether the state is final for this execution.
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCached:
		return true
	}
	return false
}

// IsSuccessful reports whether the state satisfies dependents.
func IsSuccessful(s TaskState) bool {
	return s == TaskCompleted || s == TaskCached
}

// Transition moves taskName from `from` to `to`, failing if the current state
// is not `from` or the move is not allowed. state is mutated only on success.
func Transition(state ExecutionState, taskName string, from, to TaskState) error {
	cur, ok := state[taskName]
	if !ok {
		return fmt.Errorf("unknown stage in state: %q", taskName)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", taskName, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", taskName, from, to)
	}
	state[taskName] = to
	return nil
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskCached || to == TaskSkipped
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed
	}
	return false
}

// FailAndPropagate marks taskName FAILED and every transitively reachable
// PENDING dependent SKIPPED. It returns the newly skipped names in canonical
// order. A RUNNING dependent is an invariant violation: it could only have
// started with an unfinished upstream.
func FailAndPropagate(g *TaskGraph, state ExecutionState, taskName string) ([]string, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[taskName]
	if !ok {
		return nil, fmt.Errorf("unknown stage: %q", taskName)
	}
	switch cur := state[taskName]; cur {
	case TaskRunning:
		state[taskName] = TaskFailed
	case TaskFailed:
	default:
		return nil, fmt.Errorf("cannot fail %q from state %s", taskName, cur)
	}

	visited := make([]bool, len(g.nodes))
	visited[node.canonicalIndex] = true
	hq := &intMinHeap{}
	for _, d := range g.outgoing[node.canonicalIndex] {
		heap.Push(hq, d)
	}

	var skipped []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		name := g.nodes[u].Name
		switch state[name] {
		case TaskPending:
			state[name] = TaskSkipped
			skipped = append(skipped, name)
		case TaskRunning:
			return skipped, fmt.Errorf("invariant violation: downstream stage %q is RUNNING during failure propagation", name)
		}
		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}
	return skipped, nil
}

// AbortPending marks every remaining PENDING node SKIPPED and returns their
// names in canonical order.
func AbortPending(g *TaskGraph, state ExecutionState) []string {
	var out []string
	for _, n := range g.nodes {
		if state[n.Name] == TaskPending {
			state[n.Name] = TaskSkipped
			out = append(out, n.Name)
		}
	}
	return out
}
