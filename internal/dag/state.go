package dag

// TaskState is the runtime state of a node in one execution.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskSkipped   TaskState = "SKIPPED"
	TaskCached    TaskState = "CACHED"
)

// ExecutionState maps stage name to its current state. It is a plain map so
// the scheduler stays a pure function.
type ExecutionState map[string]TaskState

// NewExecutionState returns a state with every node of g PENDING.
func NewExecutionState(g *TaskGraph) ExecutionState {
	st := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		st[n.Name] = TaskPending
	}
	return st
}

// Clone returns an independent copy.
func (s ExecutionState) Clone() ExecutionState {
	cp := make(ExecutionState, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Count returns how many nodes are in state st.
func (s ExecutionState) Count(st TaskState) int {
	n := 0
	for _, v := range s {
		if v == st {
			n++
		}
	}
	return n
}
