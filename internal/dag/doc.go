// Package dag orders and executes pipeline stages.
//
// It is split into:
//   - an immutable graph definition (TaskGraph): stages, hard dependencies and
//     a stable GraphHash;
//   - mutable per-run state (ExecutionState) advanced by Executor through the
//     PENDING, RUNNING, COMPLETED, FAILED, SKIPPED, CACHED state machine.
//
// Execution is fail-fast: after the first failed stage no further stage is
// dispatched, dependents of the failure are SKIPPED with reason
// UpstreamFailed and every other unstarted stage is SKIPPED with reason
// Aborted.
package dag
