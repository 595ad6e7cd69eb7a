package dag

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sandboxforge/internal/core"
	"sandboxforge/internal/trace"
)

// TaskRunner satisfies a single stage.
//
// Probe reports whether the stage's artifact is already current; when cached
// is true the result must be non-nil. A Probe error is an infrastructure
// failure and aborts the execution. A Run error is a stage failure: the stage
// is marked FAILED and the execution stops dispatching.
type TaskRunner interface {
	Probe(ctx context.Context, task Task) (result *NodeResult, cached bool, err error)
	Run(ctx context.Context, task Task) (*NodeResult, error)
}

// GraphResult summarizes one execution.
type GraphResult struct {
	GraphHash  GraphHash
	FinalState ExecutionState

	// ExecutionOrder lists stages in the order they were started (cache hits
	// are not started).
	ExecutionOrder []string

	Results map[string]*NodeResult

	// FailedStage and Err describe the first stage failure, if any.
	FailedStage string
	Err         error
}

// Succeeded reports whether every stage completed or was cached.
func (r *GraphResult) Succeeded() bool {
	if r == nil || r.Err != nil {
		return false
	}
	for _, st := range r.FinalState {
		if !IsSuccessful(st) {
			return false
		}
	}
	return true
}

// Executor runs a TaskGraph once. It is not reusable across executions.
type Executor struct {
	Graph  *TaskGraph
	Runner TaskRunner
	Sink   trace.Sink

	mu      sync.Mutex
	state   ExecutionState
	order   []string
	results map[string]*NodeResult
	failed  string
	failErr error
}

// NewExecutor creates an executor with all nodes PENDING. sink may be nil.
func NewExecutor(g *TaskGraph, runner TaskRunner, sink trace.Sink) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	if sink == nil {
		sink = trace.NopSink{}
	}
	return &Executor{
		Graph:   g,
		Runner:  runner,
		Sink:    sink,
		state:   NewExecutionState(g),
		results: make(map[string]*NodeResult, g.Len()),
	}, nil
}

// RunSerial runs one stage at a time, always picking the first ready stage
// by (depth, name).
func (e *Executor) RunSerial(ctx context.Context) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		e.mu.Lock()
		if e.failed == "" {
			if err := ctx.Err(); err != nil {
				e.abortLocked("", trace.ReasonAborted)
				e.mu.Unlock()
				return e.result(), fmt.Errorf("execution cancelled: %w", err)
			}
		}
		ready := GetReadyTasks(e.Graph, e.state)
		if e.failed != "" || len(ready) == 0 {
			done := e.allTerminalLocked()
			e.mu.Unlock()
			if done {
				return e.result(), nil
			}
			return nil, fmt.Errorf("no ready stages but graph not finished")
		}

		name := ready[0]
		task := e.Graph.nodesByName[name].Task
		cached, err := e.probeLocked(ctx, name, task)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		if cached {
			e.mu.Unlock()
			continue
		}
		if err := e.startLocked(name); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.mu.Unlock()

		res, runErr := e.Runner.Run(ctx, task)

		e.mu.Lock()
		err = e.finishLocked(name, res, runErr)
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
}

type workResult struct {
	name   string
	result *NodeResult
	err    error
}

// RunParallel runs up to concurrency independent stages at once. Ready stages
// are dispatched in (depth, name) order; after a failure nothing new is
// dispatched and in-flight stages are allowed to finish.
func (e *Executor) RunParallel(ctx context.Context, concurrency int) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}

	var eg errgroup.Group
	eg.SetLimit(concurrency)
	doneCh := make(chan workResult, e.Graph.Len())
	inFlight := 0

	// dispatch starts ready stages until the worker budget is spent. Cache
	// hits can unlock further stages, so it re-polls until nothing changes.
	dispatch := func() error {
		for {
			progressed := false
			for _, name := range GetReadyTasks(e.Graph, e.state) {
				if inFlight >= concurrency {
					return nil
				}
				task := e.Graph.nodesByName[name].Task
				cached, err := e.probeLocked(ctx, name, task)
				if err != nil {
					return err
				}
				if cached {
					progressed = true
					continue
				}
				if err := e.startLocked(name); err != nil {
					return err
				}
				inFlight++
				eg.Go(func() error {
					res, err := e.Runner.Run(ctx, task)
					doneCh <- workResult{name: name, result: res, err: err}
					return nil
				})
			}
			if !progressed {
				return nil
			}
		}
	}

	var cancelled error
	for {
		e.mu.Lock()
		if e.failed == "" && cancelled == nil {
			if err := ctx.Err(); err != nil {
				cancelled = err
				e.abortLocked("", trace.ReasonAborted)
			} else if err := dispatch(); err != nil {
				e.mu.Unlock()
				_ = eg.Wait()
				return nil, err
			}
		}
		if inFlight == 0 {
			done := e.allTerminalLocked()
			e.mu.Unlock()
			_ = eg.Wait()
			if cancelled != nil {
				return e.result(), fmt.Errorf("execution cancelled: %w", cancelled)
			}
			if done {
				return e.result(), nil
			}
			return nil, fmt.Errorf("no ready stages but graph not finished")
		}
		e.mu.Unlock()

		r := <-doneCh

		e.mu.Lock()
		inFlight--
		err := e.finishLocked(r.name, r.result, r.err)
		e.mu.Unlock()
		if err != nil {
			_ = eg.Wait()
			return nil, err
		}
	}
}

func (e *Executor) probeLocked(ctx context.Context, name string, task Task) (bool, error) {
	res, cached, err := e.Runner.Probe(ctx, task)
	if err != nil {
		return false, fmt.Errorf("probing cache for %q: %w", name, err)
	}
	if !cached {
		return false, nil
	}
	if res == nil {
		return false, fmt.Errorf("probing cache for %q: nil result", name)
	}
	if err := Transition(e.state, name, TaskPending, TaskCached); err != nil {
		return false, err
	}
	res.FromCache = true
	e.results[name] = res
	Logger().Info("cache hit", zap.String("stage", name), zap.String("key", res.Key.Short()))
	trace.SafeRecord(e.Sink, trace.Event{
		Kind:   trace.EventStageCached,
		Stage:  name,
		Reason: trace.ReasonCacheHit,
		Key:    res.Key.String(),
	})
	return true, nil
}

func (e *Executor) startLocked(name string) error {
	if err := Transition(e.state, name, TaskPending, TaskRunning); err != nil {
		return err
	}
	e.order = append(e.order, name)
	Logger().Info("stage started", zap.String("stage", name))
	return nil
}

// finishLocked commits a stage outcome. Only invariant violations are
// returned; a stage failure is recorded and triggers fail-fast.
func (e *Executor) finishLocked(name string, res *NodeResult, runErr error) error {
	if cur := e.state[name]; cur != TaskRunning {
		return fmt.Errorf("completion for %q but state is %s", name, cur)
	}
	if runErr == nil && res == nil {
		runErr = fmt.Errorf("stage %q returned no result", name)
	}

	if runErr == nil {
		if res.Invalidated {
			trace.SafeRecord(e.Sink, trace.Event{Kind: trace.EventStageInvalidated, Stage: name, Reason: trace.ReasonStaleArtifact})
		}
		e.results[name] = res
		Logger().Info("stage completed", zap.String("stage", name), zap.String("artifact", res.Artifact))
		trace.SafeRecord(e.Sink, trace.Event{Kind: trace.EventStageExecuted, Stage: name, Key: res.Key.String()})
		return Transition(e.state, name, TaskRunning, TaskCompleted)
	}

	kind := "internal error"
	if k := core.KindOf(runErr); k != nil {
		kind = k.Error()
	}
	Logger().Error("stage failed", zap.String("stage", name), zap.Error(runErr))
	trace.SafeRecord(e.Sink, trace.Event{Kind: trace.EventStageFailed, Stage: name, ErrorKind: kind})

	if e.failed == "" {
		e.failed = name
		e.failErr = runErr
	}
	skipped, err := FailAndPropagate(e.Graph, e.state, name)
	for _, s := range skipped {
		e.recordSkip(s, trace.ReasonUpstreamFailed, name)
	}
	if err != nil {
		return err
	}
	e.abortLocked(name, trace.ReasonAborted)
	return nil
}

func (e *Executor) abortLocked(cause, reason string) {
	for _, s := range AbortPending(e.Graph, e.state) {
		e.recordSkip(s, reason, cause)
	}
}

func (e *Executor) recordSkip(name, reason, cause string) {
	Logger().Warn("stage skipped", zap.String("stage", name), zap.String("reason", reason), zap.String("cause", cause))
	trace.SafeRecord(e.Sink, trace.Event{Kind: trace.EventStageSkipped, Stage: name, Reason: reason, Cause: cause})
}

func (e *Executor) allTerminalLocked() bool {
	for _, st := range e.state {
		if !IsTerminal(st) {
			return false
		}
	}
	return true
}

func (e *Executor) result() *GraphResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	results := make(map[string]*NodeResult, len(e.results))
	for k, v := range e.results {
		results[k] = v
	}
	return &GraphResult{
		GraphHash:      e.Graph.Hash(),
		FinalState:     e.state.Clone(),
		ExecutionOrder: append([]string(nil), e.order...),
		Results:        results,
		FailedStage:    e.failed,
		Err:            e.failErr,
	}
}
