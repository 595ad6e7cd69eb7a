package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"sandboxforge/internal/dag"
	"sandboxforge/internal/recovery/state"
	"sandboxforge/internal/stage"
	"sandboxforge/internal/trace"
)

// CLIResult is the outcome of one executed graph.
type CLIResult struct {
	ExitCode    int
	RunID       string
	GraphResult *dag.GraphResult
	Trace       trace.ExecutionTrace
}

// Execute runs g, which is p.Graph or a selection of it, and records the run
// under the tool cache. jobs > 1 runs independent stages concurrently.
//
// Run records are best-effort: a store that cannot be written is logged and
// does not change the exit code.
func Execute(ctx context.Context, p *Pipeline, g *dag.TaskGraph, command string, jobs int) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	if p == nil || g == nil {
		return res, fmt.Errorf("nil pipeline")
	}
	if jobs < 1 {
		jobs = 1
	}

	rec, run := startRun(p, g, command, jobs)
	res.RunID = run.RunID

	sink := trace.NewRecorder()
	var gr *dag.GraphResult
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			execErr = fmt.Errorf("panic: %v", r)
			runErr = execErr
		}
		res.GraphResult = gr
		res.Trace = sink.Trace(g.Hash().String())
		finishRun(rec, run, state.Outcome{
			Result:    gr,
			Err:       runErr,
			Artifacts: p.Artifacts(g),
			Trace:     &res.Trace,
		})
	}()

	exec, err := dag.NewExecutor(g, stage.NewCachedRunner(p.Cache), sink)
	if err != nil {
		runErr = err
		return res, err
	}
	if jobs > 1 {
		gr, runErr = exec.RunParallel(ctx, jobs)
	} else {
		gr, runErr = exec.RunSerial(ctx)
	}

	switch {
	case runErr != nil:
		res.ExitCode = ExitCode(runErr)
		return res, runErr
	case !gr.Succeeded():
		res.ExitCode = ExitCode(gr.Err)
		if res.ExitCode == ExitSuccess {
			res.ExitCode = ExitStageFailure
		}
		return res, gr.Err
	}
	res.ExitCode = ExitSuccess
	return res, nil
}

func startRun(p *Pipeline, g *dag.TaskGraph, command string, jobs int) (*state.Recorder, state.Run) {
	run := state.Run{
		GraphHash: g.Hash().String(),
		Command:   command,
		Stages:    g.TopologicalOrder(),
		CacheMode: string(p.Config.CacheMode),
		Jobs:      jobs,
	}
	store, err := state.NewStore(p.Env.Build.RunsBase())
	if err != nil {
		Logger().Warn("run records disabled", zap.Error(err))
		return nil, run
	}
	rec := state.NewRecorder(store, p.Cache)
	started, err := rec.StartRun(run)
	if err != nil {
		Logger().Warn("run records disabled", zap.Error(err))
		return nil, run
	}
	if started.PreviousRunID != nil {
		Logger().Info("retrying failed run",
			zap.String("previous", *started.PreviousRunID),
			zap.Int("retry", started.RetryCount))
	}
	return rec, started
}

func finishRun(rec *state.Recorder, run state.Run, out state.Outcome) {
	if rec == nil {
		return
	}
	if _, err := rec.FinishRun(run, out); err != nil {
		Logger().Warn("recording run", zap.String("run", run.RunID), zap.Error(err))
	}
}
