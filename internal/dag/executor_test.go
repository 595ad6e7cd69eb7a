package dag

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxforge/internal/core"
	"sandboxforge/internal/trace"
)

func TestRunSerial_AllStagesInDependencyOrder(t *testing.T) {
	g := pipelineGraph(t)
	runner := &fakeRunner{}
	rec := trace.NewRecorder()
	ex, err := NewExecutor(g, runner, rec)
	require.NoError(t, err)

	res, err := ex.RunSerial(context.Background())
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	assert.Equal(t,
		[]string{"toolchain", "prebuilt:c", "runtime", "extension:a", "extension:b", "assemble"},
		res.ExecutionOrder)
	assert.Equal(t, 6, res.FinalState.Count(TaskCompleted))
	assert.Equal(t, "/artifacts/assemble", res.Results["assemble"].Artifact)
	assert.Equal(t, 6, rec.Trace(string(g.Hash())).Counts()[trace.EventStageExecuted])
}

func TestRunSerial_CachedStagesAreNotRun(t *testing.T) {
	g := pipelineGraph(t)
	runner := &fakeRunner{cached: map[string]bool{"toolchain": true, "runtime": true, "extension:a": true}}
	rec := trace.NewRecorder()
	ex, err := NewExecutor(g, runner, rec)
	require.NoError(t, err)

	res, err := ex.RunSerial(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{"prebuilt:c", "extension:b", "assemble"}, runner.ranStages())
	assert.Equal(t, TaskCached, res.FinalState["runtime"])
	assert.True(t, res.Results["runtime"].FromCache)

	counts := rec.Trace("g").Counts()
	assert.Equal(t, 3, counts[trace.EventStageCached])
	assert.Equal(t, 3, counts[trace.EventStageExecuted])
}

func TestRunSerial_FullyCachedRunExecutesNothing(t *testing.T) {
	g := pipelineGraph(t)
	all := map[string]bool{}
	for _, n := range g.Names() {
		all[n] = true
	}
	runner := &fakeRunner{cached: all}
	ex, err := NewExecutor(g, runner, nil)
	require.NoError(t, err)

	res, err := ex.RunSerial(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Empty(t, runner.ranStages())
	assert.Empty(t, res.ExecutionOrder)
}

func TestRunSerial_FailFast(t *testing.T) {
	g := pipelineGraph(t)
	stageErr := core.CompileError("extension:a", "_core.c", []byte("error"), errBoom)
	runner := &fakeRunner{fail: map[string]error{"extension:a": stageErr}}
	rec := trace.NewRecorder()
	ex, err := NewExecutor(g, runner, rec)
	require.NoError(t, err)

	res, err := ex.RunSerial(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
	assert.Equal(t, "extension:a", res.FailedStage)
	assert.ErrorIs(t, res.Err, core.ErrCompile)

	assert.Equal(t, []string{"toolchain", "prebuilt:c", "runtime", "extension:a"}, runner.ranStages())
	assert.Equal(t, TaskFailed, res.FinalState["extension:a"])
	assert.Equal(t, TaskSkipped, res.FinalState["assemble"])
	assert.Equal(t, TaskSkipped, res.FinalState["extension:b"], "no dispatch after first failure")

	var skips []trace.Event
	for _, e := range rec.Trace("g").Events {
		if e.Kind == trace.EventStageSkipped {
			skips = append(skips, e)
		}
		if e.Kind == trace.EventStageFailed {
			assert.Equal(t, "compile failed", e.ErrorKind)
		}
	}
	require.Len(t, skips, 2)
	assert.Equal(t, trace.Event{Kind: trace.EventStageSkipped, Stage: "assemble", Reason: trace.ReasonUpstreamFailed, Cause: "extension:a"}, skips[0])
	assert.Equal(t, trace.Event{Kind: trace.EventStageSkipped, Stage: "extension:b", Reason: trace.ReasonAborted, Cause: "extension:a"}, skips[1])
}

func TestRunSerial_InvalidatedStageIsTraced(t *testing.T) {
	g, err := NewTaskGraph(tasks("runtime"), nil)
	require.NoError(t, err)
	rec := trace.NewRecorder()
	ex, err := NewExecutor(g, &fakeRunner{stale: map[string]bool{"runtime": true}}, rec)
	require.NoError(t, err)

	_, err = ex.RunSerial(context.Background())
	require.NoError(t, err)
	counts := rec.Trace("g").Counts()
	assert.Equal(t, 1, counts[trace.EventStageInvalidated])
	assert.Equal(t, 1, counts[trace.EventStageExecuted])
}

func TestRunSerial_CancelledContext(t *testing.T) {
	g := pipelineGraph(t)
	runner := &fakeRunner{}
	ex, err := NewExecutor(g, runner, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := ex.RunSerial(ctx)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Empty(t, runner.ranStages())
	assert.Equal(t, g.Len(), res.FinalState.Count(TaskSkipped))
}

func TestRunParallel_RunsIndependentStagesConcurrently(t *testing.T) {
	g := pipelineGraph(t)
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	ex, err := NewExecutor(g, runner, nil)
	require.NoError(t, err)

	res, err := ex.RunParallel(context.Background(), 4)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Len(t, runner.ranStages(), 6)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runner.peak), int32(2))

	// assemble is the join barrier.
	assert.Equal(t, "assemble", res.ExecutionOrder[len(res.ExecutionOrder)-1])
	assert.Equal(t, "toolchain", res.ExecutionOrder[0])
}

func TestRunParallel_RespectsConcurrencyLimit(t *testing.T) {
	g, err := NewTaskGraph(tasks("a", "b", "c", "d", "e"), nil)
	require.NoError(t, err)
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	ex, err := NewExecutor(g, runner, nil)
	require.NoError(t, err)

	res, err := ex.RunParallel(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.peak), int32(2))
}

func TestRunParallel_FailureStopsDispatch(t *testing.T) {
	g := pipelineGraph(t)
	runner := &fakeRunner{fail: map[string]error{"runtime": core.ConfigurationError("runtime", "python3.12", "")}}
	ex, err := NewExecutor(g, runner, nil)
	require.NoError(t, err)

	res, err := ex.RunParallel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "runtime", res.FailedStage)
	assert.ErrorIs(t, res.Err, core.ErrConfiguration)
	assert.NotContains(t, runner.ranStages(), "extension:a")
	assert.NotContains(t, runner.ranStages(), "assemble")
	assert.Equal(t, 0, res.FinalState.Count(TaskPending))
	assert.Equal(t, 0, res.FinalState.Count(TaskRunning))
}

func TestRunParallel_CacheHitsUnlockDependents(t *testing.T) {
	g := pipelineGraph(t)
	runner := &fakeRunner{cached: map[string]bool{"toolchain": true, "runtime": true}}
	ex, err := NewExecutor(g, runner, nil)
	require.NoError(t, err)

	res, err := ex.RunParallel(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.ElementsMatch(t, []string{"prebuilt:c", "extension:a", "extension:b", "assemble"}, runner.ranStages())
}

func TestRunParallel_RejectsBadConcurrency(t *testing.T) {
	ex, err := NewExecutor(pipelineGraph(t), &fakeRunner{}, nil)
	require.NoError(t, err)
	_, err = ex.RunParallel(context.Background(), 0)
	assert.Error(t, err)
}

func TestNewExecutor_NilArgs(t *testing.T) {
	_, err := NewExecutor(nil, &fakeRunner{}, nil)
	assert.Error(t, err)
	_, err = NewExecutor(pipelineGraph(t), nil, nil)
	assert.Error(t, err)
}

func TestTraceIdenticalAcrossSerialAndParallel(t *testing.T) {
	run := func(parallel bool) string {
		g := pipelineGraph(t)
		rec := trace.NewRecorder()
		ex, err := NewExecutor(g, &fakeRunner{cached: map[string]bool{"toolchain": true}}, rec)
		require.NoError(t, err)
		if parallel {
			_, err = ex.RunParallel(context.Background(), 4)
		} else {
			_, err = ex.RunSerial(context.Background())
		}
		require.NoError(t, err)
		h, err := rec.Trace(string(g.Hash())).Hash()
		require.NoError(t, err)
		return h
	}
	assert.Equal(t, run(false), run(true))
}
