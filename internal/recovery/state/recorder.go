package state

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"sandboxforge/internal/core"
	"sandboxforge/internal/dag"
	"sandboxforge/internal/trace"
)

// Recorder persists the lifecycle of pipeline runs: the run record when it
// starts, and on completion its status, checkpoints, failure and trace.
type Recorder struct {
	Store     *Store
	Validator *CheckpointValidator

	now func() time.Time
}

func NewRecorder(store *Store, cache *core.ArtifactCache) *Recorder {
	return &Recorder{
		Store:     store,
		Validator: &CheckpointValidator{Store: store, Cache: cache},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewRunID returns a time-ordered identifier, so lexical order of run
// directories is start order.
func (r *Recorder) NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (r *Recorder) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

// StartRun assigns an ID when run has none, links it to the failed run it
// retries and saves it with status running.
func (r *Recorder) StartRun(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	if run.RunID == "" {
		id, err := r.NewRunID()
		if err != nil {
			return Run{}, fmt.Errorf("run id: %w", err)
		}
		run.RunID = id
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.clock()
	}
	if run.Stages == nil {
		run.Stages = []string{}
	}
	run.Status = RunStatusRunning

	prev, err := r.lastAttempt(run.GraphHash)
	if err != nil {
		return Run{}, err
	}
	if prev != nil && prev.Status != RunStatusSucceeded {
		id := prev.RunID
		run.PreviousRunID = &id
		run.RetryCount = prev.RetryCount + 1
	}
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// lastAttempt finds the most recent run of the same graph. Unreadable
// records are skipped.
func (r *Recorder) lastAttempt(graphHash string) (*Run, error) {
	ids, err := r.Store.ListRunIDs()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		prev, err := r.Store.LoadRun(ids[i])
		if err != nil {
			continue
		}
		if prev.GraphHash == graphHash {
			return &prev, nil
		}
	}
	return nil, nil
}

// Outcome is what a finished run produced.
type Outcome struct {
	// Result is nil when execution never started.
	Result *dag.GraphResult
	// Err overrides Result.Err, for failures outside stage execution.
	Err       error
	Artifacts map[string]core.CachedArtifact
	Trace     *trace.ExecutionTrace
}

// FinishRun records the outcome of run. Checkpoints are written for every
// stage that completed or was cached and whose artifact verifies as current.
func (r *Recorder) FinishRun(run Run, out Outcome) (Run, error) {
	if r == nil || r.Store == nil {
		return run, errors.New("Store is required")
	}
	var errs []error

	err, failedStage := out.Err, ""
	if out.Result != nil {
		if err == nil {
			err = out.Result.Err
		}
		failedStage = out.Result.FailedStage
		for _, name := range sortedStages(out.Result.FinalState) {
			if !dag.IsSuccessful(out.Result.FinalState[name]) {
				continue
			}
			a, ok := out.Artifacts[name]
			if !ok || r.Validator == nil {
				continue
			}
			fromCache := out.Result.FinalState[name] == dag.TaskCached
			if _, cerr := r.Validator.CreateAndSave(CheckpointInput{RunID: run.RunID, When: r.clock(), Artifact: a, FromCache: fromCache}); cerr != nil {
				errs = append(errs, fmt.Errorf("checkpoint %s: %w", name, cerr))
			}
		}
	}

	if out.Trace != nil {
		if terr := r.Store.SaveTrace(run.RunID, *out.Trace); terr != nil {
			errs = append(errs, terr)
		}
	}

	run.EndTime = r.clock()
	run.Status = RunStatusSucceeded
	if err != nil {
		run.Status = RunStatusFailed
		f, cerr := Classify(err, failedStage)
		if cerr == nil {
			cerr = r.Store.SaveFailure(run.RunID, f)
		}
		if cerr != nil {
			errs = append(errs, cerr)
		}
	}
	if serr := r.Store.SaveRun(run); serr != nil {
		errs = append(errs, serr)
	}
	return run, errors.Join(errs...)
}

func sortedStages(st dag.ExecutionState) []string {
	names := make([]string, 0, len(st))
	for n := range st {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
