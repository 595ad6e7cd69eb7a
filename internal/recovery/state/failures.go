package state

import (
	"context"
	"errors"

	"sandboxforge/internal/core"
	"sandboxforge/internal/dag"
)

// Classify maps a run-terminating error onto the failure taxonomy. stage is
// the stage the error is attributed to, or "" when none is.
func Classify(err error, stage string) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}
	f := Failure{ErrorMessage: err.Error()}

	var se *core.StageError
	if errors.As(err, &se) && stage == "" {
		stage = se.Stage
	}
	if stage != "" {
		s := stage
		f.Stage = &s
	}

	switch kind := core.KindOf(err); {
	case errors.Is(err, dag.ErrInvalidGraph), errors.Is(err, dag.ErrCycleFound), errors.Is(err, dag.ErrUnknownStage):
		f.FailureClass = FailureClassGraph
		f.ErrorKind = "invalid graph"
		f.Resumable = false
	case kind == core.ErrUnsupportedPlatform:
		f.FailureClass = FailureClassConfiguration
		f.ErrorKind = kind.Error()
		f.Resumable = false
	case kind == core.ErrConfiguration:
		// Running the named prerequisite first is enough.
		f.FailureClass = FailureClassConfiguration
		f.ErrorKind = kind.Error()
		f.Resumable = true
	case kind != nil:
		f.FailureClass = FailureClassExecution
		f.ErrorKind = kind.Error()
		f.Resumable = true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.FailureClass = FailureClassSystem
		f.ErrorKind = "cancelled"
		f.Resumable = true
	default:
		f.FailureClass = FailureClassSystem
		f.ErrorKind = "internal error"
		f.Resumable = true
	}
	return f, nil
}
