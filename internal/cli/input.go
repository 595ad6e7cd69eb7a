package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"sandboxforge/internal/core"
	"sandboxforge/internal/dag"
)

const (
	ExitSuccess           = 0
	ExitStageFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError carries the exit code an error should terminate with.
type InvocationError struct {
	ExitCode int
	Message  string
	Err      error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *InvocationError) Unwrap() error { return e.Err }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configError(err error) error {
	return &InvocationError{ExitCode: ExitConfigError, Err: err}
}

// ExitCode maps an error returned by a command onto a process exit code.
//
// Stage failures are 1 and bad usage, including unknown stage names, is 2.
// Configuration problems are 3, whether found while loading settings or at a
// stage's prerequisite gate. Anything else is 4.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if errors.Is(err, dag.ErrUnknownStage) {
		return ExitInvalidInvocation
	}
	if errors.Is(err, dag.ErrInvalidGraph) || errors.Is(err, dag.ErrCycleFound) {
		return ExitInternalError
	}
	var se *core.StageError
	if errors.As(err, &se) {
		switch se.Kind {
		case core.ErrUnsupportedPlatform, core.ErrConfiguration:
			return ExitConfigError
		}
		return ExitStageFailure
	}
	if errors.Is(err, context.Canceled) {
		return ExitStageFailure
	}
	return ExitInternalError
}

// resolveUnder makes p absolute relative to root. Empty stays empty.
func resolveUnder(root, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(root, clean)
}
