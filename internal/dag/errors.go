package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid stage graph")
	ErrCycleFound   = errors.New("dependency cycle")
	ErrUnknownStage = errors.New("unknown stage")
)

// GraphError reports a graph construction or lookup failure.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func unknownStage(name string, known []string) error {
	return &GraphError{
		Kind: ErrUnknownStage,
		Msg:  fmt.Sprintf("%q (known: %s)", name, strings.Join(known, ", ")),
	}
}

func cycleError(path []string) error {
	return &GraphError{Kind: ErrCycleFound, Msg: strings.Join(path, " -> ")}
}
