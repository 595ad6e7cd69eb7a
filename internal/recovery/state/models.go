package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persistent metadata of one pipeline invocation.
//
// previous_run_id links a retry to the failed run with the same graph hash it
// follows; retry_count counts the consecutive failed attempts before it.
type Run struct {
	RunID         string    `json:"run_id"`
	GraphHash     string    `json:"graph_hash"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitzero"`
	Command       string    `json:"command"`
	Stages        []string  `json:"stages"`
	CacheMode     string    `json:"cache_mode"`
	Jobs          int       `json:"jobs"`
	RetryCount    int       `json:"retry_count"`
	Status        RunStatus `json:"status"`
	PreviousRunID *string   `json:"previous_run_id"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.GraphHash) == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if strings.TrimSpace(r.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if r.Stages == nil {
		errs = append(errs, errors.New("stages must be an array (not null)"))
	}
	if r.Jobs < 0 {
		errs = append(errs, errors.New("jobs must be >= 0"))
	}
	if r.RetryCount < 0 {
		errs = append(errs, errors.New("retry_count must be >= 0"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.PreviousRunID != nil && strings.TrimSpace(*r.PreviousRunID) == "" {
		errs = append(errs, errors.New("previous_run_id must not be empty when provided"))
	}
	return errors.Join(errs...)
}

// Checkpoint records a stage whose artifact was verified current when the
// run finished.
type Checkpoint struct {
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key"`
	Artifact  string    `json:"artifact"`
	FromCache bool      `json:"from_cache"`
	Valid     bool      `json:"valid"`
}

func (c Checkpoint) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Stage) == "" {
		errs = append(errs, errors.New("stage is required"))
	}
	if c.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if strings.TrimSpace(c.Key) == "" {
		errs = append(errs, errors.New("key is required"))
	}
	if strings.TrimSpace(c.Artifact) == "" {
		errs = append(errs, errors.New("artifact is required"))
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	// FailureClassGraph: the stage graph itself is invalid.
	FailureClassGraph FailureClass = "graph"
	// FailureClassConfiguration: host platform or a prerequisite is missing.
	FailureClassConfiguration FailureClass = "configuration"
	// FailureClassExecution: a stage ran and failed.
	FailureClassExecution FailureClass = "execution"
	// FailureClassSystem: anything else (I/O, cancellation, internal errors).
	FailureClassSystem FailureClass = "system"
)

// Failure is the recorded termination reason of a failed run.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Stage        *string      `json:"stage,omitempty"`
	ErrorKind    string       `json:"error_kind"`
	ErrorMessage string       `json:"error_message"`

	// Resumable reports whether a rerun picks up the cached progress of this
	// one without manual intervention.
	Resumable bool `json:"resumable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassGraph, FailureClassConfiguration, FailureClassExecution, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Stage != nil && strings.TrimSpace(*f.Stage) == "" {
		errs = append(errs, errors.New("stage must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorKind) == "" {
		errs = append(errs, errors.New("error_kind is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
