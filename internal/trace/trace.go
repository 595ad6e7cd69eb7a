// Package trace records what a pipeline run decided for each stage.
//
// A trace holds logical decisions only: cache hit, rebuilt, failed, skipped.
// It carries no timestamps, durations or error text, so two runs that made the
// same decisions produce byte-identical traces regardless of timing or
// parallelism.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// EventKind discriminates trace events. The string values are part of the
// canonical encoding.
type EventKind string

const (
	EventStageInvalidated EventKind = "StageInvalidated"
	EventStageCached      EventKind = "StageCached"
	EventStageExecuted    EventKind = "StageExecuted"
	EventStageFailed      EventKind = "StageFailed"
	EventStageSkipped     EventKind = "StageSkipped"
)

// Reason codes.
const (
	ReasonCacheHit       = "CacheHit"
	ReasonStaleArtifact  = "StaleArtifact"
	ReasonMissing        = "ArtifactMissing"
	ReasonUpstreamFailed = "UpstreamFailed"
	ReasonAborted        = "Aborted"
)

// Event is a single stage decision.
type Event struct {
	Kind  EventKind `json:"kind"`
	Stage string    `json:"stage"`

	Reason string `json:"reason,omitempty"`

	// Cause names the stage responsible for a skip.
	Cause string `json:"cause,omitempty"`

	// ErrorKind is the failure category (e.g. "compile failed"), never the
	// full message.
	ErrorKind string `json:"errorKind,omitempty"`

	// Key is the artifact key the stage was satisfied or built under.
	Key string `json:"key,omitempty"`
}

// ExecutionTrace is the canonical record of one graph execution.
type ExecutionTrace struct {
	GraphHash string  `json:"graphHash"`
	Events    []Event `json:"events"`
}

// Validate checks the invariants every encoded trace must satisfy.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if kindOrder(e.Kind) == unknownKind {
			return fmt.Errorf("events[%d].kind %q is unknown", i, e.Kind)
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required", i)
		}
	}
	return nil
}

// Canonicalize sorts events by (stage, kind, reason, cause, errorKind, key).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if ka, kb := kindOrder(a.Kind), kindOrder(b.Kind); ka != kb {
			return ka < kb
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Cause != b.Cause {
			return a.Cause < b.Cause
		}
		if a.ErrorKind != b.ErrorKind {
			return a.ErrorKind < b.ErrorKind
		}
		return a.Key < b.Key
	})
}

const unknownKind = 1000

// kindOrder places events for one stage in the order they can happen.
func kindOrder(k EventKind) int {
	switch k {
	case EventStageInvalidated:
		return 10
	case EventStageCached:
		return 20
	case EventStageExecuted:
		return 30
	case EventStageFailed:
		return 40
	case EventStageSkipped:
		return 50
	}
	return unknownKind
}

// CanonicalJSON encodes a canonicalized copy of the trace; the receiver's
// event slice is not reordered.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	cp := ExecutionTrace{GraphHash: t.GraphHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(cp)
}

// Hash returns the sha256 of the canonical encoding.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// Counts tallies events by kind.
func (t ExecutionTrace) Counts() map[EventKind]int {
	out := make(map[EventKind]int)
	for _, e := range t.Events {
		out[e.Kind]++
	}
	return out
}
