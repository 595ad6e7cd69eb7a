package state

import (
	"errors"
	"fmt"
	"time"

	"sandboxforge/internal/core"
)

// CheckpointValidator writes a checkpoint only for stages whose artifact is
// on disk and current according to the artifact cache.
type CheckpointValidator struct {
	Store *Store
	Cache *core.ArtifactCache
}

type CheckpointInput struct {
	RunID     string
	When      time.Time
	Artifact  core.CachedArtifact
	FromCache bool
}

// CreateAndSave verifies the artifact and persists the checkpoint. A stage
// whose artifact is absent or stale gets no checkpoint and an error.
func (v *CheckpointValidator) CreateAndSave(in CheckpointInput) (Checkpoint, error) {
	if v == nil || v.Store == nil || v.Cache == nil {
		return Checkpoint{}, errors.New("CheckpointValidator requires Store and Cache")
	}
	a := in.Artifact
	if a.Stage == "" {
		return Checkpoint{}, errors.New("artifact stage is required")
	}
	status, err := v.Cache.Lookup(a)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("verifying %s: %w", a.Stage, err)
	}
	if status != core.Hit {
		return Checkpoint{}, fmt.Errorf("artifact of %s is %s, not current", a.Stage, status)
	}

	when := in.When
	if when.IsZero() {
		when = time.Now().UTC()
	}
	cp := Checkpoint{
		Stage:     a.Stage,
		Timestamp: when,
		Key:       a.Key.String(),
		Artifact:  a.Path,
		FromCache: in.FromCache,
		Valid:     true,
	}
	if err := v.Store.SaveCheckpoint(in.RunID, cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}
