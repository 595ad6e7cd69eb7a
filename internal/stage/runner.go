package stage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"sandboxforge/internal/core"
	"sandboxforge/internal/dag"
)

// CachedRunner applies the artifact cache policy to every stage: a current
// artifact is reused, a stale one is removed before rebuilding, and a fresh
// build is stamped only after it is in place.
type CachedRunner struct {
	Cache *core.ArtifactCache
}

func NewCachedRunner(cache *core.ArtifactCache) *CachedRunner {
	return &CachedRunner{Cache: cache}
}

func asStage(task dag.Task) (Stage, error) {
	s, ok := task.(Stage)
	if !ok {
		return nil, fmt.Errorf("task %q is not a pipeline stage", task.Name())
	}
	return s, nil
}

func (r *CachedRunner) Probe(_ context.Context, task dag.Task) (*dag.NodeResult, bool, error) {
	s, err := asStage(task)
	if err != nil {
		return nil, false, err
	}
	a := s.Artifact()
	status, err := r.Cache.Lookup(a)
	if err != nil {
		return nil, false, err
	}
	if status != core.Hit {
		return nil, false, nil
	}
	return &dag.NodeResult{Key: a.Key, Artifact: a.Path}, true, nil
}

func (r *CachedRunner) Run(ctx context.Context, task dag.Task) (*dag.NodeResult, error) {
	s, err := asStage(task)
	if err != nil {
		return nil, err
	}
	a := s.Artifact()

	status, err := r.Cache.Lookup(a)
	if err != nil {
		return nil, err
	}
	invalidated := false
	if status == core.Stale {
		Logger().Info("cache stale", zap.String("stage", a.Stage), zap.String("path", a.Path))
		if err := r.Cache.Invalidate(a); err != nil {
			return nil, err
		}
		invalidated = true
	}

	if err := s.Build(ctx); err != nil {
		return nil, err
	}

	ok, err := core.Present(a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("stage %q finished without producing %s", a.Stage, artifactPath(a))
	}
	if err := r.Cache.Commit(a); err != nil {
		return nil, err
	}
	return &dag.NodeResult{Key: a.Key, Artifact: a.Path, Invalidated: invalidated}, nil
}
