package stage

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"sandboxforge/internal/core"
	"sandboxforge/internal/fetch"
)

// Prebuilt fetches a trusted, already cross-built package archive and keeps
// its bytes unmodified.
type Prebuilt struct {
	env  *Env
	spec core.PrebuiltSpec
	key  core.ArtifactKey
}

func NewPrebuilt(env *Env, spec core.PrebuiltSpec) *Prebuilt {
	key := core.ComputeKey(core.KeyInput{
		Stage:    core.PrebuiltStage(spec.Name),
		Version:  spec.Version,
		Checksum: env.checksum(spec.Archive()),
		Extra:    map[string]string{"url": spec.URL()},
	})
	return &Prebuilt{env: env, spec: spec, key: key}
}

func (p *Prebuilt) Name() string        { return core.PrebuiltStage(p.spec.Name) }
func (p *Prebuilt) Fingerprint() string { return p.key.String() }
func (p *Prebuilt) Requires() []string  { return nil }

func (p *Prebuilt) Artifact() core.CachedArtifact {
	return core.CachedArtifact{
		Stage: p.Name(),
		Path:  filepath.Join(p.env.Build.PrebuiltDir(), p.spec.Archive()),
		Key:   p.key,
	}
}

func (p *Prebuilt) Build(ctx context.Context) error {
	res, err := p.env.Fetcher.Ensure(ctx, fetch.Request{
		Stage:    p.Name(),
		URL:      p.spec.URL(),
		Dest:     p.Artifact().Path,
		Optional: p.spec.Optional,
	})
	if err != nil {
		return err
	}
	if !res.Verified {
		Logger().Warn("prebuilt fetched without a pinned checksum",
			zap.String("stage", p.Name()), zap.String("sha256", res.SHA256), zap.String("url", p.spec.URL()))
	}
	return nil
}
