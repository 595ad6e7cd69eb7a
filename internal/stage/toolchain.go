package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"sandboxforge/internal/core"
	"sandboxforge/internal/fetch"
)

var clangSentinel = filepath.Join("bin", "clang")

// Toolchain installs the pinned wasi-sdk release for the host platform into
// the version-free <cache>/wasi-sdk directory.
type Toolchain struct {
	env *Env
	key core.ArtifactKey
}

func NewToolchain(env *Env) *Toolchain {
	bc := env.Build
	spec := bc.Toolchain()
	key := core.ComputeKey(core.KeyInput{
		Stage:            core.StageToolchain,
		Version:          spec.Version,
		Checksum:         env.checksum(spec.Archive(bc.Platform())),
		ToolchainVersion: spec.Version,
		Platform:         bc.Platform(),
	})
	return &Toolchain{env: env, key: key}
}

func (t *Toolchain) Name() string        { return core.StageToolchain }
func (t *Toolchain) Fingerprint() string { return t.key.String() }
func (t *Toolchain) Requires() []string  { return nil }

func (t *Toolchain) Artifact() core.CachedArtifact {
	return core.CachedArtifact{
		Stage:      core.StageToolchain,
		Path:       t.env.Build.SDKDir(),
		Key:        t.key,
		Sentinel:   clangSentinel,
		Executable: true,
	}
}

func (t *Toolchain) Build(ctx context.Context) error {
	bc := t.env.Build
	spec := bc.Toolchain()
	archive := filepath.Join(bc.DownloadsDir(), spec.Archive(bc.Platform()))

	if _, err := t.env.Fetcher.Ensure(ctx, fetch.Request{
		Stage: core.StageToolchain,
		URL:   spec.URL(bc.Platform()),
		Dest:  archive,
	}); err != nil {
		return err
	}

	if err := os.MkdirAll(bc.ToolCache(), 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(bc.ToolCache(), ".wasi-sdk-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	Logger().Info("extracting", zap.String("stage", core.StageToolchain), zap.String("archive", filepath.Base(archive)))
	if err := fetch.Extract(archive, tmp, 1); err != nil {
		return fmt.Errorf("extracting %s: %w", filepath.Base(archive), err)
	}
	if info, err := os.Stat(filepath.Join(tmp, clangSentinel)); err != nil || info.Mode().Perm()&0o111 == 0 {
		return core.SourceLayoutError(core.StageToolchain, filepath.Base(archive), "archive has no executable "+filepath.ToSlash(clangSentinel))
	}
	if err := replaceDir(tmp, bc.SDKDir()); err != nil {
		return err
	}
	Logger().Info("installed", zap.String("stage", core.StageToolchain), zap.String("path", bc.SDKDir()), zap.String("version", spec.Version))
	return nil
}
