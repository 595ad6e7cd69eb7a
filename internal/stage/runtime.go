package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"sandboxforge/internal/core"
	"sandboxforge/internal/fetch"
)

// Runtime configures the pinned CPython source for the WASI target and
// publishes its header bundle. It does not build the interpreter itself.
type Runtime struct {
	env       *Env
	toolchain Stage
	key       core.ArtifactKey
}

func NewRuntime(env *Env, toolchain Stage) *Runtime {
	bc := env.Build
	spec := bc.Runtime()

	extra := map[string]string{
		"build-python": spec.BuildPython,
		"config-site":  spec.ConfigSite,
	}
	for k, v := range spec.ConfigOverrides {
		extra["override:"+k] = v
	}
	key := core.ComputeKey(core.KeyInput{
		Stage:            core.StageRuntime,
		Version:          spec.Version,
		Checksum:         env.checksum(spec.Archive()),
		ToolchainVersion: bc.Toolchain().Version,
		Platform:         bc.Platform(),
		Flags:            bc.Flags().Fingerprint(),
		Upstream:         upstreamKeys(toolchain),
		Extra:            extra,
	})
	return &Runtime{env: env, toolchain: toolchain, key: key}
}

func (r *Runtime) Name() string        { return core.StageRuntime }
func (r *Runtime) Fingerprint() string { return r.key.String() }
func (r *Runtime) Requires() []string  { return []string{r.toolchain.Name()} }

func (r *Runtime) Artifact() core.CachedArtifact {
	bc := r.env.Build
	return core.CachedArtifact{
		Stage:    core.StageRuntime,
		Path:     bc.HeadersDir(),
		Key:      r.key,
		Sentinel: filepath.Join("include", bc.PythonDir(), "pyconfig.h"),
	}
}

func (r *Runtime) Build(ctx context.Context) error {
	bc := r.env.Build
	spec := bc.Runtime()

	if err := requirePresent(core.StageRuntime, r.toolchain); err != nil {
		return err
	}
	python, err := r.env.Tools.LookPath(spec.BuildPython)
	if err != nil {
		return core.MissingToolError(core.StageRuntime, spec.BuildPython, "configure --with-build-python")
	}

	archive := filepath.Join(bc.DownloadsDir(), spec.Archive())
	if _, err := r.env.Fetcher.Ensure(ctx, fetch.Request{Stage: core.StageRuntime, URL: spec.URL(), Dest: archive}); err != nil {
		return err
	}

	srcDir := bc.BuildDir(core.StageRuntime)
	if err := resetDir(srcDir); err != nil {
		return err
	}
	Logger().Info("extracting", zap.String("stage", core.StageRuntime), zap.String("archive", filepath.Base(archive)))
	if err := fetch.Extract(archive, srcDir, 1); err != nil {
		return fmt.Errorf("extracting %s: %w", filepath.Base(archive), err)
	}
	if _, err := os.Stat(filepath.Join(srcDir, "configure")); err != nil {
		return core.SourceLayoutError(core.StageRuntime, filepath.Base(archive), "no configure script at the source root")
	}

	Logger().Info("configuring", zap.String("stage", core.StageRuntime), zap.String("host", core.ConfigureHost), zap.String("build", bc.BuildTriple()))
	res, err := r.env.run(ctx, core.StageRuntime, core.Command{
		Name: filepath.Join(srcDir, "configure"),
		Args: []string{
			"--host=" + core.ConfigureHost,
			"--build=" + bc.BuildTriple(),
			"--with-build-python=" + python,
		},
		Dir: srcDir,
		Env: r.configureEnv(srcDir),
	})
	if err != nil {
		return core.CompileError(core.StageRuntime, "configure", nil, err)
	}
	if res.ExitCode != 0 {
		return core.CompileError(core.StageRuntime, "configure", res.Output(), fmt.Errorf("exit status %d", res.ExitCode))
	}

	return r.publishHeaders(srcDir)
}

// configureEnv points configure at the wasi-sdk tools and the cross cache
// variables.
func (r *Runtime) configureEnv(srcDir string) map[string]string {
	bc := r.env.Build
	spec := bc.Runtime()
	flags := bc.Flags()

	env := map[string]string{
		"CC":      bc.Clang(),
		"CPP":     bc.Clang() + " -E",
		"AR":      bc.AR(),
		"RANLIB":  bc.Ranlib(),
		"CFLAGS":  flags.CFlags(),
		"LDFLAGS": "--target=" + flags.Target + " --sysroot=" + flags.Sysroot,
	}
	if spec.ConfigSite != "" {
		env["CONFIG_SITE"] = filepath.Join(srcDir, filepath.FromSlash(spec.ConfigSite))
	}
	keys := make([]string, 0, len(spec.ConfigOverrides))
	for k := range spec.ConfigOverrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasPrefix(k, "ac_cv_") {
			env[k] = spec.ConfigOverrides[k]
		}
	}
	return env
}

// publishHeaders stages Include/** plus the generated pyconfig.h and renames
// the bundle into place.
func (r *Runtime) publishHeaders(srcDir string) error {
	bc := r.env.Build

	pyconfig := filepath.Join(srcDir, "pyconfig.h")
	if _, err := os.Stat(pyconfig); err != nil {
		return core.SourceLayoutError(core.StageRuntime, "pyconfig.h", "configure did not generate pyconfig.h")
	}
	include := filepath.Join(srcDir, "Include")
	if info, err := os.Stat(include); err != nil || !info.IsDir() {
		return core.SourceLayoutError(core.StageRuntime, "Include", "source tree has no Include directory")
	}

	tmp, err := os.MkdirTemp(bc.ToolCache(), ".runtime-headers-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	dst := filepath.Join(tmp, "include", bc.PythonDir())
	if err := copyTree(include, dst); err != nil {
		return fmt.Errorf("copying headers: %w", err)
	}
	if err := copyFile(pyconfig, filepath.Join(dst, "pyconfig.h")); err != nil {
		return fmt.Errorf("copying pyconfig.h: %w", err)
	}
	if err := replaceDir(tmp, bc.HeadersDir()); err != nil {
		return err
	}
	Logger().Info("headers published", zap.String("stage", core.StageRuntime), zap.String("path", bc.PythonIncludeDir()))
	return nil
}
