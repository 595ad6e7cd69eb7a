package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"sandboxforge/internal/core"
	"sandboxforge/internal/fetch"
)

// Extension cross-compiles one native extension package against the runtime
// headers and packages it as a deterministic tarball.
type Extension struct {
	env       *Env
	spec      core.ExtensionSpec
	toolchain Stage
	runtime   Stage
	key       core.ArtifactKey
}

func NewExtension(env *Env, spec core.ExtensionSpec, toolchain, runtime Stage) *Extension {
	bc := env.Build
	l := spec.Layout
	key := core.ComputeKey(core.KeyInput{
		Stage:            core.ExtensionStage(spec.Name),
		Version:          spec.Version,
		Checksum:         env.checksum(spec.Archive()),
		ToolchainVersion: bc.Toolchain().Version,
		Platform:         bc.Platform(),
		Flags:            bc.Flags().Fingerprint(),
		Upstream:         upstreamKeys(toolchain, runtime),
		Extra: map[string]string{
			"abi":     bc.ABI().String(),
			"files":   strings.Join(l.Files(bc.ABI()), ","),
			"sources": strings.Join(l.Module.Sources, ","),
			"bundled": strings.Join(spec.BundledSources, ","),
			"entry":   l.Module.Entry,
		},
	})
	return &Extension{env: env, spec: spec, toolchain: toolchain, runtime: runtime, key: key}
}

func (e *Extension) Name() string        { return core.ExtensionStage(e.spec.Name) }
func (e *Extension) Fingerprint() string { return e.key.String() }

func (e *Extension) Requires() []string {
	return []string{e.toolchain.Name(), e.runtime.Name()}
}

func (e *Extension) Artifact() core.CachedArtifact {
	bc := e.env.Build
	return core.CachedArtifact{
		Stage: e.Name(),
		Path:  filepath.Join(bc.PackagesDir(), e.spec.PackageFile(bc.ABI())),
		Key:   e.key,
	}
}

func (e *Extension) Build(ctx context.Context) error {
	bc := e.env.Build
	name := e.Name()
	layout := e.spec.Layout

	if err := requirePresent(name, e.toolchain); err != nil {
		return err
	}
	if err := requirePresent(name, e.runtime); err != nil {
		return err
	}

	archive := filepath.Join(bc.DownloadsDir(), e.spec.Archive())
	if _, err := e.env.Fetcher.Ensure(ctx, fetch.Request{Stage: name, URL: e.spec.URL(), Dest: archive}); err != nil {
		return err
	}

	work := bc.BuildDir(name)
	if err := resetDir(work); err != nil {
		return err
	}
	srcRoot := filepath.Join(work, "src")
	Logger().Info("extracting", zap.String("stage", name), zap.String("archive", filepath.Base(archive)))
	if err := fetch.Extract(archive, srcRoot, 1); err != nil {
		return fmt.Errorf("extracting %s: %w", filepath.Base(archive), err)
	}

	pkgDir, err := e.locatePackage(srcRoot)
	if err != nil {
		return err
	}

	stageRoot := filepath.Join(work, "stage")
	stagedPkg := filepath.Join(stageRoot, layout.Package)
	for _, f := range layout.CopiedFiles() {
		src := filepath.Join(pkgDir, filepath.FromSlash(f))
		if _, err := os.Stat(src); err != nil {
			return core.SourceLayoutError(name, filepath.ToSlash(filepath.Join(layout.Package, f)), "declared package file is missing from the source")
		}
		if err := copyFile(src, filepath.Join(stagedPkg, filepath.FromSlash(f))); err != nil {
			return err
		}
	}

	objects, err := e.compile(ctx, work, srcRoot, pkgDir)
	if err != nil {
		return err
	}

	module := filepath.Join(stagedPkg, layout.Module.FileName(bc.ABI()))
	if err := e.link(ctx, module, objects); err != nil {
		return err
	}

	exports, err := moduleExports(ctx, module)
	if err != nil {
		return core.LinkError(name, filepath.Base(module), nil, err)
	}
	if err := checkEntry(exports, layout.Module.Entry); err != nil {
		return core.LinkError(name, filepath.Base(module), nil, err)
	}

	want := layout.Files(bc.ABI())
	got, err := listFiles(stageRoot)
	if err != nil {
		return err
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		return core.SourceLayoutError(name, e.spec.PackageFile(bc.ABI()),
			fmt.Sprintf("staged files [%s] differ from the package layout [%s]", strings.Join(got, " "), strings.Join(want, " ")))
	}

	dest := e.Artifact().Path
	if err := fetch.CreateTarball(stageRoot, want, dest); err != nil {
		return fmt.Errorf("packaging %s: %w", filepath.Base(dest), err)
	}
	Logger().Info("packaged", zap.String("stage", name), zap.String("package", dest), zap.Int("files", len(want)))
	return nil
}

// locatePackage finds the package directory under the flat (<pkg>/) or src
// (src/<pkg>/) layout; the first one holding every native source wins.
func (e *Extension) locatePackage(srcRoot string) (string, error) {
	layout := e.spec.Layout
	candidates := []string{
		filepath.Join(srcRoot, layout.Package),
		filepath.Join(srcRoot, "src", layout.Package),
	}
	for _, dir := range candidates {
		if hasAll(dir, layout.Module.Sources) {
			return dir, nil
		}
	}
	return "", core.SourceLayoutError(e.Name(), e.spec.Archive(),
		fmt.Sprintf("no %s/ or src/%s/ directory holds every native source (%s)",
			layout.Package, layout.Package, strings.Join(layout.Module.Sources, ", ")))
}

func hasAll(dir string, files []string) bool {
	for _, f := range files {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}

func (e *Extension) compile(ctx context.Context, work, srcRoot, pkgDir string) ([]string, error) {
	bc := e.env.Build
	name := e.Name()
	flags := bc.Flags()
	objDir := filepath.Join(work, "obj")
	if err := os.MkdirAll(objDir, 0o755); err != nil {
		return nil, err
	}

	type unit struct{ rel, path string }
	var units []unit
	for _, s := range e.spec.Layout.Module.Sources {
		units = append(units, unit{rel: s, path: filepath.Join(pkgDir, filepath.FromSlash(s))})
	}
	for _, s := range e.spec.BundledSources {
		p := filepath.Join(srcRoot, filepath.FromSlash(s))
		if _, err := os.Stat(p); err != nil {
			return nil, core.SourceLayoutError(name, s, "bundled source is missing")
		}
		units = append(units, unit{rel: s, path: p})
	}

	objects := make([]string, 0, len(units))
	for i, u := range units {
		obj := filepath.Join(objDir, fmt.Sprintf("%02d-%s.o", i, strings.TrimSuffix(filepath.Base(u.rel), filepath.Ext(u.rel))))
		Logger().Info("compiling", zap.String("stage", name), zap.String("source", u.rel))
		res, err := e.env.run(ctx, name, core.Command{
			Name: bc.Clang(),
			Args: flags.CompileArgs(u.path, obj, pkgDir, srcRoot),
			Dir:  work,
		})
		if err != nil {
			return nil, core.CompileError(name, u.rel, nil, err)
		}
		if res.ExitCode != 0 {
			return nil, core.CompileError(name, u.rel, res.Output(), fmt.Errorf("exit status %d", res.ExitCode))
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func (e *Extension) link(ctx context.Context, module string, objects []string) error {
	bc := e.env.Build
	name := e.Name()
	if err := os.MkdirAll(filepath.Dir(module), 0o755); err != nil {
		return err
	}
	Logger().Info("linking", zap.String("stage", name), zap.String("module", filepath.Base(module)))
	res, err := e.env.run(ctx, name, core.Command{
		Name: bc.WasmLD(),
		Args: core.LinkArgs(e.spec.Layout.Module.Entry, module, objects),
		Dir:  filepath.Dir(module),
	})
	if err != nil {
		return core.LinkError(name, filepath.Base(module), nil, err)
	}
	if res.ExitCode != 0 {
		return core.LinkError(name, filepath.Base(module), res.Output(), fmt.Errorf("exit status %d", res.ExitCode))
	}
	return nil
}
