package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sandboxforge/internal/core"
	"sandboxforge/internal/fetch"
)

// AssembleConfig describes the guest application and its interface.
type AssembleConfig struct {
	// Project holds pyproject.toml (and uv.lock) for `uv sync`.
	Project string

	WitDir string
	World  string

	// App is the module componentize-py loads; AppPath is where it lives.
	App     string
	AppPath string

	// Bootstrap is the generator argv, run in AppPath. Its stdout becomes
	// BootstrapFile, importable next to the app.
	Bootstrap     []string
	BootstrapFile string

	Output string
}

// Assembler installs every package artifact into a fresh environment and
// componentizes the guest application against the WIT world.
type Assembler struct {
	env      *Env
	cfg      AssembleConfig
	packages []Stage
	key      core.ArtifactKey

	checkWorld func(dir, world string) error
}

// NewAssembler builds the final stage. packages are the extension and
// prebuilt stages whose archives get installed.
func NewAssembler(env *Env, cfg AssembleConfig, packages []Stage) *Assembler {
	if cfg.BootstrapFile == "" {
		cfg.BootstrapFile = "prelude.py"
	}
	pkgs := append([]Stage(nil), packages...)
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name() < pkgs[j].Name() })

	key := core.ComputeKey(core.KeyInput{
		Stage:    core.StageAssemble,
		Version:  env.Build.Runtime().Version,
		Platform: env.Build.Platform(),
		Upstream: upstreamKeys(pkgs...),
		Extra: map[string]string{
			"world":     cfg.World,
			"app":       cfg.App,
			"bootstrap": strings.Join(cfg.Bootstrap, "\x00") + "\x00" + cfg.BootstrapFile,
			"wit":       treeDigest(cfg.WitDir),
			"sources":   treeDigest(cfg.AppPath),
			"project":   treeDigest(filepath.Join(cfg.Project, "pyproject.toml"), filepath.Join(cfg.Project, "uv.lock")),
		},
	})
	return &Assembler{env: env, cfg: cfg, packages: pkgs, key: key, checkWorld: checkWorld}
}

func (a *Assembler) Name() string        { return core.StageAssemble }
func (a *Assembler) Fingerprint() string { return a.key.String() }

func (a *Assembler) Requires() []string {
	out := make([]string, 0, len(a.packages))
	for _, p := range a.packages {
		out = append(out, p.Name())
	}
	return out
}

func (a *Assembler) Artifact() core.CachedArtifact {
	return core.CachedArtifact{Stage: core.StageAssemble, Path: a.cfg.Output, Key: a.key}
}

func (a *Assembler) Build(ctx context.Context) error {
	bc := a.env.Build
	const name = core.StageAssemble

	for _, p := range a.packages {
		art := p.Artifact()
		ok, err := core.Present(art)
		if err != nil {
			return err
		}
		if !ok {
			return core.MissingUpstreamError(name, artifactPath(art), p.Name())
		}
	}

	uv, err := a.env.Tools.LookPath("uv")
	if err != nil {
		return core.MissingToolError(name, "uv", "environment creation")
	}
	componentize, err := a.env.Tools.LookPath("componentize-py")
	if err != nil {
		return core.MissingToolError(name, "componentize-py", "componentization")
	}

	if err := a.checkWorld(a.cfg.WitDir, a.cfg.World); err != nil {
		return core.AssemblyError(name, a.cfg.WitDir, "invalid interface definition", err)
	}

	work := bc.BuildDir(name)
	if err := resetDir(work); err != nil {
		return err
	}
	envDir := filepath.Join(work, "env")
	pyVersion := strings.TrimPrefix(bc.PythonDir(), "python")

	Logger().Info("creating environment", zap.String("stage", name), zap.String("path", envDir))
	if err := a.tool(ctx, "uv venv", core.Command{
		Name: uv,
		Args: []string{"venv", "--python", pyVersion, envDir},
		Dir:  work,
	}); err != nil {
		return err
	}
	if err := a.tool(ctx, "uv sync", core.Command{
		Name: uv,
		Args: []string{"sync", "--project", a.cfg.Project},
		Dir:  a.cfg.Project,
		Env:  map[string]string{"UV_PROJECT_ENVIRONMENT": envDir},
	}); err != nil {
		return err
	}

	if err := a.checkNamespaces(ctx); err != nil {
		return err
	}

	sitePackages := filepath.Join(envDir, "lib", bc.PythonDir(), "site-packages")
	if err := os.MkdirAll(sitePackages, 0o755); err != nil {
		return err
	}
	for _, p := range a.packages {
		archive := p.Artifact().Path
		Logger().Info("installing", zap.String("stage", name), zap.String("package", filepath.Base(archive)))
		if err := fetch.Extract(archive, sitePackages, 0); err != nil {
			return core.AssemblyError(name, filepath.Base(archive), "installing package", err)
		}
	}

	bootDir := filepath.Join(work, "bootstrap")
	if err := a.bootstrap(ctx, bootDir); err != nil {
		return err
	}

	out := filepath.Join(work, filepath.Base(a.cfg.Output))
	Logger().Info("componentizing", zap.String("stage", name), zap.String("world", a.cfg.World), zap.String("app", a.cfg.App))
	if err := a.tool(ctx, "componentize-py", core.Command{
		Name: componentize,
		Args: []string{
			"-d", a.cfg.WitDir,
			"-w", a.cfg.World,
			"componentize", a.cfg.App,
			"-p", a.cfg.AppPath,
			"-p", bootDir,
			"-p", sitePackages,
			"-o", out,
		},
		Dir: work,
	}); err != nil {
		return err
	}

	ok, err := isComponent(out)
	if err != nil {
		return core.AssemblyError(name, out, "reading componentizer output", err)
	}
	if !ok {
		return core.AssemblyError(name, filepath.Base(out), "output does not carry the component-model header", nil)
	}
	if err := publish(out, a.cfg.Output); err != nil {
		return err
	}
	Logger().Info("assembled", zap.String("stage", name), zap.String("output", a.cfg.Output))
	return nil
}

// tool runs cmd and turns any failure into an AssemblyError carrying the
// tool's output.
func (a *Assembler) tool(ctx context.Context, what string, cmd core.Command) error {
	res, err := a.env.run(ctx, core.StageAssemble, cmd)
	if err != nil {
		return core.AssemblyError(core.StageAssemble, what, "tool could not run", err)
	}
	if res.ExitCode != 0 {
		return &core.StageError{
			Kind:     core.ErrAssembly,
			Stage:    core.StageAssemble,
			Artifact: what,
			Msg:      fmt.Sprintf("exit status %d", res.ExitCode),
			Output:   res.Output(),
		}
	}
	return nil
}

// checkNamespaces lists every archive's top-level names concurrently and
// rejects any name provided by two packages.
func (a *Assembler) checkNamespaces(ctx context.Context) error {
	names := make([][]string, len(a.packages))
	g, _ := errgroup.WithContext(ctx)
	for i, p := range a.packages {
		archive := p.Artifact().Path
		g.Go(func() error {
			top, err := fetch.TopLevelNames(archive)
			if err != nil {
				return core.AssemblyError(core.StageAssemble, filepath.Base(archive), "listing package", err)
			}
			names[i] = top
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	owner := make(map[string]string)
	for i, p := range a.packages {
		for _, n := range names[i] {
			if prev, ok := owner[n]; ok {
				return core.AssemblyError(core.StageAssemble, n,
					fmt.Sprintf("top-level name provided by both %s and %s", prev, p.Name()), nil)
			}
			owner[n] = p.Name()
		}
	}
	return nil
}

// bootstrap runs the generator with stdout streamed into the bootstrap file.
func (a *Assembler) bootstrap(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if len(a.cfg.Bootstrap) == 0 {
		return nil
	}
	dest := filepath.Join(dir, a.cfg.BootstrapFile)
	f, err := renameio.TempFile(dir, dest)
	if err != nil {
		return err
	}
	defer f.Cleanup()

	Logger().Info("generating bootstrap", zap.String("stage", core.StageAssemble), zap.String("file", a.cfg.BootstrapFile))
	if err := a.tool(ctx, "bootstrap generator", core.Command{
		Name:   a.cfg.Bootstrap[0],
		Args:   a.cfg.Bootstrap[1:],
		Dir:    a.cfg.AppPath,
		Stdout: f,
	}); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

// publish copies src over dst atomically; the two may be on different
// filesystems.
func publish(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := renameio.TempFile(filepath.Dir(dst), dst)
	if err != nil {
		return err
	}
	defer out.Cleanup()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Chmod(0o644); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}
