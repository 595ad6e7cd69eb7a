package cli

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"sandboxforge/internal/core"
	"sandboxforge/internal/dag"
	"sandboxforge/internal/fetch"
	"sandboxforge/internal/stage"
)

// Pipeline is the fully wired stage graph of one invocation.
type Pipeline struct {
	Config Config
	Env    *stage.Env
	Cache  *core.ArtifactCache
	Stages []stage.Stage
	Graph  *dag.TaskGraph

	byName map[string]stage.Stage
}

// NewPipeline resolves the build context, loads the checksum file and wires
// every stage of cat. Without a checksum file every pinned fetch fails its
// integrity gate, so only a warning is logged here.
func NewPipeline(cfg Config, cat Catalog, tools core.CommandRunner) (*Pipeline, error) {
	bc, err := core.NewBuildContext(core.BuildOptions{
		Root:      cfg.Root,
		ToolCache: cfg.ToolCache,
		OS:        cfg.HostOS,
		Arch:      cfg.HostArch,
		Toolchain: cat.Toolchain,
		Runtime:   cat.Runtime,
	})
	if err != nil {
		var se *core.StageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, configError(err)
	}

	if _, err := os.Stat(cfg.Checksums); errors.Is(err, os.ErrNotExist) {
		Logger().Warn("checksum file not found", zap.String("path", cfg.Checksums))
	}
	sums, err := fetch.LoadChecksums(cfg.Checksums)
	if err != nil {
		return nil, configError(fmt.Errorf("loading checksums: %w", err))
	}

	if tools == nil {
		tools = core.NewExecRunner()
	}
	fetcher := fetch.NewFetcher(sums)
	fetcher.Logf = fetchLogf
	env := &stage.Env{Build: bc, Fetcher: fetcher, Tools: tools}

	toolchain := stage.NewToolchain(env)
	runtime := stage.NewRuntime(env, toolchain)
	stages := []stage.Stage{toolchain, runtime}
	var packages []stage.Stage
	for _, spec := range cat.Extensions {
		packages = append(packages, stage.NewExtension(env, spec, toolchain, runtime))
	}
	for _, spec := range cat.Prebuilts {
		packages = append(packages, stage.NewPrebuilt(env, spec))
	}
	stages = append(stages, packages...)
	stages = append(stages, stage.NewAssembler(env, stage.AssembleConfig{
		Project:   cfg.Project,
		WitDir:    cfg.WitDir,
		World:     cfg.World,
		App:       cfg.App,
		AppPath:   cfg.AppPath,
		Bootstrap: cfg.Bootstrap,
		Output:    cfg.Output,
	}, packages))

	g, err := stage.Graph(stages)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]stage.Stage, len(stages))
	for _, s := range stages {
		byName[s.Name()] = s
	}
	return &Pipeline{
		Config: cfg,
		Env:    env,
		Cache:  core.NewArtifactCache(bc.StampsDir(), cfg.CacheMode),
		Stages: stages,
		Graph:  g,
		byName: byName,
	}, nil
}

// Stage returns the named stage.
func (p *Pipeline) Stage(name string) (stage.Stage, bool) {
	s, ok := p.byName[name]
	return s, ok
}

// Artifacts maps every stage in g to its artifact.
func (p *Pipeline) Artifacts(g *dag.TaskGraph) map[string]core.CachedArtifact {
	out := make(map[string]core.CachedArtifact, g.Len())
	for _, name := range g.Names() {
		if s, ok := p.byName[name]; ok {
			out[name] = s.Artifact()
		}
	}
	return out
}

// StageStatus is one line of a plan.
type StageStatus struct {
	Stage    string
	Requires []string
	Key      core.ArtifactKey
	Artifact string
	Status   core.LookupStatus
}

// Plan reports, in execution order, whether each stage would be served from
// the cache.
func (p *Pipeline) Plan() ([]StageStatus, error) {
	order := p.Graph.TopologicalOrder()
	out := make([]StageStatus, 0, len(order))
	for _, name := range order {
		s := p.byName[name]
		a := s.Artifact()
		st, err := p.Cache.Lookup(a)
		if err != nil {
			return nil, err
		}
		out = append(out, StageStatus{
			Stage:    name,
			Requires: p.Graph.Dependencies(name),
			Key:      a.Key,
			Artifact: a.Path,
			Status:   st,
		})
	}
	return out, nil
}
