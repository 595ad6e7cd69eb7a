package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"sandboxforge/internal/core"
	"sandboxforge/internal/dag"
	"sandboxforge/internal/fetch"
)

// Stage is one node of the build pipeline.
//
// Fingerprint is the stage's artifact key, so the graph hash changes whenever
// any stage input does.
type Stage interface {
	dag.Task

	// Requires names the stages whose artifacts this stage consumes.
	Requires() []string

	// Artifact describes the single output the stage produces. Key is
	// computed up front from inputs only, never from built bytes.
	Artifact() core.CachedArtifact

	// Build produces the artifact, replacing whatever is at its path.
	Build(ctx context.Context) error
}

// Env is what every stage shares: the resolved build context, the pinned
// downloader and the tool runner.
type Env struct {
	Build   *core.BuildContext
	Fetcher *fetch.Fetcher
	Tools   core.CommandRunner
}

func (e *Env) checksum(archive string) string {
	if e.Fetcher == nil {
		return ""
	}
	sum, _ := e.Fetcher.Checksums.Lookup(archive)
	return sum
}

// run executes cmd and returns its result; a tool that cannot be started is
// reported as err, a non-zero exit through the result.
func (e *Env) run(ctx context.Context, stage string, cmd core.Command) (*core.CommandResult, error) {
	Logger().Debug("running", zap.String("stage", stage), zap.String("cmd", cmd.String()))
	return e.Tools.Run(ctx, cmd)
}

// Graph wires stages into a task graph using their Requires lists.
func Graph(stages []Stage) (*dag.TaskGraph, error) {
	tasks := make([]dag.Task, 0, len(stages))
	var edges []dag.Edge
	for _, s := range stages {
		tasks = append(tasks, s)
		for _, up := range s.Requires() {
			edges = append(edges, dag.Edge{From: up, To: s.Name()})
		}
	}
	return dag.NewTaskGraph(tasks, edges)
}

// artifactPath is the file a presence check looks at.
func artifactPath(a core.CachedArtifact) string {
	if a.Sentinel != "" {
		return filepath.Join(a.Path, a.Sentinel)
	}
	return a.Path
}

// requirePresent fails with a ConfigurationError naming up when its artifact
// is missing.
func requirePresent(stage string, up Stage) error {
	a := up.Artifact()
	ok, err := core.Present(a)
	if err != nil {
		return err
	}
	if !ok {
		return core.ConfigurationError(stage, artifactPath(a), up.Name())
	}
	return nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("resetting %s: %w", dir, err)
	}
	return os.MkdirAll(dir, 0o755)
}

// replaceDir moves the staged directory src to dst, removing any previous dst.
func replaceDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("removing %s: %w", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyTree copies the regular files under src into dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(p, target)
		}
		return nil
	})
}

// listFiles returns the slash-separated regular files under root, sorted.
func listFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(out)
	return out, err
}

// treeDigest hashes the relative paths and contents of the files under each
// root. Missing roots contribute their name only, so the digest is defined
// before the first build.
func treeDigest(roots ...string) string {
	h := sha256.New()
	for _, root := range roots {
		base := filepath.Base(root)
		fmt.Fprintf(h, "root %d:%s\n", len(base), base)
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if data, err := os.ReadFile(root); err == nil {
				fmt.Fprintf(h, "file %d\n", len(data))
				h.Write(data)
			}
			continue
		}
		files, err := listFiles(root)
		if err != nil {
			continue
		}
		for _, f := range files {
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(f)))
			if err != nil {
				continue
			}
			fmt.Fprintf(h, "%d:%s %d\n", len(f), f, len(data))
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func upstreamKeys(stages ...Stage) map[string]core.ArtifactKey {
	out := make(map[string]core.ArtifactKey, len(stages))
	for _, s := range stages {
		out[s.Name()] = s.Artifact().Key
	}
	return out
}
