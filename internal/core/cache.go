package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

// CacheMode selects how a present artifact is judged current.
type CacheMode string

const (
	// CacheExistence treats any present artifact as current.
	CacheExistence CacheMode = "existence"

	// CacheContent additionally requires the stamp recorded at commit time to
	// match the artifact's current key.
	CacheContent CacheMode = "content"
)

// ParseCacheMode accepts "existence" or "content"; empty means content.
func ParseCacheMode(s string) (CacheMode, error) {
	switch CacheMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", CacheContent:
		return CacheContent, nil
	case CacheExistence:
		return CacheExistence, nil
	}
	return "", fmt.Errorf("unknown cache mode %q (want %q or %q)", s, CacheExistence, CacheContent)
}

// LookupStatus is the outcome of a cache lookup.
type LookupStatus int

const (
	// Miss: the artifact is absent.
	Miss LookupStatus = iota
	// Hit: the artifact is present and current.
	Hit
	// Stale: the artifact is present but was built from different inputs.
	Stale
)

func (s LookupStatus) String() string {
	switch s {
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	}
	return "miss"
}

// stamp is the record written next to the cache when an artifact commits.
type stamp struct {
	Stage string      `json:"stage"`
	Path  string      `json:"path"`
	Key   ArtifactKey `json:"key"`
}

// ArtifactCache decides whether a stage's artifact can be reused.
//
// Structure:
//
//	{StampsDir}/
//	  {stage}.json   (stage, path, key at commit)
type ArtifactCache struct {
	StampsDir string
	Mode      CacheMode
}

func NewArtifactCache(stampsDir string, mode CacheMode) *ArtifactCache {
	if mode == "" {
		mode = CacheContent
	}
	return &ArtifactCache{StampsDir: stampsDir, Mode: mode}
}

// Present reports whether the artifact exists on disk, honoring its sentinel.
func Present(a CachedArtifact) (bool, error) {
	p := a.Path
	if a.Sentinel != "" {
		p = filepath.Join(a.Path, a.Sentinel)
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking artifact %s: %w", p, err)
	}
	if a.Executable && (info.IsDir() || info.Mode().Perm()&0o111 == 0) {
		return false, nil
	}
	return true, nil
}

// Lookup classifies a as Hit, Stale or Miss.
func (c *ArtifactCache) Lookup(a CachedArtifact) (LookupStatus, error) {
	ok, err := Present(a)
	if err != nil {
		return Miss, err
	}
	if !ok {
		return Miss, nil
	}
	if c.Mode == CacheExistence {
		return Hit, nil
	}

	st, err := c.readStamp(a.Stage)
	if err != nil {
		return Miss, err
	}
	if st == nil || st.Key != a.Key || st.Path != a.Path {
		return Stale, nil
	}
	return Hit, nil
}

// Commit records a's key as the one its current bytes were built from. It is
// called only after the artifact has been atomically moved into place.
func (c *ArtifactCache) Commit(a CachedArtifact) error {
	if err := os.MkdirAll(c.StampsDir, 0o755); err != nil {
		return fmt.Errorf("creating stamps directory: %w", err)
	}
	data, err := json.MarshalIndent(stamp{Stage: a.Stage, Path: a.Path, Key: a.Key}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stamp: %w", err)
	}
	data = append(data, '\n')
	if err := renameio.WriteFile(c.stampPath(a.Stage), data, 0o644); err != nil {
		return fmt.Errorf("writing stamp for %s: %w", a.Stage, err)
	}
	return nil
}

// Invalidate removes the artifact and its stamp. A crash between the two
// removals leaves a stampless artifact, which content mode reports as Stale.
func (c *ArtifactCache) Invalidate(a CachedArtifact) error {
	if err := os.RemoveAll(a.Path); err != nil {
		return fmt.Errorf("removing stale artifact %s: %w", a.Path, err)
	}
	if err := os.Remove(c.stampPath(a.Stage)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stamp for %s: %w", a.Stage, err)
	}
	return nil
}

func (c *ArtifactCache) readStamp(stage string) (*stamp, error) {
	data, err := os.ReadFile(c.stampPath(stage))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading stamp for %s: %w", stage, err)
	}
	var st stamp
	if err := json.Unmarshal(data, &st); err != nil {
		// A torn or hand-edited stamp only costs a rebuild.
		return nil, nil
	}
	return &st, nil
}

func (c *ArtifactCache) stampPath(stage string) string {
	name := strings.NewReplacer(":", "-", "/", "-").Replace(stage)
	return filepath.Join(c.StampsDir, name+".json")
}
