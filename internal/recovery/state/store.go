package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"

	"sandboxforge/internal/trace"
)

// Store provides persistent storage for run records under:
//
//	<baseDir>/.sandboxforge/runs/<run-id>/
//	  run.json
//	  failure.json        (failed runs only)
//	  trace.json          (canonical execution trace)
//	  checkpoints/<stage>.json
//
// All writes are atomic and durable (file sync + atomic rename + dir sync).
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) runsRootDir() string {
	return filepath.Join(s.baseDir, ".sandboxforge", "runs")
}

// ListRunIDs returns all run IDs currently present on disk.
//
// Run IDs are time-ordered, so the sorted slice is oldest first.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if name := strings.TrimSpace(e.Name()); name != "" {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *Store) failurePath(runID string) string {
	return filepath.Join(s.runDir(runID), "failure.json")
}

func (s *Store) tracePath(runID string) string {
	return filepath.Join(s.runDir(runID), "trace.json")
}

func (s *Store) checkpointsDir(runID string) string {
	return filepath.Join(s.runDir(runID), "checkpoints")
}

func (s *Store) checkpointPath(runID, stage string) string {
	name := strings.NewReplacer(":", "-", "/", "-").Replace(stage)
	return filepath.Join(s.checkpointsDir(runID), name+".json")
}

// RunDir is the directory holding runID's records.
func (s *Store) RunDir(runID string) string { return s.runDir(runID) }

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return s.writeJSON(run.RunID, s.runPath(run.RunID), run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

func (s *Store) SaveCheckpoint(runID string, cp Checkpoint) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	return s.writeJSON(runID, s.checkpointPath(runID, cp.Stage), cp)
}

// LoadAllCheckpoints loads every checkpoint of a run, keyed by stage.
func (s *Store) LoadAllCheckpoints(runID string) (map[string]Checkpoint, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("runID is required")
	}
	entries, err := os.ReadDir(s.checkpointsDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Checkpoint{}, nil
		}
		return nil, err
	}
	out := make(map[string]Checkpoint, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var cp Checkpoint
		if err := readJSONStrict(filepath.Join(s.checkpointsDir(runID), e.Name()), &cp); err != nil {
			return nil, err
		}
		if err := cp.Validate(); err != nil {
			return nil, fmt.Errorf("invalid checkpoint on disk: %w", err)
		}
		out[cp.Stage] = cp
	}
	return out, nil
}

func (s *Store) SaveFailure(runID string, failure Failure) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	return s.writeJSON(runID, s.failurePath(runID), failure)
}

func (s *Store) LoadFailure(runID string) (Failure, error) {
	var failure Failure
	if strings.TrimSpace(runID) == "" {
		return Failure{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.failurePath(runID), &failure); err != nil {
		return Failure{}, err
	}
	if err := failure.Validate(); err != nil {
		return Failure{}, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return failure, nil
}

// SaveTrace writes the canonical form of t.
func (s *Store) SaveTrace(runID string, t trace.ExecutionTrace) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid trace: %w", err)
	}
	data, err := t.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	if err := ensureDirDurable(s.runDir(runID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	return writeFileDurable(s.tracePath(runID), append(data, '\n'))
}

func (s *Store) LoadTrace(runID string) (trace.ExecutionTrace, error) {
	var t trace.ExecutionTrace
	if strings.TrimSpace(runID) == "" {
		return t, errors.New("runID is required")
	}
	if err := readJSONStrict(s.tracePath(runID), &t); err != nil {
		return trace.ExecutionTrace{}, err
	}
	return t, t.Validate()
}

func (s *Store) writeJSON(runID, path string, v any) error {
	if err := ensureDirDurable(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := jsonMarshalStable(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := writeFileDurable(path, data); err != nil {
		return fmt.Errorf("write %s for run %s: %w", filepath.Base(path), runID, err)
	}
	return nil
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		return fsyncDir(parent)
	}
	return nil
}

// writeFileDurable replaces path atomically (renameio syncs the file before
// the rename) and then syncs the directory entry.
func writeFileDurable(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(path))
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
