package dag

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxforge/internal/core"
)

type fakeTask struct {
	name string
	fp   string
}

func (t fakeTask) Name() string        { return t.name }
func (t fakeTask) Fingerprint() string { return t.fp }

func tasks(names ...string) []Task {
	out := make([]Task, len(names))
	for i, n := range names {
		out[i] = fakeTask{name: n, fp: "v1"}
	}
	return out
}

// pipelineGraph mirrors the real stage shape:
// toolchain -> runtime -> {extension:a, extension:b, prebuilt:c} -> assemble.
func pipelineGraph(t *testing.T) *TaskGraph {
	t.Helper()
	g, err := NewTaskGraph(
		tasks("assemble", "extension:a", "extension:b", "prebuilt:c", "runtime", "toolchain"),
		[]Edge{
			{From: "toolchain", To: "runtime"},
			{From: "runtime", To: "extension:a"},
			{From: "runtime", To: "extension:b"},
			{From: "toolchain", To: "prebuilt:c"},
			{From: "extension:a", To: "assemble"},
			{From: "extension:b", To: "assemble"},
			{From: "prebuilt:c", To: "assemble"},
		},
	)
	require.NoError(t, err)
	return g
}

// fakeRunner treats names in cached as cache hits and fails names in fail.
type fakeRunner struct {
	mu      sync.Mutex
	cached  map[string]bool
	fail    map[string]error
	stale   map[string]bool
	delay   time.Duration
	ran     []string
	running int32
	peak    int32
}

func (r *fakeRunner) Probe(_ context.Context, task Task) (*NodeResult, bool, error) {
	if r.cached[task.Name()] {
		return &NodeResult{Key: core.ArtifactKey("key-" + task.Name())}, true, nil
	}
	return nil, false, nil
}

func (r *fakeRunner) Run(ctx context.Context, task Task) (*NodeResult, error) {
	n := atomic.AddInt32(&r.running, 1)
	defer atomic.AddInt32(&r.running, -1)
	for {
		p := atomic.LoadInt32(&r.peak)
		if n <= p || atomic.CompareAndSwapInt32(&r.peak, p, n) {
			break
		}
	}

	r.mu.Lock()
	r.ran = append(r.ran, task.Name())
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := r.fail[task.Name()]; err != nil {
		return nil, err
	}
	return &NodeResult{
		Key:         core.ArtifactKey("key-" + task.Name()),
		Artifact:    "/artifacts/" + task.Name(),
		Invalidated: r.stale[task.Name()],
	}, nil
}

func (r *fakeRunner) ranStages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

var errBoom = errors.New("boom")
