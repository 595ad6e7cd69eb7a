package cli_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxforge/internal/cli"
	"sandboxforge/internal/recovery/state"
)

type session struct {
	t      *testing.T
	root   string
	env    map[string]string
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newSession(t *testing.T) *session {
	t.Helper()
	root := t.TempDir()
	return &session{t: t, root: root, env: map[string]string{
		"SANDBOXFORGE_ROOT":      root,
		"SANDBOXFORGE_HOST_OS":   "Linux",
		"SANDBOXFORGE_HOST_ARCH": "x86_64",
	}}
}

func (s *session) run(args ...string) int {
	s.t.Helper()
	s.stdout.Reset()
	s.stderr.Reset()
	return cli.Run(context.Background(), args, cli.Options{
		Stdout: &s.stdout,
		Stderr: &s.stderr,
		Getenv: func(k string) string { return s.env[k] },
	})
}

func (s *session) writeChecksums(lines map[string][]byte) {
	s.t.Helper()
	var b strings.Builder
	for name, data := range lines {
		sum := sha256.Sum256(data)
		fmt.Fprintf(&b, "%s  %s\n", hex.EncodeToString(sum[:]), name)
	}
	require.NoError(s.t, os.WriteFile(filepath.Join(s.root, "checksums.sha256"), []byte(b.String()), 0o644))
}

func (s *session) store() *state.Store {
	s.t.Helper()
	st, err := state.NewStore(filepath.Join(s.root, ".toolcache"))
	require.NoError(s.t, err)
	return st
}

// mirror serves files by base name.
func mirror(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[filepath.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPlatform(t *testing.T) {
	s := newSession(t)
	s.env["SANDBOXFORGE_HOST_ARCH"] = "aarch64"

	require.Equal(t, cli.ExitSuccess, s.run("platform"), s.stderr.String())
	assert.Contains(t, s.stdout.String(), "platform: arm64-linux")
	assert.Contains(t, s.stdout.String(), "aarch64-unknown-linux-gnu")
	assert.Contains(t, s.stdout.String(), "wasm32-wasip1")
}

func TestPlatform_Unsupported(t *testing.T) {
	s := newSession(t)
	s.env["SANDBOXFORGE_HOST_OS"] = "Windows"

	assert.Equal(t, cli.ExitConfigError, s.run("platform"))
	assert.Contains(t, s.stderr.String(), "unsupported platform")
}

func TestPlan_EmptyCache(t *testing.T) {
	s := newSession(t)

	require.Equal(t, cli.ExitSuccess, s.run("plan"), s.stderr.String())
	out := s.stdout.String()
	pos := func(stage string) int {
		i := strings.Index(out, "\n"+stage+" ")
		require.GreaterOrEqual(t, i, 0, "missing %s in:\n%s", stage, out)
		return i
	}
	assert.Less(t, pos("toolchain"), pos("runtime"))
	assert.Less(t, pos("runtime"), pos("extension:msgspec"))
	assert.Less(t, pos("extension:markupsafe"), pos("assemble"))
	assert.Less(t, pos("prebuilt:pydantic_core"), pos("assemble"))
	assert.Equal(t, 6, strings.Count(out, " miss "))
	assert.NotContains(t, out, "\x1b[", "no styling on a plain writer")
}

func TestUsageErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"frobnicate"},
		{"build", "--no-such-flag"},
		{"build", "--jobs", "0"},
		{"build", "extra"},
		{"stage"},
		{"plan", "--cache-mode", "sometimes"},
	}
	for _, args := range cases {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			s := newSession(t)
			assert.Equal(t, cli.ExitInvalidInvocation, s.run(args...))
		})
	}
}

func TestStage_UnknownName(t *testing.T) {
	s := newSession(t)
	assert.Equal(t, cli.ExitInvalidInvocation, s.run("stage", "extension:numpy"))
	assert.Contains(t, s.stderr.String(), "unknown stage")
	assert.Contains(t, s.stderr.String(), "extension:msgspec", "known stages are listed")
}

func TestStage_MissingPrerequisite(t *testing.T) {
	s := newSession(t)

	assert.Equal(t, cli.ExitConfigError, s.run("stage", "runtime"))
	assert.Contains(t, s.stderr.String(), `run stage "toolchain" first`)
	assert.Contains(t, s.stdout.String(), "FAILED")

	ids, err := s.store().ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	run, err := s.store().LoadRun(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "stage runtime", run.Command)
	assert.Equal(t, []string{"runtime"}, run.Stages)
	assert.Equal(t, state.RunStatusFailed, run.Status)

	failure, err := s.store().LoadFailure(ids[0])
	require.NoError(t, err)
	assert.Equal(t, state.FailureClassConfiguration, failure.FailureClass)
	assert.True(t, failure.Resumable)
}

func TestBuild_IntegrityFailureStopsPipelineAndIsRecorded(t *testing.T) {
	s := newSession(t)
	prebuilt := []byte("prebuilt bytes")
	srv := mirror(t, map[string][]byte{
		"wasi-sdk-24.0-x86_64-linux.tar.gz": []byte("tampered sdk"),
		"pydantic_core-wasi.tar.gz":         prebuilt,
	})
	s.writeChecksums(map[string][]byte{
		"wasi-sdk-24.0-x86_64-linux.tar.gz": []byte("the real sdk"),
		"pydantic_core-wasi.tar.gz":         prebuilt,
	})

	assert.Equal(t, cli.ExitStageFailure, s.run("build", "--mirror", srv.URL))
	assert.Contains(t, s.stderr.String(), "sha256 mismatch")
	assert.Contains(t, s.stdout.String(), "SKIPPED")
	assert.NoFileExists(t, filepath.Join(s.root, ".toolcache", "downloads", "wasi-sdk-24.0-x86_64-linux.tar.gz"),
		"a file failing verification is removed")

	ids, err := s.store().ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	failure, err := s.store().LoadFailure(ids[0])
	require.NoError(t, err)
	require.NotNil(t, failure.Stage)
	assert.Equal(t, "toolchain", *failure.Stage)
	assert.Equal(t, state.FailureClassExecution, failure.FailureClass)

	tr, err := s.store().LoadTrace(ids[0])
	require.NoError(t, err)
	assert.NotEmpty(t, tr.Events)

	// A second attempt at the same graph is linked to the first.
	assert.Equal(t, cli.ExitStageFailure, s.run("build", "--mirror", srv.URL))
	ids, err = s.store().ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	retry, err := s.store().LoadRun(ids[1])
	require.NoError(t, err)
	require.NotNil(t, retry.PreviousRunID)
	assert.Equal(t, ids[0], *retry.PreviousRunID)
	assert.Equal(t, 1, retry.RetryCount)
}

func TestStage_PrebuiltSucceedsThenIsCached(t *testing.T) {
	s := newSession(t)
	prebuilt := []byte("prebuilt bytes")
	srv := mirror(t, map[string][]byte{"pydantic_core-wasi.tar.gz": prebuilt})
	s.writeChecksums(map[string][]byte{"pydantic_core-wasi.tar.gz": prebuilt})
	s.env["SANDBOXFORGE_MIRROR"] = srv.URL

	require.Equal(t, cli.ExitSuccess, s.run("stage", "prebuilt:pydantic_core"), s.stderr.String())
	assert.Contains(t, s.stdout.String(), "COMPLETED")
	assert.FileExists(t, filepath.Join(s.root, ".toolcache", "prebuilt", "pydantic_core-wasi.tar.gz"))

	require.Equal(t, cli.ExitSuccess, s.run("stage", "prebuilt:pydantic_core"), s.stderr.String())
	assert.Contains(t, s.stdout.String(), "CACHED")
	assert.Contains(t, s.stdout.String(), "1 cached")

	require.Equal(t, cli.ExitSuccess, s.run("plan"))
	assert.Regexp(t, `prebuilt:pydantic_core\s+hit`, s.stdout.String())

	ids, err := s.store().ListRunIDs()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	cps, err := s.store().LoadAllCheckpoints(ids[1])
	require.NoError(t, err)
	require.Contains(t, cps, "prebuilt:pydantic_core")
	assert.True(t, cps["prebuilt:pydantic_core"].FromCache)
}
