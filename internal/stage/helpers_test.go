package stage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"sandboxforge/internal/core"
	"sandboxforge/internal/dag"
	"sandboxforge/internal/fetch"
	"sandboxforge/internal/trace"
)

type entry struct {
	name string
	body string
	mode int64
}

// makeArchive builds a .tar.gz or .tar.xz (by name suffix) in memory.
func makeArchive(t *testing.T, name string, entries []entry) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.name,
			Mode:     mode,
			Size:     int64(len(e.body)),
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	if strings.HasSuffix(name, ".tar.xz") {
		xw, err := xz.NewWriter(&out)
		require.NoError(t, err)
		_, err = io.Copy(xw, &tarBuf)
		require.NoError(t, err)
		require.NoError(t, xw.Close())
		return out.Bytes()
	}
	zw := gzip.NewWriter(&out)
	_, err := io.Copy(zw, &tarBuf)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return out.Bytes()
}

// wasmModule returns a minimal core module exporting one no-op function per
// name.
func wasmModule(exports ...string) []byte {
	n := byte(len(exports))
	b := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	b = append(b, 0x01, 0x04, 0x01, 0x60, 0x00, 0x00)

	funcs := []byte{n}
	for range exports {
		funcs = append(funcs, 0x00)
	}
	b = append(b, 0x03, byte(len(funcs)))
	b = append(b, funcs...)

	exp := []byte{n}
	for i, name := range exports {
		exp = append(exp, byte(len(name)))
		exp = append(exp, name...)
		exp = append(exp, 0x00, byte(i))
	}
	b = append(b, 0x07, byte(len(exp)))
	b = append(b, exp...)

	code := []byte{n}
	for range exports {
		code = append(code, 0x02, 0x00, 0x0b)
	}
	b = append(b, 0x0a, byte(len(code)))
	return append(b, code...)
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// fakeTools stands in for the wasi-sdk binaries and host tools. Each tool
// writes the files its real counterpart would.
type fakeTools struct {
	mu      sync.Mutex
	calls   []core.Command
	missing map[string]bool
	fail    map[string]int

	extraExports []string
	noPyconfig   bool
	notComponent bool
}

func (f *fakeTools) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", errors.New("executable file not found in $PATH")
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeTools) Run(_ context.Context, c core.Command) (*core.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	base := filepath.Base(c.Name)
	if code := f.fail[base]; code != 0 {
		return &core.CommandResult{Stderr: []byte(base + ": error: simulated failure"), ExitCode: code}, nil
	}
	write := func(p string, data []byte) (*core.CommandResult, error) {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		return &core.CommandResult{}, os.WriteFile(p, data, 0o644)
	}

	switch base {
	case "configure":
		if f.noPyconfig {
			return &core.CommandResult{}, nil
		}
		return write(filepath.Join(c.Dir, "pyconfig.h"), []byte("#define HAVE_WASI 1\n"))
	case "clang":
		return write(argAfter(c.Args, "-o"), []byte("object"))
	case "wasm-ld":
		var entry string
		for _, a := range c.Args {
			if strings.HasPrefix(a, "--export=") {
				entry = strings.TrimPrefix(a, "--export=")
			}
		}
		return write(argAfter(c.Args, "-o"), wasmModule(append([]string{entry}, f.extraExports...)...))
	case "uv":
		if len(c.Args) > 0 && c.Args[0] == "venv" {
			return &core.CommandResult{}, os.MkdirAll(c.Args[len(c.Args)-1], 0o755)
		}
		return &core.CommandResult{}, nil
	case "python":
		_, err := io.WriteString(c.Stdout, "# generated bootstrap\n")
		return &core.CommandResult{}, err
	case "componentize-py":
		data := append([]byte(nil), componentHeader...)
		if f.notComponent {
			data = wasmModule("_start")
		}
		return write(argAfter(c.Args, "-o"), append(data, "payload"...))
	}
	return &core.CommandResult{}, nil
}

func (f *fakeTools) called(base string) []core.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Command
	for _, c := range f.calls {
		if filepath.Base(c.Name) == base {
			out = append(out, c)
		}
	}
	return out
}

// harness serves pinned archives over HTTP and builds stages against a
// temporary tool cache.
type harness struct {
	t     *testing.T
	root  string
	srv   *httptest.Server
	sums  fetch.Checksums
	tools *fakeTools

	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		root:  t.TempDir(),
		sums:  fetch.Checksums{},
		tools: &fakeTools{},
		files: map[string][]byte{},
		hits:  map[string]int{},
	}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		h.mu.Lock()
		data, ok := h.files[name]
		h.hits[name]++
		h.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

// serve publishes data under name; pinned archives get a checksum entry.
func (h *harness) serve(name string, data []byte, pinned bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[name] = data
	if pinned {
		sum := sha256.Sum256(data)
		h.sums[name] = hex.EncodeToString(sum[:])
	}
}

func (h *harness) downloads(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[name]
}

func (h *harness) serveDefaults() {
	h.serve("wasi-sdk-24.0-x86_64-linux.tar.gz", makeArchive(h.t, ".tar.gz", []entry{
		{name: "wasi-sdk-24.0-x86_64-linux/bin/clang", body: "#!/bin/sh\n", mode: 0o755},
		{name: "wasi-sdk-24.0-x86_64-linux/bin/wasm-ld", body: "#!/bin/sh\n", mode: 0o755},
		{name: "wasi-sdk-24.0-x86_64-linux/share/wasi-sysroot/include/stdio.h", body: "/* stdio */\n"},
	}), true)
	h.serve("Python-3.12.0.tar.xz", makeArchive(h.t, ".tar.xz", []entry{
		{name: "Python-3.12.0/configure", body: "#!/bin/sh\n", mode: 0o755},
		{name: "Python-3.12.0/Include/Python.h", body: "/* Python.h */\n"},
		{name: "Python-3.12.0/Include/cpython/object.h", body: "/* object.h */\n"},
	}), true)
	h.serve("msgspec-0.19.0.tar.gz", makeArchive(h.t, ".tar.gz", []entry{
		{name: "msgspec-0.19.0/setup.py", body: "# setup\n"},
		{name: "msgspec-0.19.0/msgspec/__init__.py", body: "from ._core import *\n"},
		{name: "msgspec-0.19.0/msgspec/__init__.pyi", body: "# stubs\n"},
		{name: "msgspec-0.19.0/msgspec/structs.py", body: "# structs\n"},
		{name: "msgspec-0.19.0/msgspec/py.typed", body: ""},
		{name: "msgspec-0.19.0/msgspec/_core.c", body: "int x;\n"},
	}), true)
	h.serve("markupsafe-2.1.5.tar.gz", makeArchive(h.t, ".tar.gz", []entry{
		{name: "MarkupSafe-2.1.5/src/markupsafe/__init__.py", body: "# markupsafe\n"},
		{name: "MarkupSafe-2.1.5/src/markupsafe/_speedups.c", body: "int y;\n"},
		{name: "MarkupSafe-2.1.5/src/markupsafe/_speedups.pyi", body: "# stubs\n"},
		{name: "MarkupSafe-2.1.5/src/markupsafe/py.typed", body: ""},
	}), true)
	h.serve("pydantic_core-wasi.tar.gz", makeArchive(h.t, ".tar.gz", []entry{
		{name: "pydantic_core/__init__.py", body: "# pydantic_core\n"},
		{name: "pydantic_core/_pydantic_core.cpython-312-wasm32-wasi.so", body: "\x00asm"},
	}), true)
}

func (h *harness) env() *Env {
	h.t.Helper()
	bc, err := core.NewBuildContext(core.BuildOptions{
		Root: h.root,
		OS:   "Linux",
		Arch: "x86_64",
		Toolchain: core.ToolchainSpec{
			Name:        "wasi-sdk",
			Version:     "24.0",
			URLTemplate: h.srv.URL + "/wasi-sdk-{version}-{platform}.tar.gz",
		},
		Runtime: core.RuntimeSpec{
			Version:         "3.12.0",
			URLTemplate:     h.srv.URL + "/Python-{version}.tar.xz",
			BuildPython:     "python3.12",
			ConfigOverrides: map[string]string{"ac_cv_file__dev_ptmx": "no"},
		},
	})
	require.NoError(h.t, err)
	return &Env{Build: bc, Fetcher: fetch.NewFetcher(h.sums), Tools: h.tools}
}

func msgspecSpec(base string) core.ExtensionSpec {
	return core.ExtensionSpec{
		Name:        "msgspec",
		Version:     "0.19.0",
		URLTemplate: base + "/msgspec-{version}.tar.gz",
		Layout: core.PackageLayout{
			Package:     "msgspec",
			PureSources: []string{"__init__.py", "structs.py"},
			Stubs:       []string{"__init__.pyi"},
			Markers:     []string{"py.typed"},
			Module:      core.NativeModule{Name: "_core", Sources: []string{"_core.c"}, Entry: "PyInit__core"},
		},
	}
}

func markupsafeSpec(base string) core.ExtensionSpec {
	return core.ExtensionSpec{
		Name:        "markupsafe",
		Version:     "2.1.5",
		URLTemplate: base + "/markupsafe-{version}.tar.gz",
		Layout: core.PackageLayout{
			Package:     "markupsafe",
			PureSources: []string{"__init__.py"},
			Stubs:       []string{"_speedups.pyi"},
			Markers:     []string{"py.typed"},
			Module:      core.NativeModule{Name: "_speedups", Sources: []string{"_speedups.c"}, Entry: "PyInit__speedups"},
		},
	}
}

func pydanticSpec(base string) core.PrebuiltSpec {
	return core.PrebuiltSpec{
		Name:        "pydantic_core",
		Version:     "0.0.2",
		URLTemplate: base + "/pydantic_core-wasi.tar.gz",
	}
}

func (h *harness) assembleConfig() AssembleConfig {
	h.t.Helper()
	project := filepath.Join(h.root, "project")
	wit := filepath.Join(h.root, "wit")
	guest := filepath.Join(h.root, "guest")
	for p, body := range map[string]string{
		filepath.Join(project, "pyproject.toml"):     "[project]\nname = \"guest\"\n",
		filepath.Join(wit, "world.wit"):              "package sandbox:env;\nworld env {}\n",
		filepath.Join(guest, "agent_repl.py"):        "print('hi')\n",
		filepath.Join(guest, "generate_prelude.py"): "print('# prelude')\n",
	} {
		require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(h.t, os.WriteFile(p, []byte(body), 0o644))
	}
	return AssembleConfig{
		Project:   project,
		WitDir:    wit,
		World:     "env",
		App:       "agent_repl",
		AppPath:   guest,
		Bootstrap: []string{"python", "generate_prelude.py"},
		Output:    filepath.Join(h.root, "env.wasm"),
	}
}

type pipeline struct {
	toolchain *Toolchain
	runtime   *Runtime
	msgspec   *Extension
	pydantic  *Prebuilt
	assemble  *Assembler
}

func (p pipeline) stages() []Stage {
	return []Stage{p.toolchain, p.runtime, p.msgspec, p.pydantic, p.assemble}
}

func (h *harness) pipeline() pipeline {
	env := h.env()
	tc := NewToolchain(env)
	rt := NewRuntime(env, tc)
	ms := NewExtension(env, msgspecSpec(h.srv.URL), tc, rt)
	pc := NewPrebuilt(env, pydanticSpec(h.srv.URL))
	asm := NewAssembler(env, h.assembleConfig(), []Stage{ms, pc})
	asm.checkWorld = func(string, string) error { return nil }
	return pipeline{toolchain: tc, runtime: rt, msgspec: ms, pydantic: pc, assemble: asm}
}

func (h *harness) run(stages []Stage, mode core.CacheMode) (*dag.GraphResult, *trace.Recorder) {
	h.t.Helper()
	g, err := Graph(stages)
	require.NoError(h.t, err)
	cache := core.NewArtifactCache(filepath.Join(h.root, ".toolcache", ".stamps"), mode)
	rec := trace.NewRecorder()
	ex, err := dag.NewExecutor(g, NewCachedRunner(cache), rec)
	require.NoError(h.t, err)
	res, err := ex.RunSerial(context.Background())
	require.NoError(h.t, err)
	return res, rec
}

// build runs a single stage through the cache policy.
func (h *harness) build(s Stage) error {
	h.t.Helper()
	cache := core.NewArtifactCache(filepath.Join(h.root, ".toolcache", ".stamps"), core.CacheContent)
	_, err := NewCachedRunner(cache).Run(context.Background(), s)
	return err
}
