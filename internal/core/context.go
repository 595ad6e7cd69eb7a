package core

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

const (
	// TargetTriple is the compile target for every native source.
	TargetTriple = "wasm32-wasip1"

	// ConfigureHost is the autoconf --host value for the runtime.
	ConfigureHost = "wasm32-unknown-wasi"
)

// ABITag identifies the interpreter ABI compiled modules are built for.
type ABITag struct {
	Implementation string
	Version        string // major+minor without separator, e.g. "312"
	Platform       string
}

func (a ABITag) String() string {
	return a.Implementation + "-" + a.Version + "-" + a.Platform
}

// NewABITag derives the tag from a runtime version such as "3.12.0".
func NewABITag(runtimeVersion string) (ABITag, error) {
	mm, err := majorMinor(runtimeVersion)
	if err != nil {
		return ABITag{}, err
	}
	return ABITag{
		Implementation: "cpython",
		Version:        strings.ReplaceAll(mm, ".", ""),
		Platform:       "wasm32-wasi",
	}, nil
}

// preRelease matches CPython-style pre-release pins such as "3.13.0rc1".
var preRelease = regexp.MustCompile(`^(\d+(?:\.\d+)*)(a|b|rc)(\d+)$`)

// ReleaseVersion strips a pre-release suffix: "3.13.0rc1" becomes "3.13.0".
func ReleaseVersion(version string) string {
	if m := preRelease.FindStringSubmatch(version); m != nil {
		return m[1]
	}
	return version
}

// majorMinor returns "X.Y" for a dotted release or pre-release version.
func majorMinor(version string) (string, error) {
	v := strings.TrimPrefix(version, "v")
	if m := preRelease.FindStringSubmatch(v); m != nil {
		v = m[1] + "-" + m[2] + m[3]
	}
	v = "v" + v
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid version %q", version)
	}
	return strings.TrimPrefix(semver.MajorMinor(v), "v"), nil
}

// BuildPythonFor names the host interpreter matching a runtime pin, e.g.
// "python3.13" for "3.13.0rc1". An invalid pin yields "python3".
func BuildPythonFor(runtimeVersion string) string {
	mm, err := majorMinor(runtimeVersion)
	if err != nil {
		return "python3"
	}
	return "python" + mm
}

// ValidateVersion rejects pins that are neither dotted release versions nor
// a release followed by an aN, bN or rcN suffix.
func ValidateVersion(what, version string) error {
	if version == "" {
		return fmt.Errorf("%s version is empty", what)
	}
	if _, err := majorMinor(version); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// CompilerFlags is the typed compile configuration shared by every native
// source. Argv is rendered only at invocation time.
type CompilerFlags struct {
	Target      string
	Sysroot     string
	OptLevel    string
	PIC         bool
	Std         string
	Defines     []string
	IncludeDirs []string
}

// CompileArgs renders the clang argv for one translation unit. extraIncludes
// are appended after the shared include dirs.
func (f CompilerFlags) CompileArgs(src, obj string, extraIncludes ...string) []string {
	args := []string{"--target=" + f.Target, "--sysroot=" + f.Sysroot}
	if f.OptLevel != "" {
		args = append(args, "-O"+f.OptLevel)
	}
	if f.PIC {
		args = append(args, "-fPIC")
	}
	if f.Std != "" {
		args = append(args, "-std="+f.Std)
	}
	for _, d := range f.Defines {
		args = append(args, "-D"+d)
	}
	for _, dir := range f.IncludeDirs {
		args = append(args, "-I"+dir)
	}
	for _, dir := range extraIncludes {
		args = append(args, "-I"+dir)
	}
	return append(args, "-c", src, "-o", obj)
}

// CFlags renders the flags as a single CFLAGS string for configure scripts.
func (f CompilerFlags) CFlags() string {
	args := []string{"--target=" + f.Target, "--sysroot=" + f.Sysroot}
	if f.OptLevel != "" {
		args = append(args, "-O"+f.OptLevel)
	}
	if f.PIC {
		args = append(args, "-fPIC")
	}
	return strings.Join(args, " ")
}

// Fingerprint is the canonical flag set folded into cache keys.
func (f CompilerFlags) Fingerprint() []string {
	defines := append([]string(nil), f.Defines...)
	sort.Strings(defines)
	out := []string{
		"target=" + f.Target,
		"opt=" + f.OptLevel,
		fmt.Sprintf("pic=%t", f.PIC),
		"std=" + f.Std,
	}
	for _, d := range defines {
		out = append(out, "define="+d)
	}
	return out
}

// LinkArgs renders the wasm-ld argv producing a dynamically loadable module
// that exports only entry.
func LinkArgs(entry, out string, objects []string) []string {
	args := []string{"--shared", "--experimental-pic", "--export=" + entry, "-o", out}
	return append(args, objects...)
}

// BuildOptions is the raw input to NewBuildContext.
type BuildOptions struct {
	Root      string
	ToolCache string
	OS        string
	Arch      string
	Toolchain ToolchainSpec
	Runtime   RuntimeSpec
}

// BuildContext is the resolved, read-only configuration every stage reads.
type BuildContext struct {
	root      string
	toolCache string
	platform  PlatformTag
	toolchain ToolchainSpec
	runtime   RuntimeSpec
	abi       ABITag
	pyDir     string
	flags     CompilerFlags
}

// NewBuildContext resolves the platform and derives every path, the ABI tag
// and the compiler flags once.
func NewBuildContext(opts BuildOptions) (*BuildContext, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	toolCache := opts.ToolCache
	if toolCache == "" {
		toolCache = filepath.Join(opts.Root, ".toolcache")
	}
	platform, err := ResolvePlatformTag(opts.OS, opts.Arch)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion("toolchain", opts.Toolchain.Version); err != nil {
		return nil, err
	}
	if err := ValidateVersion("runtime", opts.Runtime.Version); err != nil {
		return nil, err
	}
	abi, err := NewABITag(opts.Runtime.Version)
	if err != nil {
		return nil, err
	}
	mm, _ := majorMinor(opts.Runtime.Version)

	bc := &BuildContext{
		root:      opts.Root,
		toolCache: toolCache,
		platform:  platform,
		toolchain: opts.Toolchain,
		runtime:   opts.Runtime,
		abi:       abi,
		pyDir:     "python" + mm,
	}
	bc.flags = CompilerFlags{
		Target:   TargetTriple,
		Sysroot:  bc.Sysroot(),
		OptLevel: "2",
		PIC:      true,
		Std:      "c11",
		Defines: []string{
			"SIZEOF_VOID_P=4",
			"SIZEOF_SIZE_T=4",
			"SIZEOF_LONG=4",
		},
		IncludeDirs: []string{bc.PythonIncludeDir()},
	}
	return bc, nil
}

func (b *BuildContext) Root() string             { return b.root }
func (b *BuildContext) ToolCache() string        { return b.toolCache }
func (b *BuildContext) Platform() PlatformTag    { return b.platform }
func (b *BuildContext) BuildTriple() string      { return b.platform.BuildTriple() }
func (b *BuildContext) TargetTriple() string     { return TargetTriple }
func (b *BuildContext) Toolchain() ToolchainSpec { return b.toolchain }
func (b *BuildContext) Runtime() RuntimeSpec     { return b.runtime }
func (b *BuildContext) ABI() ABITag              { return b.abi }

// PythonDir is the versioned directory name, e.g. "python3.12".
func (b *BuildContext) PythonDir() string { return b.pyDir }

// Flags returns a copy; callers cannot alter the shared configuration.
func (b *BuildContext) Flags() CompilerFlags {
	f := b.flags
	f.Defines = append([]string(nil), b.flags.Defines...)
	f.IncludeDirs = append([]string(nil), b.flags.IncludeDirs...)
	return f
}

// Tool cache layout.

func (b *BuildContext) DownloadsDir() string { return filepath.Join(b.toolCache, "downloads") }
func (b *BuildContext) SDKDir() string       { return filepath.Join(b.toolCache, "wasi-sdk") }
func (b *BuildContext) HeadersDir() string   { return filepath.Join(b.toolCache, "runtime-headers") }
func (b *BuildContext) PackagesDir() string  { return filepath.Join(b.toolCache, "packages") }
func (b *BuildContext) PrebuiltDir() string  { return filepath.Join(b.toolCache, "prebuilt") }
func (b *BuildContext) StampsDir() string    { return filepath.Join(b.toolCache, ".stamps") }

// RunsBase is the directory run records are kept under.
func (b *BuildContext) RunsBase() string { return b.toolCache }

// BuildDir is the scratch subtree a stage resets at start.
func (b *BuildContext) BuildDir(stage string) string {
	return filepath.Join(b.toolCache, "build", strings.NewReplacer(":", "-", "/", "-").Replace(stage))
}

// PythonIncludeDir is the header bundle directory extensions compile against.
func (b *BuildContext) PythonIncludeDir() string {
	return filepath.Join(b.HeadersDir(), "include", b.pyDir)
}

func (b *BuildContext) Clang() string   { return filepath.Join(b.SDKDir(), "bin", "clang") }
func (b *BuildContext) WasmLD() string  { return filepath.Join(b.SDKDir(), "bin", "wasm-ld") }
func (b *BuildContext) AR() string      { return filepath.Join(b.SDKDir(), "bin", "llvm-ar") }
func (b *BuildContext) Ranlib() string  { return filepath.Join(b.SDKDir(), "bin", "llvm-ranlib") }
func (b *BuildContext) Sysroot() string { return filepath.Join(b.SDKDir(), "share", "wasi-sysroot") }
