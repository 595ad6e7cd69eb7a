package core

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// ExpandTemplate substitutes {version}, {release}, {major} and {platform} in
// a URL template. {release} is version without a pre-release suffix and
// {major} is its leading dot-separated component.
func ExpandTemplate(tmpl, version string, platform PlatformTag) string {
	major, _, _ := strings.Cut(version, ".")
	return strings.NewReplacer(
		"{version}", version,
		"{release}", ReleaseVersion(version),
		"{major}", major,
		"{platform}", string(platform),
	).Replace(tmpl)
}

// archiveName returns the file name component of a download URL.
func archiveName(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return path.Base(url)
}

// ToolchainSpec describes the cross-compilation SDK.
type ToolchainSpec struct {
	Name        string
	Version     string
	URLTemplate string
}

func (t ToolchainSpec) URL(platform PlatformTag) string {
	return ExpandTemplate(t.URLTemplate, t.Version, platform)
}

func (t ToolchainSpec) Archive(platform PlatformTag) string {
	return archiveName(t.URL(platform))
}

// RuntimeSpec describes the interpreter source and how to configure it for the
// cross target.
type RuntimeSpec struct {
	Version     string
	URLTemplate string

	// BuildPython is the host interpreter configure needs for a cross build.
	BuildPython string

	// ConfigSite is an optional autoconf site file relative to the source root.
	ConfigSite string

	// ConfigOverrides are ac_cv_* cache variables passed to configure.
	ConfigOverrides map[string]string
}

func (r RuntimeSpec) URL() string { return ExpandTemplate(r.URLTemplate, r.Version, "") }

func (r RuntimeSpec) Archive() string { return archiveName(r.URL()) }

// NativeModule is the compiled part of an extension package.
type NativeModule struct {
	// Name is the importable module name without suffix, e.g. "_core".
	Name string

	// Sources are C files relative to the package directory.
	Sources []string

	// Entry is the initialization symbol the loader calls, e.g. "PyInit__core".
	Entry string
}

// FileName returns the ABI-tagged shared module file name.
func (m NativeModule) FileName(abi ABITag) string {
	return m.Name + "." + abi.String() + ".so"
}

// PackageLayout is the installable file set of one extension package.
// All file lists are relative to the package directory.
type PackageLayout struct {
	Package     string
	PureSources []string
	Stubs       []string
	Markers     []string
	Module      NativeModule
}

// CopiedFiles returns the non-native files staged verbatim, in sorted order.
func (l PackageLayout) CopiedFiles() []string {
	var out []string
	out = append(out, l.PureSources...)
	out = append(out, l.Stubs...)
	out = append(out, l.Markers...)
	sort.Strings(out)
	return out
}

// Files returns the exact slash-separated paths, rooted at the package
// directory name, that an installed package consists of.
func (l PackageLayout) Files(abi ABITag) []string {
	copied := l.CopiedFiles()
	out := make([]string, 0, len(copied)+1)
	for _, f := range copied {
		out = append(out, path.Join(l.Package, f))
	}
	out = append(out, path.Join(l.Package, l.Module.FileName(abi)))
	sort.Strings(out)
	return out
}

// ExtensionSpec describes one native extension built from source.
type ExtensionSpec struct {
	Name        string
	Version     string
	URLTemplate string
	Layout      PackageLayout

	// BundledSources are additional C files, relative to the extracted source
	// root, compiled and linked into the same module.
	BundledSources []string
}

func (e ExtensionSpec) URL() string { return ExpandTemplate(e.URLTemplate, e.Version, "") }

func (e ExtensionSpec) Archive() string { return archiveName(e.URL()) }

// PackageFile is the deterministic tarball name for this extension.
func (e ExtensionSpec) PackageFile(abi ABITag) string {
	return fmt.Sprintf("%s-%s-%s.tar.gz", e.Name, e.Version, abi)
}

// PrebuiltSpec describes a trusted prebuilt archive fetched as-is.
type PrebuiltSpec struct {
	Name        string
	Version     string
	URLTemplate string

	// Optional prebuilts may lack a checksum entry; they are then fetched
	// unverified with a warning.
	Optional bool
}

func (p PrebuiltSpec) URL() string { return ExpandTemplate(p.URLTemplate, p.Version, "") }

func (p PrebuiltSpec) Archive() string { return archiveName(p.URL()) }
