package core

import "strings"

// Stage names. Extension and prebuilt stages are parameterized by package
// name, e.g. "extension:msgspec".
const (
	StageToolchain = "toolchain"
	StageRuntime   = "runtime"
	StageAssemble  = "assemble"

	extensionPrefix = "extension:"
	prebuiltPrefix  = "prebuilt:"
)

func ExtensionStage(name string) string { return extensionPrefix + name }

func PrebuiltStage(name string) string { return prebuiltPrefix + name }

// IsExtensionStage reports whether stage names a per-extension stage.
func IsExtensionStage(stage string) bool { return strings.HasPrefix(stage, extensionPrefix) }

func IsPrebuiltStage(stage string) bool { return strings.HasPrefix(stage, prebuiltPrefix) }

// ArtifactKey is the content-addressed identity of a stage's output.
type ArtifactKey string

func (k ArtifactKey) String() string { return string(k) }

// Short returns the first 12 hex characters, for log lines.
func (k ArtifactKey) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

// CachedArtifact is the final output of one stage.
//
// Path is either a directory (toolchain install, header bundle) or a single
// file (extension tarball, prebuilt archive, component). When Sentinel is set
// the artifact only counts as present if Path/Sentinel exists, and, with
// Executable, carries an exec bit.
type CachedArtifact struct {
	Stage      string      `json:"stage"`
	Path       string      `json:"path"`
	Key        ArtifactKey `json:"key"`
	Sentinel   string      `json:"sentinel,omitempty"`
	Executable bool        `json:"executable,omitempty"`
}
