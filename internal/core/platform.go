package core

import (
	"runtime"
	"sort"
)

// PlatformTag names a toolchain distribution, e.g. "x86_64-linux".
type PlatformTag string

type platformKey struct {
	os   string
	arch string
}

// platformTable is the closed set of hosts the SDK is published for. Keys use
// uname-style names (platform.system / platform.machine).
var platformTable = map[platformKey]PlatformTag{
	{"Linux", "x86_64"}:  "x86_64-linux",
	{"Linux", "aarch64"}: "arm64-linux",
	{"Darwin", "x86_64"}: "x86_64-macos",
	{"Darwin", "arm64"}:  "arm64-macos",
}

// buildTriples maps a platform tag to the autoconf --build triple.
var buildTriples = map[PlatformTag]string{
	"x86_64-linux": "x86_64-pc-linux-gnu",
	"arm64-linux":  "aarch64-unknown-linux-gnu",
	"x86_64-macos": "x86_64-apple-darwin",
	"arm64-macos":  "aarch64-apple-darwin",
}

// ResolvePlatformTag maps an (os, arch) pair to a platform tag. Any pair
// outside the table fails with ErrUnsupportedPlatform.
func ResolvePlatformTag(osName, arch string) (PlatformTag, error) {
	tag, ok := platformTable[platformKey{osName, arch}]
	if !ok {
		return "", UnsupportedPlatformError(StageToolchain, osName, arch)
	}
	return tag, nil
}

// HostPlatform returns the uname-style OS family and CPU architecture of the
// running process.
func HostPlatform() (osName, arch string) {
	return hostOS(runtime.GOOS), hostArch(runtime.GOOS, runtime.GOARCH)
}

func hostOS(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	}
	return goos
}

func hostArch(goos, goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		// macOS reports arm64, Linux reports aarch64.
		if goos == "darwin" {
			return "arm64"
		}
		return "aarch64"
	case "386":
		return "i386"
	}
	return goarch
}

// BuildTriple returns the autoconf build triple for tag.
func (p PlatformTag) BuildTriple() string {
	return buildTriples[p]
}

func (p PlatformTag) String() string { return string(p) }

// SupportedPlatforms lists every known tag in sorted order.
func SupportedPlatforms() []PlatformTag {
	out := make([]PlatformTag, 0, len(platformTable))
	for _, tag := range platformTable {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
