package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePlatformTag_KnownHosts(t *testing.T) {
	cases := []struct {
		os, arch string
		want     PlatformTag
	}{
		{"Linux", "x86_64", "x86_64-linux"},
		{"Linux", "aarch64", "arm64-linux"},
		{"Darwin", "x86_64", "x86_64-macos"},
		{"Darwin", "arm64", "arm64-macos"},
	}
	for _, tc := range cases {
		got, err := ResolvePlatformTag(tc.os, tc.arch)
		require.NoError(t, err, "%s/%s", tc.os, tc.arch)
		assert.Equal(t, tc.want, got)
		assert.NotEmpty(t, got.BuildTriple())
	}
}

func TestResolvePlatformTag_Unsupported(t *testing.T) {
	for _, pair := range [][2]string{
		{"Windows", "x86_64"},
		{"Linux", "riscv64"},
		{"Linux", "arm64"},
		{"Darwin", "aarch64"},
		{"", ""},
	} {
		_, err := ResolvePlatformTag(pair[0], pair[1])
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedPlatform))

		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageToolchain, se.Stage)
		assert.Contains(t, err.Error(), pair[1])
		assert.Contains(t, err.Error(), "supported: arm64-linux, arm64-macos, x86_64-linux, x86_64-macos")
	}
}

func TestHostArchNaming(t *testing.T) {
	assert.Equal(t, "arm64", hostArch("darwin", "arm64"))
	assert.Equal(t, "aarch64", hostArch("linux", "arm64"))
	assert.Equal(t, "x86_64", hostArch("linux", "amd64"))
	assert.Equal(t, "Linux", hostOS("linux"))
	assert.Equal(t, "Darwin", hostOS("darwin"))
}

func TestSupportedPlatformsSorted(t *testing.T) {
	assert.Equal(t, []PlatformTag{"arm64-linux", "arm64-macos", "x86_64-linux", "x86_64-macos"}, SupportedPlatforms())
}
