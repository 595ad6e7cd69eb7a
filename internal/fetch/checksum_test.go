package fetch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sumA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	sumB = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
)

func TestParseChecksums(t *testing.T) {
	in := strings.Join([]string{
		"# pins",
		"",
		sumA + "  wasi-sdk-24.0-x86_64-linux.tar.gz",
		strings.ToUpper(sumB) + " *Python-3.12.0.tar.xz",
	}, "\n")

	cs, err := ParseChecksums(strings.NewReader(in))
	require.NoError(t, err)
	assert.Len(t, cs, 2)

	got, ok := cs.Lookup("Python-3.12.0.tar.xz")
	require.True(t, ok)
	assert.Equal(t, sumB, got)

	_, ok = cs.Lookup("msgspec-0.19.0.tar.gz")
	assert.False(t, ok)
}

func TestParseChecksums_Malformed(t *testing.T) {
	for name, in := range map[string]string{
		"one field":   sumA,
		"short hex":   "abcd  a.tar.gz",
		"not hex":     strings.Repeat("zz", 32) + "  a.tar.gz",
		"conflicting": sumA + "  a.tar.gz\n" + sumB + "  a.tar.gz",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChecksums(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestLoadChecksums_MissingFileIsEmpty(t *testing.T) {
	cs, err := LoadChecksums(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestHashFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))
	got, err := HashFile(p)
	require.NoError(t, err)
	assert.Equal(t, sumB, got)
}
