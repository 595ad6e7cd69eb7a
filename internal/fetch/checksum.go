// Package fetch downloads pinned artifacts, verifies them against a checksum
// file and unpacks source archives.
package fetch

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// Checksums maps an archive file name to its pinned lowercase hex sha256.
//
// The file format is the one sha256sum writes: one "<hex>  <name>" entry per
// line, optionally with a "*" binary marker before the name. Blank lines and
// lines starting with '#' are ignored.
type Checksums map[string]string

// ParseChecksums reads a checksum file. Duplicate names with conflicting
// digests are rejected.
func ParseChecksums(r io.Reader) (Checksums, error) {
	out := make(Checksums)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, xerrors.Errorf("line %d: want \"<sha256>  <file>\", got %q", lineNo, line)
		}
		sum := strings.ToLower(fields[0])
		name := strings.TrimPrefix(fields[1], "*")
		if len(sum) != sha256.Size*2 {
			return nil, xerrors.Errorf("line %d: digest for %s has %d hex chars, want %d", lineNo, name, len(sum), sha256.Size*2)
		}
		if _, err := hex.DecodeString(sum); err != nil {
			return nil, xerrors.Errorf("line %d: digest for %s: %v", lineNo, name, err)
		}
		if prev, ok := out[name]; ok && prev != sum {
			return nil, xerrors.Errorf("line %d: conflicting digests for %s", lineNo, name)
		}
		out[name] = sum
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("reading checksums: %w", err)
	}
	return out, nil
}

// LoadChecksums parses the checksum file at path. A missing file yields an
// empty set so that pinned lookups fail individually with a clear message.
func LoadChecksums(path string) (Checksums, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checksums{}, nil
		}
		return nil, err
	}
	defer f.Close()
	cs, err := ParseChecksums(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cs, nil
}

// Lookup returns the pinned digest for name.
func (c Checksums) Lookup(name string) (string, bool) {
	sum, ok := c[name]
	return sum, ok
}

// HashFile returns the lowercase hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
