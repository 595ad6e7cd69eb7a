package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// KeyInput holds every input that can change a stage's artifact bytes.
//
// Excluded: timestamps, host paths, anything machine-specific beyond the
// platform tag.
type KeyInput struct {
	Stage   string
	Version string

	// Checksum is the pinned sha256 of the stage's fetched archive, if any.
	Checksum string

	ToolchainVersion string
	Platform         PlatformTag

	// Flags is the canonical compiler flag set (CompilerFlags.Fingerprint).
	Flags []string

	// Upstream maps upstream stage name to its artifact key.
	Upstream map[string]ArtifactKey

	// Extra carries stage-specific settings (layout, world name, ...).
	Extra map[string]string
}

// ComputeKey hashes in into an ArtifactKey.
//
// All components are written in a fixed order with an 8-byte big-endian
// length prefix, and map keys are sorted, so equal inputs always hash equal
// and no two distinct inputs share an encoding.
func ComputeKey(in KeyInput) ArtifactKey {
	h := sha256.New()

	writeField(h, []byte(in.Stage))
	writeField(h, []byte(in.Version))
	writeField(h, []byte(in.Checksum))
	writeField(h, []byte(in.ToolchainVersion))
	writeField(h, []byte(in.Platform))

	writeCount(h, len(in.Flags))
	for _, f := range in.Flags {
		writeField(h, []byte(f))
	}

	upstream := make([]string, 0, len(in.Upstream))
	for k := range in.Upstream {
		upstream = append(upstream, k)
	}
	sort.Strings(upstream)
	writeCount(h, len(upstream))
	for _, k := range upstream {
		writeField(h, []byte(k))
		writeField(h, []byte(in.Upstream[k]))
	}

	extra := make([]string, 0, len(in.Extra))
	for k := range in.Extra {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	writeCount(h, len(extra))
	for _, k := range extra {
		writeField(h, []byte(k))
		writeField(h, []byte(in.Extra[k]))
	}

	return ArtifactKey(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(n))
	writeField(h, prefix[:])
}
