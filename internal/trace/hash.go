package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeTraceHash returns the hex sha256 of an already canonical encoding,
// or "" for empty input.
func ComputeTraceHash(canonical []byte) string {
	if len(canonical) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
