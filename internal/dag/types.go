package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"sandboxforge/internal/core"
)

// Task is one schedulable stage.
type Task interface {
	// Name is the unique stage name, e.g. "extension:msgspec".
	Name() string

	// Fingerprint is a stable description of the stage definition (pins,
	// layout) used for graph identity. It must not depend on disk state.
	Fingerprint() string
}

// GraphHash is the deterministic identity of a TaskGraph, independent of the
// order tasks and edges were supplied in.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// DefinitionHash identifies a single task definition.
type DefinitionHash string

// Edge is a hard dependency: To runs only after From succeeded.
type Edge struct {
	From string
	To   string
}

// TaskNode is an immutable node in the TaskGraph.
type TaskNode struct {
	Name           string
	Task           Task
	DefinitionHash DefinitionHash
	canonicalIndex int
}

// CanonicalIndex returns the node's position in the graph's canonical order.
func (n *TaskNode) CanonicalIndex() int { return n.canonicalIndex }

// NodeResult is the outcome of satisfying one node, from cache or by running.
type NodeResult struct {
	Key       core.ArtifactKey
	Artifact  string
	FromCache bool

	// Invalidated is set when a stale artifact was discarded before the run.
	Invalidated bool
}

func definitionHash(name, fingerprint string) DefinitionHash {
	h := sha256.New()
	writeField(h, []byte(name))
	writeField(h, []byte(fingerprint))
	return DefinitionHash(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	h.Write(n[:])
	h.Write(data)
}

func writeInt(h hash.Hash, v int) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(v))
	writeField(h, n[:])
}
