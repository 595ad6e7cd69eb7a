// Package core provides the domain models shared by every pipeline stage.
//
// # Design Principles
//
// All structures in this package follow a few constraints:
//
//  1. Resolved once, read-only afterwards: a BuildContext is constructed by the
//     pipeline driver and handed to every stage by pointer; stages never mutate it.
//  2. Pins are explicit: every fetched artifact carries a pinned version and is
//     verified against a pinned checksum before use.
//  3. Cache identity is content-based: a CacheKey covers every input that can
//     change an artifact's bytes (versions, checksums, toolchain, flags).
//
// # Core Types
//
// ToolchainSpec: the cross-compilation SDK to provision for the host platform.
// RuntimeSpec: the interpreter whose headers later native compiles need.
// ExtensionSpec: one native extension and the PackageLayout it installs as.
// PrebuiltSpec: a trusted prebuilt archive fetched instead of compiled.
// CachedArtifact: a stage's final output path plus the key it was built under.
package core
