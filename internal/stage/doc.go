// Package stage implements the five pipeline stages (toolchain, runtime,
// extension, prebuilt, assemble) and the cache policy that wraps them.
//
// Every stage produces exactly one CachedArtifact. A stage never reads the
// scratch tree of another stage; it only consumes upstream artifacts, and it
// verifies they exist before doing any work.
package stage
