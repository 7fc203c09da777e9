// Package docker runs the verification stage inside a container.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Container labels that tie a verification container to its pipeline
//     run, so leftovers of an interrupted run can be found and removed
//   - The container Verifier: pull, create, start, wait, collect logs,
//     remove
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
