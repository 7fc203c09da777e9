// Package model defines the domain types and value objects for the
// release-pipeline CLI.
//
// This package contains pure data structures with no I/O. A pipeline run
// produces one VersionDecision, at most one ReleaseArtifact, and an ordered
// list of StageResults; all of them live for the duration of a single run
// and are persisted by the artifact store so that stages running in
// separate execution contexts see the same values.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
