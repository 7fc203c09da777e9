// Package git provides the Git queries the release pipeline needs:
// locating the repository root, finding the last release tag, and reading
// the commit log since that tag for the commit analyzer.
//
// All Git operations are performed via os/exec calls to the git binary,
// rather than using a Git library like go-git. This keeps tag and log
// semantics identical to what the user sees in their terminal.
package git
