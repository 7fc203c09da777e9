package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shinji-kodama/release-pipeline/internal/manifest"
	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// DirWorkspace is a work tree on the local filesystem, usually the
// repository checkout of the current execution context.
type DirWorkspace struct {
	Root string
}

// ReadFile implements Workspace.
func (w *DirWorkspace) ReadFile(path string) ([]byte, error) {
	full, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Materialize implements Workspace. It writes the artifact content over
// the manifest unless the file already holds exactly those bytes.
func (w *DirWorkspace) Materialize(_ context.Context, a model.ReleaseArtifact) (string, error) {
	full, err := w.resolve(a.Path)
	if err != nil {
		return "", err
	}
	if current, err := os.ReadFile(full); err == nil && bytes.Equal(current, a.Content) {
		return w.Root, nil
	}
	if err := manifest.WriteFile(full, a.Content); err != nil {
		return "", fmt.Errorf("materialize artifact for run %s: %w", a.RunID, err)
	}
	return w.Root, nil
}

// resolve joins path to Root and rejects paths escaping it.
func (w *DirWorkspace) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("workspace path %q must be relative", path)
	}
	full := filepath.Join(w.Root, path)
	rel, err := filepath.Rel(w.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace path %q escapes %s", path, w.Root)
	}
	return full, nil
}
