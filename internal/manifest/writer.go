// Package manifest writes a release version into a project manifest.
//
// A manifest (for example Cargo.toml) carries exactly one canonical
// version declaration at the start of a line:
//
//	version = "1.2.1"
//
// Apply replaces the quoted value of that line and leaves every other byte
// of the manifest untouched. Apply is pure; the caller owns persistence
// (see ReadFile and WriteFile).
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/shinji-kodama/release-pipeline/internal/model"
)

// declarationRegex matches the canonical version declaration. Indented
// lines (inline tables, dependency sections written as `foo = { version = ... }`)
// never match because the key must start at column 0. The first capture
// group is the quoted value.
var declarationRegex = regexp.MustCompile(`(?m)^version[ \t]*=[ \t]*"([^"\r\n]*)"[ \t]*\r?$`)

// ErrManifestShape is the sentinel wrapped by every ShapeError, so callers
// can test with errors.Is without caring about the match count.
var ErrManifestShape = errors.New("manifest is not in the expected shape")

// ShapeError reports that the manifest does not contain exactly one
// version declaration.
type ShapeError struct {
	// Matches is the number of declaration lines found (0 or >= 2).
	Matches int

	// Lines holds the 1-based line numbers of the matches.
	Lines []int
}

// Error implements the error interface for ShapeError.
func (e *ShapeError) Error() string {
	if e.Matches == 0 {
		return "manifest: no `version = \"...\"` declaration found"
	}
	return fmt.Sprintf("manifest: expected one `version = \"...\"` declaration, found %d (lines %v)", e.Matches, e.Lines)
}

// Is makes errors.Is(err, ErrManifestShape) succeed for every ShapeError.
func (e *ShapeError) Is(target error) bool {
	return target == ErrManifestShape
}

// Apply returns text with the single version declaration set to v.
//
// It fails with a *ShapeError when zero or more than one declaration line
// is present; text is never partially rewritten.
func Apply(text string, v model.SemVer) (string, error) {
	start, end, err := locate(text)
	if err != nil {
		return "", err
	}
	return text[:start] + v.String() + text[end:], nil
}

// Parse returns the version currently declared in text.
func Parse(text string) (model.SemVer, error) {
	start, end, err := locate(text)
	if err != nil {
		return model.SemVer{}, err
	}
	v, err := model.ParseSemVer(text[start:end])
	if err != nil {
		return model.SemVer{}, fmt.Errorf("manifest: %w", err)
	}
	return v, nil
}

// locate returns the byte range of the quoted value of the single version
// declaration in text.
func locate(text string) (int, int, error) {
	matches := declarationRegex.FindAllStringSubmatchIndex(text, -1)
	if len(matches) != 1 {
		shapeErr := &ShapeError{Matches: len(matches)}
		for _, m := range matches {
			shapeErr.Lines = append(shapeErr.Lines, lineNumber(text, m[0]))
		}
		return 0, 0, shapeErr
	}
	// m[2]:m[3] is the first capture group (the value between the quotes).
	return matches[0][2], matches[0][3], nil
}

// lineNumber converts a byte offset into a 1-based line number.
func lineNumber(text string, offset int) int {
	line := 1
	for i := 0; i < offset && i < len(text); i++ {
		if text[i] == '\n' {
			line++
		}
	}
	return line
}

// ReadFile reads the manifest at path.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile replaces the manifest at path with content.
//
// The content is written to a temporary file in the same directory and
// renamed over the target so readers never observe a half-written file.
// The original file mode is preserved.
func WriteFile(path string, content []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to set manifest mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace manifest %s: %w", path, err)
	}
	return nil
}

// SetVersion reads the manifest at path, applies v and writes it back.
// On a shape error the file is left unchanged.
func SetVersion(path string, v model.SemVer) (string, error) {
	text, err := ReadFile(path)
	if err != nil {
		return "", err
	}
	updated, err := Apply(text, v)
	if err != nil {
		return "", err
	}
	if err := WriteFile(path, []byte(updated)); err != nil {
		return "", err
	}
	return updated, nil
}
