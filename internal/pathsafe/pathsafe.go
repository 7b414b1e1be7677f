// Package pathsafe validates user-supplied file paths against a session's
// workspace root. Every component that touches the sandbox filesystem MUST
// route paths through this package — nothing else re-implements path logic.
//
// Validation rejects rather than clamps: a path that would escape the
// workspace root returns ErrInvalidPath so callers can answer 4xx instead
// of acting on a silently "corrected" path.
package pathsafe

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidPath is returned when a path would escape the workspace root.
var ErrInvalidPath = errors.New("path escapes workspace root")

// Normalize cleans a user-supplied relative path and verifies it stays
// inside the workspace root. Leading slashes are stripped, repeated
// separators collapsed, and "."/".." segments resolved. The empty string
// and "." normalize to "" (the root itself).
func Normalize(input string) (string, error) {
	// Backslashes never appear in legitimate workspace paths; treating
	// them as separators would silently change meaning, so reject.
	if strings.ContainsRune(input, '\\') {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, input)
	}
	if strings.ContainsRune(input, '\x00') {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, input)
	}

	trimmed := strings.TrimLeft(input, "/")
	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, input)
	}
	return cleaned, nil
}

// Join composes a directory and a name, then re-validates the result.
// The name may climb with ".." as long as the composed path stays inside
// the workspace root.
func Join(dir, name string) (string, error) {
	d, err := Normalize(dir)
	if err != nil {
		return "", err
	}
	if name == "" {
		return d, nil
	}
	return Normalize(path.Join(d, strings.TrimLeft(name, "/")))
}
