// Package workspace manages the Sanduku runtime directory structure.
// All runtime state (database, logs, per-session file trees) is
// consolidated under a single workspace root, making Sanduku portable.
//
// Default workspace: ~/.sanduku/workspace (configurable via config or
// SANDUKU_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".sanduku/workspace"

// Workspace manages all Sanduku runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.sanduku/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// SessionsDir returns <root>/sessions/. One subdirectory per session.
func (w *Workspace) SessionsDir() string {
	return w.dir("sessions")
}

// LogsDir returns <root>/logs/. Application log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// DatabasePath returns <root>/sanduku.db, the default SQLite location.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "sanduku.db")
}

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// SessionDir returns <root>/sessions/<sessionID>/.
func (w *Workspace) SessionDir(sessionID string) string {
	p := filepath.Join(w.SessionsDir(), sanitizeName(sessionID))
	_ = w.ensureDir(p, 0750)
	return p
}

// SessionFilesDir returns <root>/sessions/<sessionID>/files/, the tree
// that gets bind-mounted into the session's container at /workspace.
// This directory survives container stop/start — only the compute is
// ephemeral.
func (w *Workspace) SessionFilesDir(sessionID string) string {
	p := filepath.Join(w.SessionDir(sessionID), "files")
	_ = w.ensureDir(p, 0750)
	return p
}

// RemoveSession deletes a session's directory tree. Called only on
// explicit purge, never as part of soft delete.
func (w *Workspace) RemoveSession(sessionID string) error {
	dir := filepath.Join(w.SessionsDir(), sanitizeName(sessionID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing session dir %s: %w", sessionID, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for p := range w.created {
		if strings.HasPrefix(p, dir) {
			delete(w.created, p)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this during init or first startup.
func (w *Workspace) EnsureAll() error {
	dirs := []string{
		w.SessionsDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
