// Package files serves the per-session workspace file tree: bounded tree
// listings, size-capped reads, and file/directory creation. Every path
// goes through pathsafe before it touches the filesystem, and mutations
// refresh the session's advisory file count and activity timestamp.
package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/pathsafe"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/workspace"
)

var (
	// ErrNotFound is returned for paths that do not exist in the
	// session workspace.
	ErrNotFound = errors.New("file not found")
	// ErrExists is returned by Create when the path is already taken.
	ErrExists = errors.New("path already exists")
	// ErrTooLarge is returned by Read for files over the size cap.
	ErrTooLarge = errors.New("file too large")
	// ErrNotAFile is returned by Read when the path is a directory.
	ErrNotAFile = errors.New("not a regular file")
)

// NodeType tags tree entries.
type NodeType string

const (
	NodeFile NodeType = "file"
	NodeDir  NodeType = "dir"
)

// Node is one entry in a tree listing. Children is populated for
// directories within the depth bound; Truncated marks directories whose
// children were cut off by it.
type Node struct {
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Type      NodeType `json:"type"`
	Size      int64    `json:"size,omitempty"`
	Children  []Node   `json:"children,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Config holds file service limits.
type Config struct {
	MaxReadBytes int64 // Read size cap. Default 1 MiB.
	MaxDepth     int   // Tree recursion bound. Default 10.
}

func (c Config) withDefaults() Config {
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = 1 << 20
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 10
	}
	return c
}

// Service implements workspace file operations for sessions.
type Service struct {
	cfg    Config
	ws     *workspace.Workspace
	reg    *registry.Registry
	logger *slog.Logger
}

// New creates a file service.
func New(cfg Config, ws *workspace.Workspace, reg *registry.Registry, logger *slog.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), ws: ws, reg: reg, logger: logger}
}

// resolve validates rel and maps it onto the session's files directory.
// Returns the cleaned relative path and the absolute host path.
func (s *Service) resolve(sessionID uuid.UUID, rel string) (string, string, error) {
	clean, err := pathsafe.Normalize(rel)
	if err != nil {
		return "", "", err
	}
	root := s.ws.SessionFilesDir(sessionID.String())
	return clean, filepath.Join(root, filepath.FromSlash(clean)), nil
}

// Tree lists the workspace subtree at rel, depth levels deep. depth <= 0
// or beyond the configured bound is clamped to the bound.
func (s *Service) Tree(ctx context.Context, sessionID uuid.UUID, rel string, depth int) (*Node, error) {
	clean, abs, err := s.resolve(sessionID, rel)
	if err != nil {
		return nil, err
	}
	if depth <= 0 || depth > s.cfg.MaxDepth {
		depth = s.cfg.MaxDepth
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, fmt.Errorf("stat %s: %w", clean, err)
	}

	node, err := s.buildNode(clean, abs, info, depth)
	if err != nil {
		return nil, err
	}

	s.reg.TouchActivity(ctx, sessionID)
	return node, nil
}

func (s *Service) buildNode(rel, abs string, info fs.FileInfo, depth int) (*Node, error) {
	name := info.Name()
	if rel == "" {
		name = "/"
	}
	node := &Node{Name: name, Path: rel}

	if !info.IsDir() {
		node.Type = NodeFile
		node.Size = info.Size()
		return node, nil
	}

	node.Type = NodeDir
	if depth <= 0 {
		node.Truncated = true
		return node, nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", rel, err)
	}
	for _, e := range entries {
		childInfo, err := e.Info()
		if err != nil {
			continue // Deleted between ReadDir and Info.
		}
		childRel := e.Name()
		if rel != "" {
			childRel = rel + "/" + e.Name()
		}
		child, err := s.buildNode(childRel, filepath.Join(abs, e.Name()), childInfo, depth-1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, *child)
	}
	return node, nil
}

// Read returns the file's content, capped at MaxReadBytes.
func (s *Service) Read(ctx context.Context, sessionID uuid.UUID, rel string) ([]byte, error) {
	clean, abs, err := s.resolve(sessionID, rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, fmt.Errorf("stat %s: %w", clean, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, clean)
	}
	if info.Size() > s.cfg.MaxReadBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (cap %d)", ErrTooLarge, clean, info.Size(), s.cfg.MaxReadBytes)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", clean, err)
	}

	s.reg.TouchActivity(ctx, sessionID)
	return data, nil
}

// Create makes an empty file or a directory at rel, creating parent
// directories as needed.
func (s *Service) Create(ctx context.Context, sessionID uuid.UUID, rel string, typ NodeType) error {
	clean, abs, err := s.resolve(sessionID, rel)
	if err != nil {
		return err
	}
	if clean == "" {
		return fmt.Errorf("%w: empty path", pathsafe.ErrInvalidPath)
	}

	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, clean)
	}

	switch typ {
	case NodeDir:
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", clean, err)
		}
	case NodeFile:
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", clean, err)
		}
		fh, err := os.OpenFile(abs, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%w: %s", ErrExists, clean)
			}
			return fmt.Errorf("creating %s: %w", clean, err)
		}
		fh.Close()
	default:
		return fmt.Errorf("unknown node type %q", typ)
	}

	s.logger.Debug("workspace path created",
		slog.String("session_id", sessionID.String()),
		slog.String("path", clean),
		slog.String("type", string(typ)),
	)

	s.refreshFileCount(ctx, sessionID)
	s.reg.TouchActivity(ctx, sessionID)
	return nil
}

// refreshFileCount recounts regular files under the session workspace.
// The count is advisory; failures are logged and swallowed.
func (s *Service) refreshFileCount(ctx context.Context, sessionID uuid.UUID) {
	root := s.ws.SessionFilesDir(sessionID.String())
	count := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("counting workspace files failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.reg.SetFileCount(ctx, sessionID, count); err != nil {
		s.logger.Warn("updating file count failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
	}
}
