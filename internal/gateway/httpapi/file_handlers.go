package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/files"
)

// FileTreeRequest is the JSON body for POST /v1/files/tree.
type FileTreeRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path,omitempty"`  // Workspace-relative directory. Empty = root.
	Depth     int    `json:"depth,omitempty"` // 0 = service default.
}

// FileReadResponse is the JSON response for GET /v1/files/read.
type FileReadResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

// FileCreateRequest is the JSON body for POST /v1/files/create.
type FileCreateRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Type      string `json:"type"` // "file" or "dir"
}

func (g *Gateway) handleFileTree(c *okapi.Context) error {
	var req FileTreeRequest
	if err := c.Bind(&req); err != nil {
		return abort(c, http.StatusBadRequest, "invalid_body", "session_id is required")
	}

	s, err := g.ownedSessionByID(c, req.SessionID)
	if err != nil {
		return g.apiError(c, err)
	}

	node, err := g.files.Tree(c.Context(), s.ID, req.Path, req.Depth)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(node)
}

func (g *Gateway) handleFileRead(c *okapi.Context) error {
	query := c.Request().URL.Query()

	s, err := g.ownedSessionByID(c, query.Get("session_id"))
	if err != nil {
		return g.apiError(c, err)
	}

	path := query.Get("path")
	content, err := g.files.Read(c.Context(), s.ID, path)
	if err != nil {
		return g.apiError(c, err)
	}

	return c.OK(FileReadResponse{
		Path:    path,
		Content: string(content),
		Size:    len(content),
	})
}

func (g *Gateway) handleFileCreate(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.rateLimit(c, userID); err != nil {
		return err
	}

	var req FileCreateRequest
	if err := c.Bind(&req); err != nil {
		return abort(c, http.StatusBadRequest, "invalid_body", "session_id and path are required")
	}

	var typ files.NodeType
	switch req.Type {
	case "file", "":
		typ = files.NodeFile
	case "dir":
		typ = files.NodeDir
	default:
		return abort(c, http.StatusBadRequest, "invalid_body", "type must be \"file\" or \"dir\"")
	}

	s, err := g.ownedSessionByID(c, req.SessionID)
	if err != nil {
		return g.apiError(c, err)
	}

	if err := g.files.Create(c.Context(), s.ID, req.Path, typ); err != nil {
		return g.apiError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"status": "created"})
}

// ownedSessionByID is ownedSession for endpoints that carry the session ID
// in the body or query string instead of the path.
func (g *Gateway) ownedSessionByID(c *okapi.Context, raw string) (*domain.Session, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errInvalidID
	}
	return g.registry.GetOwned(c.Context(), id, c.GetString("userID"))
}
