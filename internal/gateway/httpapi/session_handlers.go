package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/runtime"
	"github.com/jkaninda/sanduku/internal/statuspoll"
)

// maxWait caps how long start/stop handlers block on ?wait_s.
const maxWait = 5 * time.Minute

// SessionCreateRequest is the JSON body for POST /v1/sessions.
type SessionCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionUpdateRequest is the JSON body for PUT /v1/sessions/{id}.
type SessionUpdateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionResponse is the JSON representation of a session.
type SessionResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	DesiredState   string    `json:"desired_state"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	FileCount      int       `json:"file_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func toSessionResponse(s *domain.Session) SessionResponse {
	return SessionResponse{
		ID:             s.ID.String(),
		Name:           s.Name,
		Description:    s.Description,
		DesiredState:   string(s.DesiredState),
		Status:         string(s.ObservedState),
		ErrorMessage:   s.ErrorMessage,
		FileCount:      s.FileCount,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

// StatusResponse is the JSON response for lifecycle endpoints.
type StatusResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.rateLimit(c, userID); err != nil {
		return err
	}

	var req SessionCreateRequest
	if err := c.Bind(&req); err != nil {
		return abort(c, http.StatusBadRequest, "invalid_body", "name is required")
	}

	s, err := g.registry.Create(c.Context(), userID, req.Name, req.Description)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.JSON(http.StatusCreated, toSessionResponse(s))
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	userID := c.GetString("userID")

	sessions, err := g.registry.List(c.Context(), userID)
	if err != nil {
		return g.apiError(c, err)
	}

	resp := make([]SessionResponse, len(sessions))
	for i := range sessions {
		resp[i] = toSessionResponse(&sessions[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toSessionResponse(s))
}

func (g *Gateway) handleSessionUpdate(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.rateLimit(c, userID); err != nil {
		return err
	}

	s, err := g.ownedSession(c)
	if err != nil {
		return g.apiError(c, err)
	}

	var req SessionUpdateRequest
	if err := c.Bind(&req); err != nil {
		return abort(c, http.StatusBadRequest, "invalid_body", "name is required")
	}

	if err := g.registry.UpdateMeta(c.Context(), s.ID, req.Name, req.Description); err != nil {
		return g.apiError(c, err)
	}

	s, err = g.registry.Get(c.Context(), s.ID)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toSessionResponse(s))
}

func (g *Gateway) handleSessionDelete(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.rateLimit(c, userID); err != nil {
		return err
	}

	s, err := g.ownedSession(c)
	if err != nil {
		return g.apiError(c, err)
	}

	force := c.Request().URL.Query().Get("force") == "true"
	if err := g.lifecycle.Delete(c.Context(), s.ID, force); err != nil {
		return g.apiError(c, err)
	}

	g.logger.Info("session deleted",
		slog.String("session_id", s.ID.String()),
		slog.String("user_id", userID),
		slog.Bool("force", force),
	)
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleSessionStart(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.rateLimit(c, userID); err != nil {
		return err
	}

	s, err := g.ownedSession(c)
	if err != nil {
		return g.apiError(c, err)
	}

	if err := g.lifecycle.Start(c.Context(), s.ID); err != nil {
		return g.apiError(c, err)
	}

	if wait := waitFor(c); wait > 0 {
		if err := g.status.WaitUntil(c.Context(), s.ID, statuspoll.Running, wait, 0); err != nil {
			return g.apiError(c, err)
		}
	}
	return g.statusOf(c, s.ID)
}

func (g *Gateway) handleSessionStop(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.rateLimit(c, userID); err != nil {
		return err
	}

	s, err := g.ownedSession(c)
	if err != nil {
		return g.apiError(c, err)
	}

	if err := g.lifecycle.Stop(c.Context(), s.ID); err != nil {
		return g.apiError(c, err)
	}

	if wait := waitFor(c); wait > 0 {
		if err := g.status.WaitUntil(c.Context(), s.ID, statuspoll.Stopped, wait, 0); err != nil {
			return g.apiError(c, err)
		}
	}
	return g.statusOf(c, s.ID)
}

func (g *Gateway) handleSessionStatus(c *okapi.Context) error {
	s, err := g.ownedSession(c)
	if err != nil {
		return g.apiError(c, err)
	}
	return g.statusOf(c, s.ID)
}

// --- Execution ---

// ExecRequest is the JSON body for POST /v1/sessions/{id}/exec. Exactly
// one of command or file must be set.
type ExecRequest struct {
	Command string `json:"command,omitempty"` // Shell command line.
	File    string `json:"file,omitempty"`    // Workspace-relative file to run.
	Lang    string `json:"lang,omitempty"`    // Interpreter override for file runs.
}

// ExecResponse is the JSON response for an execution.
type ExecResponse struct {
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ExitCode   int       `json:"exit_code"`
	TimedOut   bool      `json:"timed_out"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	userID := c.GetString("userID")
	if err := g.rateLimit(c, userID); err != nil {
		return err
	}

	s, err := g.ownedSession(c)
	if err != nil {
		return g.apiError(c, err)
	}

	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return abort(c, http.StatusBadRequest, "invalid_body", "invalid request body")
	}
	if (req.Command == "") == (req.File == "") {
		return abort(c, http.StatusBadRequest, "invalid_body", "exactly one of command or file is required")
	}

	var result *runtime.ExecResult
	if req.Command != "" {
		result, err = g.exec.RunCommand(c.Context(), s.ID, req.Command)
	} else {
		result, err = g.exec.RunFile(c.Context(), s.ID, req.File, req.Lang)
	}
	if err != nil {
		return g.apiError(c, err)
	}

	return c.OK(ExecResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		TimedOut:   result.TimedOut,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		DurationMS: result.Duration.Milliseconds(),
	})
}

// --- Helpers ---

// ownedSession resolves the {id} path parameter to a session owned by the
// caller. Sessions owned by others read as not found.
func (g *Gateway) ownedSession(c *okapi.Context) (*domain.Session, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, errInvalidID
	}
	return g.registry.GetOwned(c.Context(), id, c.GetString("userID"))
}

func (g *Gateway) statusOf(c *okapi.Context, id uuid.UUID) error {
	state, errMsg, err := g.status.Status(c.Context(), id)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(StatusResponse{Status: string(state), ErrorMessage: errMsg})
}

// waitFor parses the optional ?wait_s= query parameter.
func waitFor(c *okapi.Context) time.Duration {
	raw := c.Request().URL.Query().Get("wait_s")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	wait := time.Duration(secs) * time.Second
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}
