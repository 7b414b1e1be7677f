// Package httpapi implements the REST gateway for Sanduku.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Per-user rate limiting via token bucket
//   - Session ownership checked before every operation
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/files"
	"github.com/jkaninda/sanduku/internal/lifecycle"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/pathsafe"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/statuspoll"
)

// errInvalidID is returned when a path or query session ID fails to parse.
var errInvalidID = errors.New("invalid session ID")

// ErrorBody is the standard error response. Kind is a stable machine
// readable discriminator so clients branch on it instead of parsing
// the message.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string            // e.g., "0.0.0.0:8690"
	EnableDocs bool              // Serve OpenAPI docs.
	APIKeys    map[string]string // API key → user ID mapping. Keys from env.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	registry   *registry.Registry
	lifecycle  *lifecycle.Controller
	exec       *executor.Service
	files      *files.Service
	status     *statuspoll.Facade
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server
	okapi      *okapi.Okapi
	group      *okapi.Group
	extraRoute []extraRoute
}

// extraRoute stores an additional handler mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(
	cfg Config,
	reg *registry.Registry,
	lc *lifecycle.Controller,
	ex *executor.Service,
	fs *files.Service,
	sp *statuspoll.Facade,
	rl *ratelimit.Limiter,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		config:    cfg,
		registry:  reg,
		lifecycle: lc,
		exec:      ex,
		files:     fs,
		status:    sp,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the terminal WebSocket endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoute = append(g.extraRoute, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Session endpoints.
	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Create a new session"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SessionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List all sessions for the caller"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Get a session by ID"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/sessions/{id}", g.handleSessionUpdate,
		okapi.DocSummary("Rename a session or update its description"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(SessionUpdateRequest{}),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionDelete,
		okapi.DocSummary("Delete a session (soft delete; ?force=true stops first)"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Lifecycle endpoints.
	g.group.Post("/sessions/{id}/start", g.handleSessionStart,
		okapi.DocSummary("Start the session's container"),
		okapi.DocTags("Lifecycle"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/stop", g.handleSessionStop,
		okapi.DocSummary("Stop the session's container"),
		okapi.DocTags("Lifecycle"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/status", g.handleSessionStatus,
		okapi.DocSummary("Get the session's lifecycle status"),
		okapi.DocTags("Lifecycle"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Execution endpoint.
	g.group.Post("/sessions/{id}/exec", g.handleExec,
		okapi.DocSummary("Run a command or a file inside the session's container"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// File endpoints.
	g.group.Post("/files/tree", g.handleFileTree,
		okapi.DocSummary("List a session's file tree"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(FileTreeRequest{}),
		okapi.DocResponse(files.Node{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/files/read", g.handleFileRead,
		okapi.DocSummary("Read a file from a session's workspace"),
		okapi.DocTags("Files"),
		okapi.DocResponse(FileReadResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/files/create", g.handleFileCreate,
		okapi.DocSummary("Create an empty file or directory"),
		okapi.DocTags("Files"),
		okapi.DocRequestBody(FileCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Extra handlers (the terminal WebSocket endpoint).
	for _, er := range g.extraRoute {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		})
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Health handlers ---

// HealthResponse is the JSON response for the liveness probe.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if string(status.Status) != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return abort(c, http.StatusUnauthorized, "unauthorized", "missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, uid := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = uid
			}
		}
		if userID == "" {
			return abort(c, http.StatusUnauthorized, "unauthorized", "invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// rateLimit consumes one token for the caller. Returns a non-nil response
// error when the caller is over quota.
func (g *Gateway) rateLimit(c *okapi.Context, userID string) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(userID); err != nil {
		return abort(c, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	}
	return nil
}

// --- Error mapping ---

func abort(c *okapi.Context, code int, kind, msg string) error {
	return c.JSON(code, ErrorBody{Error: msg, Kind: kind})
}

// apiError maps domain errors to HTTP responses with stable kinds.
func (g *Gateway) apiError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, errInvalidID):
		return abort(c, http.StatusBadRequest, "invalid_id", err.Error())
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, files.ErrNotFound):
		return abort(c, http.StatusNotFound, "not_found", "session or file not found")
	case errors.Is(err, registry.ErrInvalidName):
		return abort(c, http.StatusBadRequest, "invalid_name", err.Error())
	case errors.Is(err, pathsafe.ErrInvalidPath):
		return abort(c, http.StatusBadRequest, "invalid_path", err.Error())
	case errors.Is(err, executor.ErrUnsupportedFile):
		return abort(c, http.StatusBadRequest, "unsupported_file", err.Error())
	case errors.Is(err, files.ErrNotAFile):
		return abort(c, http.StatusBadRequest, "not_a_file", err.Error())
	case errors.Is(err, files.ErrExists):
		return abort(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, lifecycle.ErrConflict):
		return abort(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, lifecycle.ErrNotRunning):
		return abort(c, http.StatusConflict, "not_running", "session is not running")
	case errors.Is(err, executor.ErrBusy):
		return abort(c, http.StatusTooManyRequests, "busy", "session is busy executing")
	case errors.Is(err, files.ErrTooLarge):
		return abort(c, http.StatusRequestEntityTooLarge, "too_large", err.Error())
	case errors.Is(err, lifecycle.ErrTimeout), errors.Is(err, statuspoll.ErrWaitTimeout):
		return abort(c, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, statuspoll.ErrPredicateFailed):
		return abort(c, http.StatusConflict, "runtime_error", err.Error())
	default:
		g.logger.Error("request failed", slog.String("error", err.Error()))
		return abort(c, http.StatusInternalServerError, "runtime_error", "internal error")
	}
}
