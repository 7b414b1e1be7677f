package terminal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/domain"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
)

// Subprotocol is the WebSocket subprotocol spoken by terminal clients.
const Subprotocol = "sanduku-terminal-v1"

// Broker is the slice of the lifecycle controller the gateway needs:
// readiness reads and handle-scoped attach.
type Broker interface {
	Attach(ctx context.Context, id uuid.UUID) (runtime.AttachStream, error)
	Status(ctx context.Context, id uuid.UUID) (domain.SessionState, string, error)
}

// Authenticator validates a connection token and resolves its owner.
type Authenticator interface {
	Authenticate(token string) (ownerID string, err error)
}

// Config holds gateway tuning knobs.
type Config struct {
	ReplayBytes   int           // Output tail replayed to new observers. Default 64 KiB.
	OutboundQueue int           // Frames buffered per connection. Default 256.
	TouchInterval time.Duration // Min spacing between activity touches. Default 5s.
}

func (c Config) withDefaults() Config {
	if c.ReplayBytes <= 0 {
		c.ReplayBytes = 64 << 10
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	if c.TouchInterval <= 0 {
		c.TouchInterval = 5 * time.Second
	}
	return c
}

// Gateway upgrades terminal WebSocket connections and bridges them to
// per-session PTY attachments. It implements lifecycle.Listener so state
// transitions reach connected clients as container_status frames.
type Gateway struct {
	cfg    Config
	broker Broker
	reg    *registry.Registry
	auth   Authenticator
	logger *slog.Logger

	mu    sync.Mutex
	slots map[uuid.UUID]*attachSlot
}

// attachSlot makes attachment creation once-per-session even under
// concurrent upgrades.
type attachSlot struct {
	once sync.Once
	a    *attachment
	err  error
}

// NewGateway creates a terminal gateway.
func NewGateway(cfg Config, broker Broker, reg *registry.Registry, auth Authenticator, logger *slog.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg.withDefaults(),
		broker: broker,
		reg:    reg,
		auth:   auth,
		logger: logger,
		slots:  make(map[uuid.UUID]*attachSlot),
	}
}

// Handler returns the http.Handler for the terminal endpoint.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.handleUpgrade)
}

// handleUpgrade authenticates, authorizes, and checks readiness before
// the WebSocket upgrade. A session that is not running is rejected with
// 409 — connections are never queued waiting for a container.
func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("session_id"))
	if err != nil {
		http.Error(w, "invalid session_id", http.StatusBadRequest)
		return
	}

	ownerID, err := g.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := g.reg.GetOwned(r.Context(), sessionID, ownerID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	state, _, err := g.broker.Status(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if state != domain.StateRunning {
		http.Error(w, "session is not running", http.StatusConflict)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	a, err := g.attachment(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("terminal attach failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
		ws.Close(websocket.StatusInternalError, "attach failed")
		return
	}

	c := newConn(ws, g.cfg.OutboundQueue)
	a.addConn(c)
	go c.writeLoop()

	g.logger.Info("terminal connected",
		slog.String("session_id", sessionID.String()),
		slog.String("owner_id", ownerID),
	)

	g.readLoop(r.Context(), sessionID, a, c)

	c.close(websocket.StatusNormalClosure, "connection closed")
	if a.removeConn(c) == 0 {
		g.detach(sessionID, a)
	}
}

// readLoop consumes client frames until the connection drops.
func (g *Gateway) readLoop(ctx context.Context, sessionID uuid.UUID, a *attachment, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				g.logger.Debug("terminal connection closed",
					slog.String("session_id", sessionID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		frame := parseInbound(data)
		switch frame.Type {
		case FrameStdin:
			if err := a.write([]byte(frame.Data)); err != nil {
				c.send(Frame{Type: FrameError, Message: "writing to shell: " + err.Error()}.encode())
				return
			}
			if a.shouldTouch(g.cfg.TouchInterval) {
				g.reg.TouchActivity(ctx, sessionID)
			}

		case FrameResize:
			if frame.Cols == 0 || frame.Rows == 0 {
				c.send(Frame{Type: FrameError, Message: "resize requires cols and rows"}.encode())
				continue
			}
			if err := a.stream.Resize(frame.Cols, frame.Rows); err != nil {
				g.logger.Debug("terminal resize failed",
					slog.String("session_id", sessionID.String()),
					slog.String("error", err.Error()),
				)
			}

		default:
			g.logger.Debug("unknown terminal frame",
				slog.String("session_id", sessionID.String()),
				slog.String("type", string(frame.Type)),
			)
		}
	}
}

// attachment returns the session's live attachment, creating it on first
// use. Creation is serialized per session so exactly one PTY attach
// reaches the runtime.
func (g *Gateway) attachment(ctx context.Context, sessionID uuid.UUID) (*attachment, error) {
	g.mu.Lock()
	s, ok := g.slots[sessionID]
	if !ok {
		s = &attachSlot{}
		g.slots[sessionID] = s
	}
	g.mu.Unlock()

	s.once.Do(func() {
		stream, err := g.broker.Attach(ctx, sessionID)
		g.mu.Lock()
		if err != nil {
			s.err = err
			delete(g.slots, sessionID)
			g.mu.Unlock()
			return
		}
		s.a = newAttachment(sessionID, stream, g.cfg.ReplayBytes, g.logger)
		g.mu.Unlock()
		go s.a.pump(func(a *attachment) {
			a.broadcast(Frame{Type: FrameError, Message: "terminal stream closed"}.encode())
			g.detach(sessionID, a)
		})
	})

	g.mu.Lock()
	a, err := s.a, s.err
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.New("terminal attachment unavailable")
	}
	return a, nil
}

// detach tears the attachment down and forgets it. The container keeps
// running — only the interactive shell attachment goes away; the next
// connection attaches fresh.
func (g *Gateway) detach(sessionID uuid.UUID, a *attachment) {
	g.mu.Lock()
	if s, ok := g.slots[sessionID]; ok && s.a == a {
		delete(g.slots, sessionID)
	}
	g.mu.Unlock()

	a.close("detached")
	g.logger.Debug("terminal detached", slog.String("session_id", sessionID.String()))
}

// SessionTransitioned implements lifecycle.Listener. Every transition is
// pushed to connected clients; transitions that end the container also
// end their terminal connections. Runs synchronously on the controller's
// transition path, so it only queues frames and flips channels.
func (g *Gateway) SessionTransitioned(sessionID uuid.UUID, state domain.SessionState, errMsg string) {
	g.mu.Lock()
	var a *attachment
	if s, ok := g.slots[sessionID]; ok {
		a = s.a
	}
	g.mu.Unlock()
	if a == nil {
		return
	}

	a.broadcast(Frame{Type: FrameContainerStatus, Status: string(state), Message: errMsg}.encode())

	switch state {
	case domain.StateStopping, domain.StateStopped, domain.StateError:
		g.detach(sessionID, a)
	}
}
