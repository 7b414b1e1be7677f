package terminal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/runtime"
)

const writeTimeout = 10 * time.Second

// attachment is the authoritative PTY attachment for one session. It
// owns the runtime stream, keeps a replay tail of recent output, and
// fans frames out to every connected observer.
type attachment struct {
	sessionID uuid.UUID
	stream    runtime.AttachStream
	logger    *slog.Logger
	replayMax int

	writeMu sync.Mutex // Serializes stdin writes into the PTY.

	mu        sync.Mutex
	conns     map[*conn]struct{}
	replay    []byte
	closed    bool
	lastTouch time.Time
}

func newAttachment(sessionID uuid.UUID, stream runtime.AttachStream, replayMax int, logger *slog.Logger) *attachment {
	return &attachment{
		sessionID: sessionID,
		stream:    stream,
		logger:    logger,
		replayMax: replayMax,
		conns:     make(map[*conn]struct{}),
	}
}

// pump copies PTY output to all observers until the stream ends. Runs in
// its own goroutine for the attachment's lifetime.
func (a *attachment) pump(onStreamEnd func(*attachment)) {
	buf := make([]byte, 4096)
	for {
		n, err := a.stream.Read(buf)
		if n > 0 {
			a.broadcastOutput(buf[:n])
		}
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if !closed {
				a.logger.Debug("terminal stream ended",
					slog.String("session_id", a.sessionID.String()),
					slog.String("error", err.Error()),
				)
				onStreamEnd(a)
			}
			return
		}
	}
}

// broadcastOutput appends to the replay tail and queues an output frame
// on every observer.
func (a *attachment) broadcastOutput(data []byte) {
	frame := Frame{Type: FrameOutput, Data: string(data)}.encode()

	a.mu.Lock()
	a.replay = append(a.replay, data...)
	if len(a.replay) > a.replayMax {
		a.replay = a.replay[len(a.replay)-a.replayMax:]
	}
	for c := range a.conns {
		c.send(frame)
	}
	a.mu.Unlock()
}

// broadcast queues an already-encoded frame on every observer.
func (a *attachment) broadcast(frame []byte) {
	a.mu.Lock()
	for c := range a.conns {
		c.send(frame)
	}
	a.mu.Unlock()
}

// addConn registers an observer and queues the replay tail ahead of any
// live output, under the same lock that broadcasts hold, so the observer
// sees no gap and no duplication.
func (a *attachment) addConn(c *conn) {
	a.mu.Lock()
	if len(a.replay) > 0 {
		c.send(Frame{Type: FrameOutput, Data: string(a.replay)}.encode())
	}
	a.conns[c] = struct{}{}
	a.mu.Unlock()
}

// removeConn drops an observer and reports how many remain.
func (a *attachment) removeConn(c *conn) int {
	a.mu.Lock()
	delete(a.conns, c)
	n := len(a.conns)
	a.mu.Unlock()
	return n
}

// write feeds stdin bytes into the PTY.
func (a *attachment) write(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := a.stream.Write(data)
	return err
}

// shouldTouch rate-limits activity updates to one per interval so
// keystrokes don't turn into a store write each.
func (a *attachment) shouldTouch(interval time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	if now.Sub(a.lastTouch) < interval {
		return false
	}
	a.lastTouch = now
	return true
}

// close tears the attachment down: detaches from the PTY and closes every
// observer connection with the given reason. Idempotent.
func (a *attachment) close(reason string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	conns := make([]*conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.conns = make(map[*conn]struct{})
	a.mu.Unlock()

	if err := a.stream.Close(); err != nil {
		a.logger.Debug("closing terminal stream",
			slog.String("session_id", a.sessionID.String()),
			slog.String("error", err.Error()),
		)
	}
	for _, c := range conns {
		c.close(websocket.StatusNormalClosure, reason)
	}
}

// conn is one WebSocket observer. The writer goroutine drains out; send
// never blocks the producer.
type conn struct {
	ws  *websocket.Conn
	out chan []byte

	dropMu  sync.Mutex
	dropped bool

	closeOnce sync.Once
	done      chan struct{}
	status    websocket.StatusCode
	reason    string
}

func newConn(ws *websocket.Conn, queueSize int) *conn {
	return &conn{
		ws:     ws,
		out:    make(chan []byte, queueSize),
		done:   make(chan struct{}),
		status: websocket.StatusNormalClosure,
	}
}

// send queues a frame without blocking. When the queue is full the oldest
// frame is dropped to make room, and a single error notice tells the
// client its view has a gap.
func (c *conn) send(frame []byte) {
	select {
	case c.out <- frame:
		return
	default:
	}

	select {
	case <-c.out:
	default:
	}

	c.dropMu.Lock()
	if !c.dropped {
		c.dropped = true
		notice := Frame{Type: FrameError, Message: "output dropped: connection too slow"}.encode()
		select {
		case c.out <- notice:
		default:
		}
	}
	c.dropMu.Unlock()

	select {
	case c.out <- frame:
	default:
	}
}

// writeLoop ships queued frames to the client. On close it drains what is
// already queued (so a final container_status frame is delivered) before
// closing the socket.
func (c *conn) writeLoop() {
	defer c.ws.Close(c.status, c.reason)

	for {
		select {
		case frame := <-c.out:
			if err := c.writeFrame(frame); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.out:
					if err := c.writeFrame(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *conn) writeFrame(frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, frame)
}

// close signals the writer to drain and shut the socket. Idempotent.
func (c *conn) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.status = status
		c.reason = reason
		close(c.done)
	})
}
