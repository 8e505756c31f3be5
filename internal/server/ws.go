package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/gemini-voice-relay/internal/protocol"
	"github.com/skypro1111/gemini-voice-relay/internal/relay"
)

const closeWriteTimeout = time.Second

// WSConfig contains downstream WebSocket settings
type WSConfig struct {
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
}

// WSHandler upgrades client connections and binds each one to a relay session
type WSHandler struct {
	config   WSConfig
	registry *relay.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger

	connectionsTotal  atomic.Uint64
	activeConnections atomic.Int64
	messagesReceived  atomic.Uint64
	parseErrors       atomic.Uint64
}

// WSStatistics represents downstream connection counters
type WSStatistics struct {
	ConnectionsTotal  uint64 `json:"connections_total"`
	ActiveConnections int64  `json:"active_connections"`
	MessagesReceived  uint64 `json:"messages_received"`
	ParseErrors       uint64 `json:"parse_errors"`
}

// NewWSHandler creates the downstream WebSocket handler
func NewWSHandler(cfg WSConfig, registry *relay.Registry, logger *slog.Logger) *WSHandler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 16 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &WSHandler{
		config:   cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients are served from arbitrary origins; there is no end-user auth.
				return true
			},
		},
		logger: logger.With(slog.String("component", "ws")),
	}
}

// Handle serves one client connection until either side goes away.
func (h *WSHandler) Handle(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return nil
	}
	defer conn.Close()

	conn.SetReadLimit(h.config.MaxMessageBytes)
	transport := newWSTransport(conn, h.config.WriteTimeout)

	h.connectionsTotal.Add(1)
	h.activeConnections.Add(1)
	defer h.activeConnections.Add(-1)

	session, err := h.registry.Create(transport, c.RealIP())
	if err != nil {
		h.logger.Error("Failed to create session", slog.String("error", err.Error()))
		_ = transport.WriteMessage(c.Request().Context(), protocol.Error("Failed to create session"))
		return nil
	}
	defer h.registry.Remove(session.ID())

	g, ctx := errgroup.WithContext(c.Request().Context())

	g.Go(func() error {
		// Unblocks the reader once the session stops for any reason.
		defer transport.Close()
		return session.Run(ctx)
	})

	g.Go(func() error {
		defer session.Close()
		return h.readLoop(ctx, conn, session)
	})

	if h.config.PingInterval > 0 {
		g.Go(func() error {
			return h.pingLoop(ctx, transport, session)
		})
	}

	if err := g.Wait(); err != nil {
		h.logger.Warn("Client connection ended with error",
			slog.String("session_id", session.ID()),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// readLoop parses client frames and submits them to the session in order.
// A client disconnect is not an error.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *relay.Session) error {
	h.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		h.extendReadDeadline(conn)
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				h.logger.Debug("Client disconnected", slog.String("session_id", session.ID()))
			} else {
				h.logger.Info("Client read failed",
					slog.String("session_id", session.ID()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		}

		h.extendReadDeadline(conn)
		h.messagesReceived.Add(1)

		if msgType != websocket.TextMessage {
			h.parseErrors.Add(1)
			if err := session.Reject(ctx, fmt.Errorf("binary frames are not supported")); err != nil {
				return nil
			}
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			h.parseErrors.Add(1)
			h.logger.Debug("Rejected client message",
				slog.String("session_id", session.ID()),
				slog.String("error", err.Error()),
				slog.Int("size", len(data)),
			)
			if err := session.Reject(ctx, err); err != nil {
				return nil
			}
			continue
		}

		if err := session.Submit(ctx, msg); err != nil {
			return nil
		}
	}
}

func (h *WSHandler) extendReadDeadline(conn *websocket.Conn) {
	if h.config.PingInterval <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.config.PingInterval))
}

func (h *WSHandler) pingLoop(ctx context.Context, transport *wsTransport, session *relay.Session) error {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			return nil
		case <-ticker.C:
			if err := transport.ping(); err != nil {
				h.logger.Debug("Ping failed", slog.String("session_id", session.ID()), slog.String("error", err.Error()))
				return nil
			}
		}
	}
}

// GetStatistics returns current connection statistics
func (h *WSHandler) GetStatistics() WSStatistics {
	return WSStatistics{
		ConnectionsTotal:  h.connectionsTotal.Load(),
		ActiveConnections: h.activeConnections.Load(),
		MessagesReceived:  h.messagesReceived.Load(),
		ParseErrors:       h.parseErrors.Load(),
	}
}

// wsTransport writes JSON envelopes to one client. All writes, including
// control frames, are serialized by mu.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) WriteMessage(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return net.ErrClosed
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)

	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return net.ErrClosed
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Close sends a normal close frame and closes the connection. Safe to call
// more than once.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))
	return t.conn.Close()
}
