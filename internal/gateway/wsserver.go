// Package gateway exposes the daemon's network surface: the consumer
// WebSocket endpoint, the HTTP control API, and the single-instance lock.
package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// The transport read limit sits above the protocol cap so the bridge,
	// not the transport, decides what happens to an oversized frame.
	wsReadLimit = session.MaxInboundFrame + 64*1024
)

// WSServer serves the consumer WebSocket endpoint at /ws/consumer/{id}.
type WSServer struct {
	bridge         *session.Bridge
	logger         *logger.Logger
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewWSServer creates the consumer endpoint. An empty origin list allows
// every origin (local development); otherwise the Origin header must match.
func NewWSServer(bridge *session.Bridge, allowedOrigins []string, log *logger.Logger) *WSServer {
	s := &WSServer{
		bridge:         bridge,
		logger:         log.WithFields(zap.String("component", "ws_server")),
		allowedOrigins: allowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WSServer) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades and runs one consumer connection.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/ws/consumer/")
	token := r.URL.Query().Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	sock := newWSConsumerSocket(conn)

	if _, err := uuid.Parse(sessionID); err != nil {
		_ = sock.Close(session.ClosePolicyViolation, "invalid session id")
		return
	}

	if err := s.bridge.HandleConsumerOpen(sock, sessionID, token); err != nil {
		// The bridge already closed the socket with the right code.
		s.logger.Debug("consumer rejected",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	go sock.writePump()
	s.readPump(sock, sessionID)
}

func (s *WSServer) readPump(sock *wsConsumerSocket, sessionID string) {
	defer func() {
		s.bridge.HandleConsumerClose(sock, sessionID)
		sock.shutdown()
	}()

	sock.conn.SetReadLimit(wsReadLimit)
	_ = sock.conn.SetReadDeadline(time.Now().Add(pongWait))
	sock.conn.SetPongHandler(func(string) error {
		return sock.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("consumer read error",
					zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}
		if err := s.bridge.HandleConsumerMessage(sock, sessionID, data); err != nil {
			s.logger.Debug("consumer frame rejected",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		if sock.isClosed() {
			return
		}
	}
}

// wsConsumerSocket adapts one gorilla connection to the bridge's socket
// contract. Outbound frames go through a buffered channel so a slow consumer
// never blocks a broadcast.
type wsConsumerSocket struct {
	conn *websocket.Conn
	send chan []byte

	// wmu serializes writes to the connection; gorilla allows one writer.
	wmu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newWSConsumerSocket(conn *websocket.Conn) *wsConsumerSocket {
	return &wsConsumerSocket{
		conn: conn,
		send: make(chan []byte, 256),
	}
}

func (c *wsConsumerSocket) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.send <- data:
		return nil
	default:
		// Drop rather than stall the whole session.
		return nil
	}
}

func (c *wsConsumerSocket) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.wmu.Unlock()
	return c.conn.Close()
}

func (c *wsConsumerSocket) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown closes without a close frame, for transport-level errors.
func (c *wsConsumerSocket) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *wsConsumerSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.wmu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.wmu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.wmu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
