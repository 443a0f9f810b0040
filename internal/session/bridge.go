package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/message"
)

// MaxInboundFrame caps one consumer frame at 256 KiB.
const MaxInboundFrame = 256 * 1024

// Authenticator validates consumer tokens. A nil authenticator admits
// everyone as an anonymous guest.
type Authenticator interface {
	// Authenticate resolves a token to an identity. An error rejects the
	// socket with close code 4401.
	Authenticate(token string) (ConsumerIdentity, error)
}

// BridgeConfig tunes the consumer-facing limits.
type BridgeConfig struct {
	HistorySize       int
	PermissionTimeout time.Duration
	// RateLimit is messages per second per socket; RateBurst the bucket size.
	RateLimit float64
	RateBurst int
	// SlashCatalogPath points at the optional local-command YAML catalog.
	SlashCatalogPath string
	// Observer, when set, is installed on every runtime.
	Observer Observer
}

func (c *BridgeConfig) withDefaults() BridgeConfig {
	out := *c
	if out.HistorySize <= 0 {
		out.HistorySize = 500
	}
	if out.RateLimit <= 0 {
		out.RateLimit = 10
	}
	if out.RateBurst <= 0 {
		out.RateBurst = 20
	}
	return out
}

// sessionEntry couples a session with its runtime.
type sessionEntry struct {
	session *Session
	runtime *Runtime
}

// Bridge owns the session table and the consumer-facing edge: it admits
// sockets, enforces frame and rate limits, replays history to late joiners,
// and parses inbound frames for the runtime.
type Bridge struct {
	cfg         BridgeConfig
	broadcaster *Broadcaster
	bus         bus.EventBus
	auth        Authenticator
	logger      *logger.Logger

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig, eb bus.EventBus, auth Authenticator, log *logger.Logger) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		cfg:         cfg,
		broadcaster: NewBroadcaster(log),
		bus:         eb,
		auth:        auth,
		logger:      log.WithFields(zap.String("component", "bridge")),
		entries:     make(map[string]*sessionEntry),
	}
}

// Broadcaster exposes the shared broadcaster.
func (b *Bridge) Broadcaster() *Broadcaster {
	return b.broadcaster
}

// AddSession registers a new session and builds its runtime. Registering an
// existing id returns the existing runtime.
func (b *Bridge) AddSession(s *Session) *Runtime {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[s.ID]; ok {
		return entry.runtime
	}

	local := NewLocalHandler()
	if b.cfg.SlashCatalogPath != "" {
		if err := local.LoadCatalog(b.cfg.SlashCatalogPath); err != nil {
			b.logger.Warn("slash catalog load failed",
				zap.String("path", b.cfg.SlashCatalogPath), zap.Error(err))
		}
	}

	perms := NewPermissionBridge(b.cfg.PermissionTimeout, func(msg message.UnifiedMessage) {
		b.broadcaster.Broadcast(s, NewFrame("permission_request", map[string]interface{}{
			"request": msg.Metadata,
		}))
		b.publish(events.PermissionRequested, map[string]interface{}{
			"session_id": s.ID,
			"request_id": msg.MetaString("request_id"),
		})
	}, b.logger)

	rt := NewRuntime(s, b.broadcaster, perms, NewSlashChain(local), b.bus, b.logger)
	if b.cfg.Observer != nil {
		rt.SetObserver(b.cfg.Observer)
	}
	b.entries[s.ID] = &sessionEntry{session: s, runtime: rt}
	return rt
}

// Session returns a session by id, or nil.
func (b *Bridge) Session(id string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[id]; ok {
		return entry.session
	}
	return nil
}

// Runtime returns a session's runtime, or nil.
func (b *Bridge) Runtime(id string) *Runtime {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[id]; ok {
		return entry.runtime
	}
	return nil
}

// Sessions returns a snapshot of all sessions.
func (b *Bridge) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Session, 0, len(b.entries))
	for _, entry := range b.entries {
		out = append(out, entry.session)
	}
	return out
}

// RemoveSession closes out a session: cancels pending permissions, closes
// consumer sockets, and drops the sequence counter.
func (b *Bridge) RemoveSession(id string) {
	b.mu.Lock()
	entry, ok := b.entries[id]
	delete(b.entries, id)
	b.mu.Unlock()
	if !ok {
		return
	}

	s := entry.session
	s.Transition(StateClosing)
	entry.runtime.Permissions().CancelAll()
	for _, conn := range s.Conns() {
		_ = conn.socket.Close(CloseNormal, "session closed")
		s.RemoveConsumer(conn.socket)
	}
	s.Transition(StateClosed)
	b.broadcaster.Forget(id)
	b.publish(events.SessionClosed, map[string]interface{}{"session_id": id})
}

// HandleConsumerOpen admits a socket to a session. Unknown sessions close
// with 4404, failed auth with 4401. On success the socket receives its
// identity, the session snapshot, and the replayed history.
func (b *Bridge) HandleConsumerOpen(socket ConsumerSocket, sessionID, token string) error {
	entry := b.entry(sessionID)
	if entry == nil {
		_ = socket.Close(CloseNotFound, "session not found")
		return apperr.E("bridge.HandleConsumerOpen", apperr.KindSessionClosed,
			"session not found", apperr.WithSession(sessionID))
	}
	s := entry.session

	var identity ConsumerIdentity
	if b.auth != nil {
		resolved, err := b.auth.Authenticate(token)
		if err != nil {
			_ = socket.Close(CloseAuthFailed, "authentication failed")
			b.publish(events.ConsumerAuthFailed, map[string]interface{}{
				"session_id": sessionID,
			})
			return apperr.E("bridge.HandleConsumerOpen", apperr.KindAuth, err,
				apperr.WithSession(sessionID))
		}
		identity = resolved
	}

	conn := &consumerConn{
		socket:  socket,
		limiter: rate.NewLimiter(rate.Limit(b.cfg.RateLimit), b.cfg.RateBurst),
	}
	identity = s.RegisterConsumer(socket, identity, conn)

	b.broadcaster.SendTo(s, socket, NewFrame("identity", map[string]interface{}{
		"user_id":      identity.UserID,
		"display_name": identity.DisplayName,
		"role":         identity.Role,
	}))
	b.broadcaster.SendTo(s, socket, NewFrame("session_init", map[string]interface{}{
		"session": s.StateSnapshot(),
	}))

	history := s.History()
	frames := make([]json.RawMessage, len(history))
	copy(frames, history)
	b.broadcaster.SendTo(s, socket, NewFrame("message_history", map[string]interface{}{
		"messages": frames,
	}))

	if s.Backend() == nil && s.Lifecycle() == StateDegraded {
		b.publish(events.BackendRelaunchNeeded, map[string]interface{}{
			"session_id": sessionID,
		})
	}

	b.broadcaster.BroadcastPresence(s)
	b.publish(events.ConsumerConnected, map[string]interface{}{
		"session_id":   sessionID,
		"display_name": identity.DisplayName,
	})
	return nil
}

// HandleConsumerMessage enforces the frame and rate limits, parses the frame,
// and delegates to the runtime. Oversized frames close the socket with 1009
// and mutate nothing.
func (b *Bridge) HandleConsumerMessage(socket ConsumerSocket, sessionID string, raw []byte) error {
	entry := b.entry(sessionID)
	if entry == nil {
		_ = socket.Close(CloseNotFound, "session not found")
		return apperr.E("bridge.HandleConsumerMessage", apperr.KindSessionClosed,
			"session not found", apperr.WithSession(sessionID))
	}
	s, rt := entry.session, entry.runtime

	if len(raw) > MaxInboundFrame {
		_ = socket.Close(CloseTooBig, "frame too large")
		s.RemoveConsumer(socket)
		b.broadcaster.BroadcastPresence(s)
		return apperr.E("bridge.HandleConsumerMessage", apperr.KindPayloadTooLarge,
			apperr.WithSession(sessionID))
	}

	conn := s.Conn(socket)
	if conn == nil {
		return apperr.E("bridge.HandleConsumerMessage", apperr.KindConnection,
			"socket not registered", apperr.WithSession(sessionID))
	}
	if !conn.limiter.Allow() {
		b.broadcaster.SendTo(s, socket, NewFrame("error", map[string]interface{}{
			"message": "rate limit exceeded",
		}))
		return apperr.E("bridge.HandleConsumerMessage", apperr.KindRateLimit,
			apperr.WithSession(sessionID))
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		b.broadcaster.SendTo(s, socket, NewFrame("error", map[string]interface{}{
			"message": "malformed frame: " + err.Error(),
		}))
		return apperr.E("bridge.HandleConsumerMessage", apperr.KindProtocol, err,
			apperr.WithSession(sessionID))
	}

	rt.HandleInbound(socket, in)
	return nil
}

// HandleConsumerClose removes a socket and notifies the remaining consumers.
func (b *Bridge) HandleConsumerClose(socket ConsumerSocket, sessionID string) {
	entry := b.entry(sessionID)
	if entry == nil {
		return
	}
	s := entry.session
	s.RemoveConsumer(socket)
	b.broadcaster.BroadcastPresence(s)
	b.publish(events.ConsumerDisconnected, map[string]interface{}{
		"session_id": sessionID,
	})
}

// ConnectBackend attaches a freshly connected backend session: it announces
// the connection, activates the session, and starts the message pump. The
// connected event always precedes the backend session id discovery.
func (b *Bridge) ConnectBackend(rt *Runtime, backendAdapter adapter.BackendAdapter, backend adapter.BackendSession) {
	s := rt.Session()

	var executor adapter.SlashExecutor
	if provider, ok := backendAdapter.(adapter.SlashExecutorProvider); ok {
		executor = provider.CreateSlashExecutor()
	}
	passthrough := backendAdapter.Capabilities().SlashCommands
	s.AttachBackend(backend, executor, passthrough)

	b.publish(events.BackendConnected, map[string]interface{}{
		"session_id": s.ID,
		"adapter":    backendAdapter.Name(),
	})
	b.broadcaster.Broadcast(s, NewFrame("cli_connected", map[string]interface{}{
		"adapter": backendAdapter.Name(),
	}))

	switch s.Lifecycle() {
	case StateCreated, StateDegraded:
		s.Transition(StateActive)
	}

	go rt.ConsumeBackend(backend.Messages())
}

func (b *Bridge) entry(sessionID string) *sessionEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[sessionID]
}

func (b *Bridge) publish(subject string, data map[string]interface{}) {
	if b.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.bus.Publish(ctx, subject, bus.NewEvent(subject, "bridge", data)); err != nil {
		b.logger.Debug("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
