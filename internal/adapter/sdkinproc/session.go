package sdkinproc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/message"
)

// Session is one embedded agent run.
type Session struct {
	id     string
	cancel context.CancelFunc
	logger *logger.Logger

	prompts    chan Prompt
	interrupts chan struct{}
	out        chan message.UnifiedMessage

	mu      sync.Mutex
	closed  bool
	waiters map[string]chan Decision
}

func newSession(id string, cancel context.CancelFunc, log *logger.Logger) *Session {
	return &Session{
		id:         id,
		cancel:     cancel,
		logger:     log.WithFields(zap.String("session_id", id)),
		prompts:    make(chan Prompt, 16),
		interrupts: make(chan struct{}, 1),
		out:        make(chan message.UnifiedMessage, 256),
		waiters:    make(map[string]chan Decision),
	}
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) Messages() <-chan message.UnifiedMessage { return s.out }

func (s *Session) Send(ctx context.Context, msg message.UnifiedMessage) error {
	if s.isClosed() {
		return apperr.E("sdkinproc.send", apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
	}

	switch msg.Type {
	case message.TypeUserMessage:
		select {
		case s.prompts <- Prompt{Text: msg.Text()}:
			return nil
		case <-ctx.Done():
			return apperr.E("sdkinproc.send", apperr.KindConnection, ctx.Err(), apperr.WithSession(s.id))
		}

	case message.TypeInterrupt:
		return s.Interrupt(ctx)

	case message.TypePermissionResponse:
		s.resolve(msg.MetaString("request_id"), Decision{
			Behavior: msg.MetaString("behavior"),
			Message:  msg.MetaString("message"),
		})
		return nil

	default:
		return nil
	}
}

func (s *Session) Interrupt(ctx context.Context) error {
	if s.isClosed() {
		return apperr.E("sdkinproc.interrupt", apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
	}
	select {
	case s.interrupts <- struct{}{}:
	default:
		// An interrupt is already pending.
	}
	return nil
}

// Close aborts the agent run and denies every pending permission. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.waiters {
		ch <- Decision{Behavior: "deny", Message: "Session closed"}
		delete(s.waiters, id)
	}
	s.mu.Unlock()

	s.cancel()
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// canUseTool blocks the agent until the runtime answers the permission
// request emitted here.
func (s *Session) canUseTool(ctx context.Context, toolName string, input map[string]interface{}) (Decision, error) {
	requestID := uuid.New().String()
	waiter := make(chan Decision, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Decision{Behavior: "deny", Message: "Session closed"}, nil
	}
	s.waiters[requestID] = waiter
	s.mu.Unlock()

	s.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
		message.WithMetadata(map[string]interface{}{
			"request_id": requestID,
			"tool_name":  toolName,
			"input":      input,
		})))

	select {
	case decision := <-waiter:
		return decision, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, requestID)
		s.mu.Unlock()
		return Decision{Behavior: "deny", Message: "Session closed"}, nil
	}
}

// resolve answers a pending permission. Unknown ids are ignored; the waiter
// already timed out or the session cancelled it.
func (s *Session) resolve(requestID string, decision Decision) {
	s.mu.Lock()
	waiter, ok := s.waiters[requestID]
	delete(s.waiters, requestID)
	s.mu.Unlock()
	if ok {
		waiter <- decision
	}
}

// PendingPermissions reports the waiter count, for tests.
func (s *Session) PendingPermissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

func (s *Session) emit(msg message.UnifiedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
		s.logger.Warn("message stream full, dropping", zap.String("type", string(msg.Type)))
	}
}

// pump translates the SDK stream until it closes, then ends the session
// stream. The SDK's echo of queued user prompts is suppressed.
func (s *Session) pump(stream <-chan SDKMessage) {
	for sdkMsg := range stream {
		if msg, ok := translate(sdkMsg); ok {
			s.emit(msg)
		}
	}
	s.mu.Lock()
	s.closed = true
	for id, ch := range s.waiters {
		ch <- Decision{Behavior: "deny", Message: "Session closed"}
		delete(s.waiters, id)
	}
	// pump is the sole closer of the stream; Close only cancels the run and
	// relies on the SDK ending its stream.
	close(s.out)
	s.mu.Unlock()
	s.cancel()
}

// translate maps one SDK message to the unified shape. Returns false for
// messages the gateway suppresses.
func translate(m SDKMessage) (message.UnifiedMessage, bool) {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}

	switch m.Type {
	case "user":
		// The runtime already echoed the user message to consumers.
		return message.UnifiedMessage{}, false
	case "system_init":
		return message.New(message.TypeSessionInit, message.RoleSystem,
			message.WithMetadata(meta)), true
	case "assistant":
		return message.New(message.TypeAssistant, message.RoleAssistant,
			message.WithContent(message.TextBlock(m.Text)),
			message.WithMetadata(meta)), true
	case "stream_event":
		return message.New(message.TypeStreamEvent, message.RoleAssistant,
			message.WithContent(message.TextBlock(m.Text)),
			message.WithMetadata(meta)), true
	case "result":
		return message.New(message.TypeResult, message.RoleSystem,
			message.WithMetadata(meta)), true
	default:
		return message.New(message.TypeUnknown, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{"sdk_type": m.Type})), true
	}
}
