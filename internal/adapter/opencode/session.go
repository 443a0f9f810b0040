package opencode

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/message"
)

// Session is one conversation multiplexed over the adapter's shared stream.
type Session struct {
	id        string
	backendID string
	workDir   string
	adapter   *Adapter

	out chan message.UnifiedMessage

	mu     sync.Mutex
	closed bool
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) Messages() <-chan message.UnifiedMessage { return s.out }

func (s *Session) Send(ctx context.Context, msg message.UnifiedMessage) error {
	if s.isClosed() {
		return apperr.E("opencode.send", apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
	}

	switch msg.Type {
	case message.TypeUserMessage:
		return s.adapter.doJSON(ctx, http.MethodPost,
			"/session/"+s.backendID+"/prompt_async", s.workDir,
			map[string]interface{}{
				"parts": []map[string]string{{"type": "text", "text": msg.Text()}},
			}, nil)

	case message.TypeInterrupt:
		return s.Interrupt(ctx)

	case message.TypePermissionResponse:
		permissionID := msg.MetaString("request_id")
		if permissionID == "" {
			return nil
		}
		return s.adapter.doJSON(ctx, http.MethodPost,
			"/permission/"+permissionID+"/reply", s.workDir,
			map[string]string{"reply": replyFor(msg.MetaString("behavior"))}, nil)

	default:
		return nil
	}
}

func (s *Session) Interrupt(ctx context.Context) error {
	if s.isClosed() {
		return apperr.E("opencode.interrupt", apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
	}
	return s.adapter.doJSON(ctx, http.MethodPost,
		"/session/"+s.backendID+"/abort", s.workDir, nil, nil)
}

// Close deregisters the session from the shared stream. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	s.adapter.removeSession(s.backendID)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
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
		s.adapter.logger.Warn("message stream full, dropping",
			zap.String("session_id", s.id), zap.String("type", string(msg.Type)))
	}
}

// replyFor maps a permission decision to the server's reply vocabulary.
func replyFor(behavior string) string {
	switch behavior {
	case "allow":
		return "once"
	case "allow_always":
		return "always"
	default:
		return "reject"
	}
}
