package adapter

import (
	"context"
	"sync"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/message"
)

// ScriptFunc lets tests control what a mock session emits in response to an
// outbound message. Returning nil falls back to the default echo behavior.
type ScriptFunc func(sess *MockSession, msg message.UnifiedMessage) []message.UnifiedMessage

// MockAdapter is an in-memory backend used in tests. By default each user
// message is answered with an assistant echo followed by a result message.
type MockAdapter struct {
	// Script overrides the default reply for every session, when set.
	Script ScriptFunc

	mu       sync.Mutex
	sessions map[string]*MockSession
}

// NewMockAdapter creates a mock backend.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{sessions: make(map[string]*MockSession)}
}

func (a *MockAdapter) Name() string { return "mock" }

func (a *MockAdapter) Capabilities() Capabilities {
	return Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  AvailabilityLocal,
	}
}

func (a *MockAdapter) Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error) {
	sess := &MockSession{
		id:      opts.SessionID,
		resume:  opts.Resume,
		adapter: a,
		out:     make(chan message.UnifiedMessage, 64),
	}
	a.mu.Lock()
	a.sessions[opts.SessionID] = sess
	a.mu.Unlock()
	return sess, nil
}

// Session returns a connected session by ID, for test assertions.
func (a *MockAdapter) Session(id string) *MockSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

func (a *MockAdapter) CreateSlashExecutor() SlashExecutor {
	return mockSlashExecutor{}
}

type mockSlashExecutor struct{}

func (mockSlashExecutor) Handles(command string) bool {
	return command == "/compact"
}

func (mockSlashExecutor) Execute(ctx context.Context, sessionID, command string) (string, error) {
	return "conversation compacted", nil
}

// MockSession is one mock conversation. The zero value is not usable; create
// sessions through MockAdapter.Connect.
type MockSession struct {
	id      string
	resume  string
	adapter *MockAdapter
	out     chan message.UnifiedMessage

	mu     sync.Mutex
	closed bool

	// Observed state, exported for test assertions.
	Model          string
	PermissionMode string
	Interrupted    bool
	Sent           []message.UnifiedMessage
	Resolutions    map[string]string // permission request ID -> behavior
}

func (s *MockSession) SessionID() string { return s.id }

// ResumedFrom returns the resume token the session was connected with.
func (s *MockSession) ResumedFrom() string { return s.resume }

func (s *MockSession) Messages() <-chan message.UnifiedMessage { return s.out }

func (s *MockSession) Send(ctx context.Context, msg message.UnifiedMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.E("mock.send", apperr.KindSessionClosed, "session closed",
			apperr.WithSession(s.id))
	}
	s.Sent = append(s.Sent, msg)
	if msg.Type == message.TypePermissionResponse {
		if s.Resolutions == nil {
			s.Resolutions = make(map[string]string)
		}
		id, _ := msg.Metadata["request_id"].(string)
		behavior, _ := msg.Metadata["behavior"].(string)
		s.Resolutions[id] = behavior
	}
	s.mu.Unlock()

	if s.adapter.Script != nil {
		if replies := s.adapter.Script(s, msg); replies != nil {
			for _, reply := range replies {
				s.Emit(reply)
			}
			return nil
		}
	}

	if msg.Type == message.TypeUserMessage {
		s.Emit(message.New(message.TypeAssistant, message.RoleAssistant,
			message.WithContent(message.TextBlock("echo: "+msg.Text()))))
		s.Emit(message.New(message.TypeResult, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{"stop_reason": "end_turn"})))
	}
	return nil
}

// Emit injects a backend-originated message into the session stream. Emits
// after Close are dropped.
func (s *MockSession) Emit(msg message.UnifiedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- msg
}

func (s *MockSession) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	s.Interrupted = true
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return apperr.E("mock.interrupt", apperr.KindSessionClosed, "session closed",
			apperr.WithSession(s.id))
	}
	s.Emit(message.New(message.TypeResult, message.RoleSystem,
		message.WithMetadata(map[string]interface{}{"stop_reason": "interrupted"})))
	return nil
}

func (s *MockSession) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Model = model
	return nil
}

func (s *MockSession) SetPermissionMode(ctx context.Context, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PermissionMode = mode
	return nil
}

func (s *MockSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.out)
	return nil
}
