package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coderelay/coderelay/internal/adapter"
)

var (
	errQueueOccupied    = errors.New("a message is already queued")
	errNoQueued         = errors.New("no queued message")
	errQueueUpdateOwner = errors.New("only the author may update the queued message")
	errQueueCancelOwner = errors.New("only the author may cancel the queued message")
)

// LifecycleState is the session's coarse state.
type LifecycleState string

const (
	StateCreated  LifecycleState = "created"
	StateActive   LifecycleState = "active"
	StateIdle     LifecycleState = "idle"
	StateDegraded LifecycleState = "degraded"
	StateClosing  LifecycleState = "closing"
	StateClosed   LifecycleState = "closed"
)

// legalTransitions lists the allowed lifecycle moves. Closing and closed may
// be entered from anywhere except closed itself.
var legalTransitions = map[LifecycleState][]LifecycleState{
	StateCreated:  {StateActive},
	StateActive:   {StateIdle, StateDegraded},
	StateIdle:     {StateActive, StateDegraded},
	StateDegraded: {StateActive},
	StateClosing:  {StateClosed},
}

// Status is the backend-reported activity status.
type Status string

const (
	StatusNone       Status = ""
	StatusRunning    Status = "running"
	StatusIdle       Status = "idle"
	StatusCompacting Status = "compacting"
)

// QueuedMessage is the single slot for a message deferred while the agent is
// busy. Only its author may update or cancel it.
type QueuedMessage struct {
	Content  string
	AuthorID string
	QueuedAt time.Time
}

// PendingPassthrough correlates a slash command sent as a user message with
// the backend's next result.
type PendingPassthrough struct {
	Command        string
	RequestID      string
	SlashRequestID string
	StartedAt      time.Time
}

// Session is one conversation: a backend attachment plus its consumers.
// The bridge owns the sessions map; the runtime owns a session's interior.
type Session struct {
	ID          string
	AdapterName string
	CreatedAt   time.Time

	mu sync.Mutex

	state            map[string]interface{}
	lifecycle        LifecycleState
	backend          adapter.BackendSession
	backendSessionID string
	lastStatus       Status

	consumers   map[ConsumerSocket]*consumerConn
	anonIdx     int
	history     []json.RawMessage
	historySize int

	queued       *QueuedMessage
	passthroughs []*PendingPassthrough

	slashExecutor       adapter.SlashExecutor
	supportsPassthrough bool

	firstTurnDone bool
	lastIdleAt    time.Time

	// onInvalidTransition observes rejected lifecycle moves; never throws.
	onInvalidTransition func(from, to LifecycleState)
}

// NewSession creates a session in the created state.
func NewSession(id, adapterName string, historySize int) *Session {
	if historySize <= 0 {
		historySize = 500
	}
	return &Session{
		ID:          id,
		AdapterName: adapterName,
		CreatedAt:   time.Now(),
		state:       make(map[string]interface{}),
		lifecycle:   StateCreated,
		consumers:   make(map[ConsumerSocket]*consumerConn),
		historySize: historySize,
	}
}

// Lifecycle returns the current lifecycle state.
func (s *Session) Lifecycle() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Transition moves the lifecycle state. Illegal transitions invoke the
// invalid-transition observer and leave the state unchanged.
func (s *Session) Transition(to LifecycleState) bool {
	s.mu.Lock()
	from := s.lifecycle
	ok := transitionAllowed(from, to)
	if ok {
		s.lifecycle = to
	}
	observer := s.onInvalidTransition
	s.mu.Unlock()

	if !ok && observer != nil {
		observer(from, to)
	}
	return ok
}

func transitionAllowed(from, to LifecycleState) bool {
	if from == to {
		return false
	}
	if to == StateClosing {
		return from != StateClosed
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SetInvalidTransitionObserver installs the rejected-transition callback.
func (s *Session) SetInvalidTransitionObserver(fn func(from, to LifecycleState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalidTransition = fn
}

// Backend returns the attached backend session, or nil.
func (s *Session) Backend() adapter.BackendSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// AttachBackend binds a live backend session and its capabilities.
func (s *Session) AttachBackend(backend adapter.BackendSession, executor adapter.SlashExecutor, passthrough bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = backend
	s.slashExecutor = executor
	s.supportsPassthrough = passthrough
}

// DetachBackend clears the backend pointer after a disconnect.
func (s *Session) DetachBackend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = nil
}

// BackendSessionID returns the agent-internal session id, if discovered.
func (s *Session) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSessionID
}

// SetBackendSessionID records the agent-internal id for resume.
func (s *Session) SetBackendSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendSessionID = id
}

// LastStatus returns the backend-reported status.
func (s *Session) LastStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// SetLastStatus updates the status, tracking when the session went idle.
func (s *Session) SetLastStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = status
	if status == StatusIdle {
		s.lastIdleAt = time.Now()
	}
}

// IdleSince returns when the session last entered idle status.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIdleAt
}

// SetStateValue writes one declared state key.
func (s *Session) SetStateValue(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
}

// StateSnapshot returns a copy of the open state map plus fixed fields.
func (s *Session) StateSnapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]interface{}, len(s.state)+4)
	for k, v := range s.state {
		snap[k] = v
	}
	snap["session_id"] = s.ID
	snap["adapter_name"] = s.AdapterName
	snap["lifecycle_state"] = string(s.lifecycle)
	if s.backendSessionID != "" {
		snap["backend_session_id"] = s.backendSessionID
	}
	return snap
}

// RegisterConsumer registers a socket with its identity and rate limiter.
// Anonymous identities get a per-session guest name.
func (s *Session) RegisterConsumer(socket ConsumerSocket, identity ConsumerIdentity, conn *consumerConn) ConsumerIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if identity.DisplayName == "" {
		s.anonIdx++
		identity.DisplayName = anonDisplayName(s.anonIdx)
	}
	if identity.Role == "" {
		identity.Role = RoleParticipant
	}
	conn.identity = identity
	s.consumers[socket] = conn
	return identity
}

// RemoveConsumer drops a socket; returns the remaining consumer count.
func (s *Session) RemoveConsumer(socket ConsumerSocket) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, socket)
	return len(s.consumers)
}

// ConsumerCount returns the number of registered sockets.
func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// Conn returns the registered connection for a socket, or nil.
func (s *Session) Conn(socket ConsumerSocket) *consumerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumers[socket]
}

// Conns returns a snapshot of all registered connections.
func (s *Session) Conns() []*consumerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*consumerConn, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out
}

// Identities returns the identity of every registered consumer.
func (s *Session) Identities() []ConsumerIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConsumerIdentity, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c.identity)
	}
	return out
}

// RecordHistory appends a broadcast frame to the replay ring.
func (s *Session) RecordHistory(frame json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, frame)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}

// History returns the replay ring, oldest first.
func (s *Session) History() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.history))
	copy(out, s.history)
	return out
}

// Queued returns the queued message, or nil.
func (s *Session) Queued() *QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// SetQueued stores the single queued message slot.
func (s *Session) SetQueued(q *QueuedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = q
}

// TryQueue fills the queue slot atomically. An occupied slot fails the call
// and stays untouched, whoever queued it.
func (s *Session) TryQueue(content, authorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued != nil {
		return errQueueOccupied
	}
	s.queued = &QueuedMessage{Content: content, AuthorID: authorID, QueuedAt: time.Now()}
	return nil
}

// UpdateQueued replaces the queued content. Only the author may. The slot is
// swapped, not mutated, so a previously returned message stays stable.
func (s *Session) UpdateQueued(content, authorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return errNoQueued
	}
	if s.queued.AuthorID != authorID {
		return errQueueUpdateOwner
	}
	s.queued = &QueuedMessage{Content: content, AuthorID: s.queued.AuthorID, QueuedAt: s.queued.QueuedAt}
	return nil
}

// CancelQueued clears the queue slot. Only the author may.
func (s *Session) CancelQueued(authorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return errNoQueued
	}
	if s.queued.AuthorID != authorID {
		return errQueueCancelOwner
	}
	s.queued = nil
	return nil
}

// TakeQueued clears and returns the queued message.
func (s *Session) TakeQueued() *QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queued
	s.queued = nil
	return q
}

// PushPassthrough enqueues a pending passthrough correlation.
func (s *Session) PushPassthrough(p *PendingPassthrough) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthroughs = append(s.passthroughs, p)
}

// PopPassthrough dequeues the oldest pending passthrough, or nil.
func (s *Session) PopPassthrough() *PendingPassthrough {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.passthroughs) == 0 {
		return nil
	}
	p := s.passthroughs[0]
	s.passthroughs = s.passthroughs[1:]
	return p
}

// SlashExecutor returns the adapter's native slash executor, if any.
func (s *Session) SlashExecutor() adapter.SlashExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slashExecutor
}

// SupportsPassthrough reports whether the adapter accepts slash commands as
// user messages.
func (s *Session) SupportsPassthrough() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supportsPassthrough
}

// MarkFirstTurn records the first successful result; returns true only once.
func (s *Session) MarkFirstTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstTurnDone {
		return false
	}
	s.firstTurnDone = true
	return true
}
