package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/message"
)

// DefaultPermissionTimeout auto-denies unanswered permission requests.
const DefaultPermissionTimeout = 2 * time.Minute

// Decision answers one tool permission request.
type Decision struct {
	Behavior     string                 `json:"behavior"` // "allow" or "deny"
	UpdatedInput map[string]interface{} `json:"updated_input,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// ToolRequestMeta carries the optional context of a tool request.
type ToolRequestMeta struct {
	ToolUseID      string
	AgentID        string
	BlockedPath    string
	DecisionReason string
	Suggestions    []interface{}
}

// permissionWaiter is one outstanding request.
type permissionWaiter struct {
	decision chan Decision
	timer    *time.Timer
	record   map[string]interface{}
}

// PermissionBridge correlates "agent waits for a decision" with "consumer
// responds to a request id". Every request resolves exactly once: by a
// consumer response, by timeout, or by cancelAll on close.
type PermissionBridge struct {
	timeout time.Duration
	logger  *logger.Logger
	emit    func(message.UnifiedMessage)

	mu      sync.Mutex
	waiters map[string]*permissionWaiter
}

// NewPermissionBridge creates a bridge that emits permission_request
// messages through emit. A zero timeout uses the 2-minute default.
func NewPermissionBridge(timeout time.Duration, emit func(message.UnifiedMessage), log *logger.Logger) *PermissionBridge {
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	return &PermissionBridge{
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "permission_bridge")),
		emit:    emit,
		waiters: make(map[string]*permissionWaiter),
	}
}

// HandleToolRequest emits a permission_request and blocks until a decision
// arrives. The timeout resolves with deny.
func (b *PermissionBridge) HandleToolRequest(ctx context.Context, toolName string, input map[string]interface{}, meta ToolRequestMeta) Decision {
	requestID := uuid.New().String()
	now := time.Now()
	record := map[string]interface{}{
		"request_id": requestID,
		"tool_name":  toolName,
		"input":      input,
		"timestamp":  now.UnixMilli(),
		"expires_at": now.Add(b.timeout).UnixMilli(),
	}
	if meta.ToolUseID != "" {
		record["tool_use_id"] = meta.ToolUseID
	}
	if meta.AgentID != "" {
		record["agent_id"] = meta.AgentID
	}
	if meta.BlockedPath != "" {
		record["blocked_path"] = meta.BlockedPath
	}
	if meta.DecisionReason != "" {
		record["decision_reason"] = meta.DecisionReason
	}
	if meta.Suggestions != nil {
		record["suggestions"] = meta.Suggestions
	}

	waiter := &permissionWaiter{
		decision: make(chan Decision, 1),
		record:   record,
	}
	waiter.timer = time.AfterFunc(b.timeout, func() {
		b.resolveWaiter(requestID, Decision{Behavior: "deny", Message: "Permission request timed out"})
	})

	b.mu.Lock()
	b.waiters[requestID] = waiter
	b.mu.Unlock()

	b.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
		message.WithMetadata(record)))

	select {
	case decision := <-waiter.decision:
		return decision
	case <-ctx.Done():
		b.resolveWaiter(requestID, Decision{Behavior: "deny", Message: "Session closed"})
		return <-waiter.decision
	}
}

// Register tracks an adapter-originated permission_request so late consumer
// responses can still be matched and observability stays accurate. Used when
// the adapter, not the bridge, owns the waiter.
func (b *PermissionBridge) Register(requestID string, record map[string]interface{}) {
	waiter := &permissionWaiter{
		decision: make(chan Decision, 1),
		record:   record,
	}
	waiter.timer = time.AfterFunc(b.timeout, func() {
		b.resolveWaiter(requestID, Decision{Behavior: "deny", Message: "Permission request timed out"})
	})
	b.mu.Lock()
	b.waiters[requestID] = waiter
	b.mu.Unlock()
}

// Resolve answers a pending request from a consumer permission_response.
// Missing ids are ignored silently (late responses after timeout). Returns
// the decision when a waiter was resolved.
func (b *PermissionBridge) Resolve(requestID string, decision Decision) bool {
	return b.resolveWaiter(requestID, decision)
}

func (b *PermissionBridge) resolveWaiter(requestID string, decision Decision) bool {
	b.mu.Lock()
	waiter, ok := b.waiters[requestID]
	delete(b.waiters, requestID)
	b.mu.Unlock()
	if !ok {
		return false
	}
	waiter.timer.Stop()
	waiter.decision <- decision
	return true
}

// CancelAll denies every pending request; used on session close.
func (b *PermissionBridge) CancelAll() {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = make(map[string]*permissionWaiter)
	b.mu.Unlock()

	for _, waiter := range waiters {
		waiter.timer.Stop()
		waiter.decision <- Decision{Behavior: "deny", Message: "Session closed"}
	}
}

// PendingCount reports the number of unresolved requests.
func (b *PermissionBridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Pending returns the stored records of all unresolved requests.
func (b *PermissionBridge) Pending() []map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(b.waiters))
	for _, w := range b.waiters {
		out = append(out, w.record)
	}
	return out
}
