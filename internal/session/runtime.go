package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/message"
)

var errNoBackend = apperr.E("runtime.sendToBackend", apperr.KindConnection, "no backend attached")

// ImagePayload is an inline image attached to a consumer message.
type ImagePayload struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Inbound is the tagged consumer-to-server frame.
type Inbound struct {
	Type               string                 `json:"type"`
	Content            string                 `json:"content,omitempty"`
	SessionID          string                 `json:"session_id,omitempty"`
	Images             []ImagePayload         `json:"images,omitempty"`
	RequestID          string                 `json:"request_id,omitempty"`
	Behavior           string                 `json:"behavior,omitempty"`
	UpdatedInput       map[string]interface{} `json:"updated_input,omitempty"`
	UpdatedPermissions []interface{}          `json:"updated_permissions,omitempty"`
	Message            string                 `json:"message,omitempty"`
	Model              string                 `json:"model,omitempty"`
	Mode               string                 `json:"mode,omitempty"`
	Command            string                 `json:"command,omitempty"`
	Adapter            string                 `json:"adapter,omitempty"`
}

// Observer sees every backend message before it is mapped; used for metrics
// and tracing.
type Observer func(sessionID string, msg message.UnifiedMessage)

// Runtime orchestrates one session: it translates inbound commands for the
// backend, maps backend messages for consumers, and owns the queued-message,
// pending-permission, and pending-passthrough state.
type Runtime struct {
	session     *Session
	broadcaster *Broadcaster
	permissions *PermissionBridge
	chain       *SlashChain
	bus         bus.EventBus
	logger      *logger.Logger
	observer    Observer

	// sendMu serializes backend sends so outbound order matches the order
	// inbound handling completed.
	sendMu sync.Mutex
}

// NewRuntime wires a runtime for one session.
func NewRuntime(s *Session, b *Broadcaster, perms *PermissionBridge, chain *SlashChain, eb bus.EventBus, log *logger.Logger) *Runtime {
	return &Runtime{
		session:     s,
		broadcaster: b,
		permissions: perms,
		chain:       chain,
		bus:         eb,
		logger:      log.WithFields(zap.String("component", "runtime"), zap.String("session_id", s.ID)),
	}
}

// SetObserver installs the backend-message observer hook.
func (r *Runtime) SetObserver(obs Observer) {
	r.observer = obs
}

// Session returns the runtime's session.
func (r *Runtime) Session() *Session {
	return r.session
}

// Permissions returns the session's permission bridge.
func (r *Runtime) Permissions() *PermissionBridge {
	return r.permissions
}

// HandleInbound dispatches one parsed consumer frame. Errors surface as an
// error frame to the sending socket only.
func (r *Runtime) HandleInbound(socket ConsumerSocket, in Inbound) {
	r.publish(events.MessageInbound, map[string]interface{}{
		"session_id": r.session.ID,
		"type":       in.Type,
	})

	switch in.Type {
	case "user_message":
		r.handleUserMessage(socket, in)
	case "interrupt":
		r.handleInterrupt(socket)
	case "permission_response":
		r.handlePermissionResponse(in)
	case "set_model":
		r.handleConfiguration(socket, map[string]interface{}{"model": in.Model})
	case "set_permission_mode":
		r.handleConfiguration(socket, map[string]interface{}{"permission_mode": in.Mode})
	case "slash_command":
		r.handleSlashCommand(in)
	case "queue_message":
		r.handleQueueMessage(socket, in)
	case "update_queued_message":
		r.handleUpdateQueued(socket, in)
	case "cancel_queued_message":
		r.handleCancelQueued(socket)
	case "presence_query":
		r.broadcaster.SendTo(r.session, socket, NewFrame("presence_update", map[string]interface{}{
			"consumers": r.session.Identities(),
			"count":     r.session.ConsumerCount(),
		}))
	case "set_adapter":
		r.handleSetAdapter(socket, in)
	default:
		r.sendError(socket, "unknown message type: "+in.Type)
	}
}

func (r *Runtime) handleUserMessage(socket ConsumerSocket, in Inbound) {
	if in.Content == "" {
		r.sendError(socket, "empty message")
		return
	}

	// Optimistic: the agent is about to start working.
	r.session.SetLastStatus(StatusRunning)

	author := r.authorOf(socket)
	r.broadcaster.Broadcast(r.session, NewFrame("user_message", map[string]interface{}{
		"content": in.Content,
		"author":  author,
	}))

	blocks := []message.Content{message.TextBlock(in.Content)}
	for _, img := range in.Images {
		blocks = append(blocks, message.ImageBlock(img.MediaType, img.Data))
	}
	msg := message.New(message.TypeUserMessage, message.RoleUser, message.WithContent(blocks...))

	if err := r.sendToBackend(msg); err != nil {
		r.sendError(socket, "backend unavailable: "+err.Error())
	}
}

func (r *Runtime) handleInterrupt(socket ConsumerSocket) {
	if err := r.sendToBackend(message.New(message.TypeInterrupt, message.RoleUser)); err != nil {
		r.sendError(socket, "backend unavailable: "+err.Error())
		return
	}
	r.broadcaster.Broadcast(r.session, NewFrame("interrupt", map[string]interface{}{
		"author": r.authorOf(socket),
	}))
}

func (r *Runtime) handlePermissionResponse(in Inbound) {
	decision := Decision{
		Behavior:     in.Behavior,
		UpdatedInput: in.UpdatedInput,
		Message:      in.Message,
	}
	resolved := r.permissions.Resolve(in.RequestID, decision)

	// Wire-protocol adapters own their waiters; forward the response so the
	// stashed request id can be answered on the wire.
	msg := message.New(message.TypePermissionResponse, message.RoleUser,
		message.WithMetadata(map[string]interface{}{
			"request_id": in.RequestID,
			"behavior":   in.Behavior,
			"message":    in.Message,
		}))
	if err := r.sendToBackend(msg); err != nil {
		r.logger.Debug("permission response not forwarded", zap.Error(err))
	}

	if resolved {
		r.publish(events.PermissionResolved, map[string]interface{}{
			"session_id": r.session.ID,
			"request_id": in.RequestID,
			"behavior":   in.Behavior,
		})
	}
}

func (r *Runtime) handleConfiguration(socket ConsumerSocket, change map[string]interface{}) {
	msg := message.New(message.TypeConfigurationChange, message.RoleUser,
		message.WithMetadata(change))
	if err := r.sendToBackend(msg); err != nil {
		r.sendError(socket, "backend unavailable: "+err.Error())
		return
	}
	for k, v := range change {
		r.session.SetStateValue(k, v)
	}
}

func (r *Runtime) handleSlashCommand(in Inbound) {
	ctx := &SlashContext{
		Command:        in.Command,
		RequestID:      in.RequestID,
		SlashRequestID: uuid.New().String(),
		TraceID:        uuid.New().String(),
		StartedAt:      time.Now(),
		Session:        r.session,
		Runtime:        r,
	}
	if err := r.chain.Dispatch(ctx); err != nil {
		r.publish(events.SlashCommandFailed, map[string]interface{}{
			"session_id": r.session.ID,
			"command":    ctx.Name(),
			"error":      err.Error(),
		})
		return
	}
	r.publish(events.SlashCommandExecuted, map[string]interface{}{
		"session_id": r.session.ID,
		"command":    ctx.Name(),
	})
}

func (r *Runtime) handleQueueMessage(socket ConsumerSocket, in Inbound) {
	if in.Content == "" {
		r.sendError(socket, "empty message")
		return
	}
	status := r.session.LastStatus()
	if status != StatusRunning && status != StatusCompacting {
		// Agent is free; no reason to queue.
		r.handleUserMessage(socket, Inbound{Type: "user_message", Content: in.Content, Images: in.Images})
		return
	}
	author := r.authorOf(socket)
	if err := r.session.TryQueue(in.Content, author); err != nil {
		r.sendError(socket, err.Error())
		return
	}
	r.broadcaster.Broadcast(r.session, NewFrame("message_queued", map[string]interface{}{
		"content": in.Content,
		"author":  author,
	}))
}

func (r *Runtime) handleUpdateQueued(socket ConsumerSocket, in Inbound) {
	if err := r.session.UpdateQueued(in.Content, r.authorOf(socket)); err != nil {
		r.sendError(socket, err.Error())
		return
	}
	r.broadcaster.Broadcast(r.session, NewFrame("queued_message_updated", map[string]interface{}{
		"content": in.Content,
	}))
}

func (r *Runtime) handleCancelQueued(socket ConsumerSocket) {
	if err := r.session.CancelQueued(r.authorOf(socket)); err != nil {
		r.sendError(socket, err.Error())
		return
	}
	r.broadcaster.Broadcast(r.session, NewFrame("queued_message_cancelled", nil))
}

func (r *Runtime) handleSetAdapter(socket ConsumerSocket, in Inbound) {
	if r.session.Lifecycle() != StateCreated {
		r.sendError(socket, "cannot change adapter after activation")
		return
	}
	r.session.AdapterName = in.Adapter
	r.session.SetStateValue("adapter_name", in.Adapter)
}

// ConsumeBackend pumps the backend stream until it ends, then marks the
// session degraded and reports the disconnect.
func (r *Runtime) ConsumeBackend(stream <-chan message.UnifiedMessage) {
	for msg := range stream {
		r.HandleBackendMessage(msg)
	}
	r.session.DetachBackend()
	r.session.Transition(StateDegraded)
	r.publish(events.BackendDisconnected, map[string]interface{}{
		"session_id": r.session.ID,
	})
	r.broadcaster.Broadcast(r.session, NewFrame("cli_disconnected", nil))
}

// HandleBackendMessage maps one backend message to consumer frames and
// applies its side effects.
func (r *Runtime) HandleBackendMessage(msg message.UnifiedMessage) {
	if r.observer != nil {
		r.observer(r.session.ID, msg)
	}
	r.publish(events.BackendMessage, map[string]interface{}{
		"session_id": r.session.ID,
		"type":       string(msg.Type),
	})

	switch msg.Type {
	case message.TypeSessionInit:
		r.applySessionInit(msg)

	case message.TypeStatusChange:
		r.applyStatusChange(msg)

	case message.TypeAssistant:
		r.broadcaster.Broadcast(r.session, NewFrame("assistant", map[string]interface{}{
			"message":            msg,
			"parent_tool_use_id": msg.ParentID,
		}))

	case message.TypeResult:
		r.applyResult(msg)

	case message.TypeStreamEvent:
		r.broadcaster.Broadcast(r.session, NewFrame("stream_event", map[string]interface{}{
			"event":              msg,
			"parent_tool_use_id": msg.ParentID,
		}))

	case message.TypePermissionRequest:
		requestID := msg.MetaString("request_id")
		r.permissions.Register(requestID, msg.Metadata)
		r.broadcaster.Broadcast(r.session, NewFrame("permission_request", map[string]interface{}{
			"request": msg.Metadata,
		}))
		r.publish(events.PermissionRequested, map[string]interface{}{
			"session_id": r.session.ID,
			"request_id": requestID,
		})

	case message.TypeAuthStatus:
		r.broadcaster.Broadcast(r.session, NewFrame("auth_status", msg.Metadata))
		r.publish(events.AuthStatus, map[string]interface{}{"session_id": r.session.ID})

	case message.TypeToolProgress:
		r.broadcaster.Broadcast(r.session, NewFrame("tool_progress", msg.Metadata))

	case message.TypeToolUseSummary:
		r.broadcaster.Broadcast(r.session, NewFrame("tool_use_summary", msg.Metadata))

	case message.TypeConfigurationChange:
		for k, v := range msg.Metadata {
			r.session.SetStateValue(k, v)
		}

	default:
		r.logger.Debug("unmapped backend message", zap.String("type", string(msg.Type)))
	}
}

func (r *Runtime) applySessionInit(msg message.UnifiedMessage) {
	if id := msg.MetaString("backend_session_id"); id != "" {
		r.session.SetBackendSessionID(id)
		r.publish(events.BackendSessionID, map[string]interface{}{
			"session_id":         r.session.ID,
			"backend_session_id": id,
		})
	}
	for _, key := range []string{"agent_capabilities", "agent_info", "auth_methods", "slash_commands", "model"} {
		if v, ok := msg.Metadata[key]; ok {
			r.session.SetStateValue(key, v)
		}
	}
	r.publish(events.CapabilitiesReady, map[string]interface{}{"session_id": r.session.ID})
	r.broadcaster.Broadcast(r.session, NewFrame("session_init", map[string]interface{}{
		"session": r.session.StateSnapshot(),
	}))
}

func (r *Runtime) applyStatusChange(msg message.UnifiedMessage) {
	status := Status(msg.MetaString("status"))
	if status == "" {
		// Auxiliary state updates (plan, available commands) ride the same
		// type; surface them without touching lastStatus.
		r.broadcaster.Broadcast(r.session, NewFrame("session_init", map[string]interface{}{
			"session": r.session.StateSnapshot(),
		}))
		return
	}

	r.session.SetLastStatus(status)
	switch status {
	case StatusIdle:
		r.session.Transition(StateIdle)
	case StatusRunning, StatusCompacting:
		r.session.Transition(StateActive)
	}
	r.broadcaster.Broadcast(r.session, NewFrame("status_change", map[string]interface{}{
		"status": string(status),
	}))

	if status == StatusIdle {
		r.flushQueued()
	}
}

func (r *Runtime) applyResult(msg message.UnifiedMessage) {
	if p := r.session.PopPassthrough(); p != nil {
		content := msg.Text()
		if content == "" {
			content = msg.MetaString("result")
		}
		r.broadcaster.Broadcast(r.session, NewFrame("slash_command_result", map[string]interface{}{
			"command":    p.Command,
			"request_id": p.RequestID,
			"source":     "passthrough",
			"content":    content,
		}))
		return
	}

	r.broadcaster.Broadcast(r.session, NewFrame("result", map[string]interface{}{
		"data": msg,
	}))

	isError, _ := msg.Metadata["is_error"].(bool)
	if !isError && r.session.MarkFirstTurn() {
		r.publish(events.SessionFirstTurnCompleted, map[string]interface{}{
			"session_id": r.session.ID,
		})
	}

	if r.session.Queued() != nil {
		r.flushQueued()
	}
}

// flushQueued sends the queued message as a user message and clears the slot.
func (r *Runtime) flushQueued() {
	queued := r.session.TakeQueued()
	if queued == nil {
		return
	}
	r.broadcaster.Broadcast(r.session, NewFrame("queued_message_sent", map[string]interface{}{
		"content": queued.Content,
	}))
	r.session.SetLastStatus(StatusRunning)
	r.broadcaster.Broadcast(r.session, NewFrame("user_message", map[string]interface{}{
		"content": queued.Content,
		"author":  queued.AuthorID,
	}))
	msg := message.New(message.TypeUserMessage, message.RoleUser,
		message.WithContent(message.TextBlock(queued.Content)))
	if err := r.sendToBackend(msg); err != nil {
		r.logger.Warn("queued message flush failed", zap.Error(err))
	}
}

// ApplyPolicyCommand executes a watchdog decision.
func (r *Runtime) ApplyPolicyCommand(commandType string) {
	switch commandType {
	case "reconnect_timeout":
		r.session.Transition(StateDegraded)
	case "idle_reap":
		r.session.Transition(StateClosing)
	case "capabilities_timeout":
		r.broadcaster.Broadcast(r.session, NewFrame("error", map[string]interface{}{
			"message": "backend capabilities not reported in time",
		}))
		r.publish(events.CapabilitiesTimeout, map[string]interface{}{"session_id": r.session.ID})
	default:
		r.logger.Warn("unknown policy command", zap.String("command", commandType))
	}
}

func (r *Runtime) sendToBackend(msg message.UnifiedMessage) error {
	backend := r.session.Backend()
	if backend == nil {
		return errNoBackend
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return backend.Send(ctx, msg)
}

func (r *Runtime) authorOf(socket ConsumerSocket) string {
	conn := r.session.Conn(socket)
	if conn == nil {
		return ""
	}
	if conn.identity.UserID != "" {
		return conn.identity.UserID
	}
	return conn.identity.DisplayName
}

func (r *Runtime) sendError(socket ConsumerSocket, msg string) {
	r.broadcaster.SendTo(r.session, socket, NewFrame("error", map[string]interface{}{
		"message": msg,
	}))
}

func (r *Runtime) broadcastSlashResult(ctx *SlashContext, source, content string) {
	r.broadcaster.Broadcast(r.session, NewFrame("slash_command_result", map[string]interface{}{
		"command":    ctx.Name(),
		"request_id": ctx.RequestID,
		"source":     source,
		"content":    content,
	}))
}

func (r *Runtime) broadcastSlashError(ctx *SlashContext, errMsg string) {
	r.broadcaster.Broadcast(r.session, NewFrame("slash_command_error", map[string]interface{}{
		"command":    ctx.Name(),
		"request_id": ctx.RequestID,
		"error":      errMsg,
	}))
}

func (r *Runtime) publish(subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "session_runtime", data)); err != nil {
		r.logger.Debug("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
