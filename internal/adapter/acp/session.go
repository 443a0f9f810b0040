package acp

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/codec/jsonrpc"
	"github.com/coderelay/coderelay/internal/codec/ndjson"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/message"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateInitializing
	stateReady
	stateClosed
)

type initializeResult struct {
	ProtocolVersion   int                    `json:"protocolVersion"`
	AgentCapabilities map[string]interface{} `json:"agentCapabilities"`
	AgentInfo         map[string]interface{} `json:"agentInfo"`
	AuthMethods       []interface{}          `json:"authMethods,omitempty"`
}

type sessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

type permissionParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string          `json:"toolCallId"`
		Title      string          `json:"title"`
		Kind       string          `json:"kind"`
		RawInput   json.RawMessage `json:"rawInput,omitempty"`
	} `json:"toolCall"`
	Options []permissionOption `json:"options"`
}

type pendingPermission struct {
	wireID  interface{}
	options []permissionOption
}

// Session is one agent subprocess conversation.
type Session struct {
	id        string
	codec     *jsonrpc.Codec
	logger    *logger.Logger
	terminate func()

	stdinMu sync.Mutex
	stdin   io.Writer

	out chan message.UnifiedMessage

	mu           sync.Mutex
	state        sessionState
	pending      map[int64]chan *jsonrpc.Message
	permissions  map[string]pendingPermission
	acpSessionID string
}

func newSession(id string, stdin io.Writer, stdout io.Reader, log *logger.Logger, terminate func()) *Session {
	s := &Session{
		id:          id,
		codec:       jsonrpc.NewCodec(),
		logger:      log.WithFields(zap.String("session_id", id)),
		terminate:   terminate,
		stdin:       stdin,
		out:         make(chan message.UnifiedMessage, 256),
		state:       stateConnecting,
		pending:     make(map[int64]chan *jsonrpc.Message),
		permissions: make(map[string]pendingPermission),
	}
	go s.pump(stdout)
	return s
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) Messages() <-chan message.UnifiedMessage { return s.out }

// handshake performs initialize then session/new (or session/load on resume)
// and emits session_init as the stream's first message.
func (s *Session) handshake(ctx context.Context, opts adapter.ConnectOptions) error {
	s.setState(stateInitializing)

	resp, err := s.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientCapabilities": map[string]interface{}{
			"fs": map[string]bool{"readTextFile": false, "writeTextFile": false},
		},
	})
	if err != nil {
		return err
	}
	var init initializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		return apperr.E("acp.handshake", apperr.KindProtocol, err, apperr.WithSession(s.id))
	}

	if opts.Resume != "" {
		_, err = s.call(ctx, "session/load", map[string]interface{}{
			"sessionId": opts.Resume,
			"cwd":       opts.WorkDir,
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.acpSessionID = opts.Resume
		s.mu.Unlock()
	} else {
		resp, err = s.call(ctx, "session/new", map[string]interface{}{
			"cwd":        opts.WorkDir,
			"mcpServers": []interface{}{},
		})
		if err != nil {
			return err
		}
		var created struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(resp.Result, &created); err != nil {
			return apperr.E("acp.handshake", apperr.KindProtocol, err, apperr.WithSession(s.id))
		}
		s.mu.Lock()
		s.acpSessionID = created.SessionID
		s.mu.Unlock()
	}

	s.setState(stateReady)
	s.emit(message.New(message.TypeSessionInit, message.RoleSystem,
		message.WithMetadata(map[string]interface{}{
			"protocol_version":   init.ProtocolVersion,
			"agent_capabilities": init.AgentCapabilities,
			"agent_info":         init.AgentInfo,
			"auth_methods":       init.AuthMethods,
			"backend_session_id": s.backendSessionID(),
		})))
	return nil
}

func (s *Session) backendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acpSessionID
}

// Send translates an outbound unified message to the wire. Unknown types are
// ignored so runtime additions never break older adapters.
func (s *Session) Send(ctx context.Context, msg message.UnifiedMessage) error {
	if s.isClosed() {
		return apperr.E("acp.send", apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
	}

	switch msg.Type {
	case message.TypeUserMessage:
		return s.prompt(msg.Text())
	case message.TypePermissionResponse:
		s.resolvePermission(msg.MetaString("request_id"), msg.MetaString("behavior"))
		return nil
	case message.TypeInterrupt:
		return s.Interrupt(ctx)
	case message.TypeConfigurationChange:
		if mode := msg.MetaString("permission_mode"); mode != "" {
			return s.SetPermissionMode(ctx, mode)
		}
		if model := msg.MetaString("model"); model != "" {
			return s.SetModel(ctx, model)
		}
		return nil
	default:
		return nil
	}
}

// SendRaw writes a verbatim wire line.
func (s *Session) SendRaw(ctx context.Context, line string) error {
	if s.isClosed() {
		return apperr.E("acp.send_raw", apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
	}
	return s.writeLine(line)
}

// prompt issues session/prompt and emits the terminal result once the agent
// finishes the turn.
func (s *Session) prompt(text string) error {
	req, err := s.codec.CreateRequest("session/prompt", map[string]interface{}{
		"sessionId": s.backendSessionID(),
		"prompt":    []map[string]string{{"type": "text", "text": text}},
	})
	if err != nil {
		return err
	}

	id, _ := req.IDInt64()
	waiter := s.registerWaiter(id)
	if err := s.writeMessage(req); err != nil {
		s.dropWaiter(id)
		return err
	}

	go func() {
		resp, ok := <-waiter
		if !ok || resp.Error != nil {
			return
		}
		var result struct {
			StopReason string `json:"stopReason"`
		}
		_ = json.Unmarshal(resp.Result, &result)
		s.emit(message.New(message.TypeResult, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{"stop_reason": result.StopReason})))
	}()
	return nil
}

func (s *Session) Interrupt(ctx context.Context) error {
	if s.isClosed() {
		return apperr.E("acp.interrupt", apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
	}
	note, err := s.codec.CreateNotification("session/cancel", map[string]interface{}{
		"sessionId": s.backendSessionID(),
	})
	if err != nil {
		return err
	}
	return s.writeMessage(note)
}

func (s *Session) SetModel(ctx context.Context, model string) error {
	_, err := s.call(ctx, "session/set_model", map[string]interface{}{
		"sessionId": s.backendSessionID(),
		"modelId":   model,
	})
	return err
}

func (s *Session) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := s.call(ctx, "session/set_mode", map[string]interface{}{
		"sessionId": s.backendSessionID(),
		"modeId":    mode,
	})
	return err
}

// Close terminates the subprocess and the stream. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	if !s.teardown() {
		return nil
	}
	if s.terminate != nil {
		s.terminate()
	}
	return nil
}

// teardown transitions to closed exactly once: cancels response waiters,
// forgets pending permissions, and closes the message stream.
func (s *Session) teardown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return false
	}
	s.state = stateClosed
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.permissions = make(map[string]pendingPermission)
	close(s.out)
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

func (s *Session) setState(state sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateClosed {
		s.state = state
	}
}

// emit delivers into the stream, dropping when the consumer is too far
// behind or the session is closed.
func (s *Session) emit(msg message.UnifiedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return
	}
	select {
	case s.out <- msg:
	default:
		s.logger.Warn("message stream full, dropping", zap.String("type", string(msg.Type)))
	}
}

func (s *Session) registerWaiter(id int64) chan *jsonrpc.Message {
	ch := make(chan *jsonrpc.Message, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) dropWaiter(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// call issues a request and waits for its response or ctx expiry.
func (s *Session) call(ctx context.Context, method string, params interface{}) (*jsonrpc.Message, error) {
	req, err := s.codec.CreateRequest(method, params)
	if err != nil {
		return nil, err
	}
	id, _ := req.IDInt64()
	waiter := s.registerWaiter(id)
	if err := s.writeMessage(req); err != nil {
		s.dropWaiter(id)
		return nil, err
	}

	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, apperr.E("acp."+method, apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
		}
		if resp.Error != nil {
			return nil, apperr.E("acp."+method, apperr.KindProtocol, resp.Error.Message, apperr.WithSession(s.id))
		}
		return resp, nil
	case <-ctx.Done():
		s.dropWaiter(id)
		return nil, apperr.E("acp."+method, apperr.KindConnection, ctx.Err(), apperr.WithSession(s.id))
	}
}

func (s *Session) writeMessage(msg *jsonrpc.Message) error {
	line, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	return s.writeLine(strings.TrimSuffix(line, "\n"))
}

func (s *Session) writeLine(line string) error {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return apperr.E("acp.write", apperr.KindConnection, err, apperr.WithSession(s.id))
	}
	return nil
}

// pump reads the agent's stdout until EOF. Malformed frames are skipped; the
// stream ends only with the transport.
func (s *Session) pump(stdout io.Reader) {
	_ = ndjson.Stream(context.Background(), stdout, s.dispatch, func(line string, err error) {
		s.logger.Debug("skipping malformed frame", zap.Int("bytes", len(line)))
	})
	s.teardown()
}

func (s *Session) dispatch(raw json.RawMessage) {
	msg, err := s.codec.Decode(string(raw))
	if err != nil {
		s.logger.Debug("skipping undecodable frame", zap.Error(err))
		return
	}

	switch {
	case msg.IsResponse():
		id, ok := msg.IDInt64()
		if !ok {
			return
		}
		s.mu.Lock()
		waiter := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if waiter != nil {
			waiter <- msg
			close(waiter)
		}

	case msg.IsNotification():
		if msg.Method == "session/update" {
			s.handleUpdate(msg.Params)
		}

	case msg.IsRequest():
		s.handleRequest(msg)
	}
}

func (s *Session) handleRequest(msg *jsonrpc.Message) {
	switch {
	case msg.Method == "session/request_permission":
		s.handlePermissionRequest(msg)
	default:
		// fs/* and terminal/* capabilities are not offered; everything else
		// is equally unknown.
		resp := s.codec.CreateErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound, "Method not supported")
		if err := s.writeMessage(resp); err != nil {
			s.logger.Debug("error response write failed", zap.Error(err))
		}
	}
}

func (s *Session) handlePermissionRequest(msg *jsonrpc.Message) {
	var params permissionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Debug("malformed permission request", zap.Error(err))
		return
	}

	requestID := uuid.New().String()
	s.mu.Lock()
	s.permissions[requestID] = pendingPermission{wireID: msg.ID, options: params.Options}
	s.mu.Unlock()

	var input map[string]interface{}
	_ = json.Unmarshal(params.ToolCall.RawInput, &input)

	optionMeta := make([]map[string]interface{}, 0, len(params.Options))
	for _, o := range params.Options {
		optionMeta = append(optionMeta, map[string]interface{}{
			"option_id": o.OptionID, "name": o.Name, "kind": o.Kind,
		})
	}

	s.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
		message.WithMetadata(map[string]interface{}{
			"request_id":  requestID,
			"tool_name":   params.ToolCall.Title,
			"tool_use_id": params.ToolCall.ToolCallID,
			"input":       input,
			"options":     optionMeta,
		})))
}

// resolvePermission answers the stashed JSON-RPC request. Unknown request
// ids are ignored; the agent already received a timeout or cancel.
func (s *Session) resolvePermission(requestID, behavior string) {
	s.mu.Lock()
	pending, ok := s.permissions[requestID]
	delete(s.permissions, requestID)
	s.mu.Unlock()
	if !ok {
		return
	}

	outcome := map[string]interface{}{"outcome": "cancelled"}
	if optionID := selectOption(pending.options, behavior); optionID != "" {
		outcome = map[string]interface{}{"outcome": "selected", "optionId": optionID}
	}
	resp, err := s.codec.CreateResponse(pending.wireID, map[string]interface{}{"outcome": outcome})
	if err != nil {
		s.logger.Debug("permission response encode failed", zap.Error(err))
		return
	}
	if err := s.writeMessage(resp); err != nil {
		s.logger.Debug("permission response write failed", zap.Error(err))
	}
}

// selectOption picks the agent-offered option matching the decision. Allow
// prefers allow_once; deny prefers reject_once; deny with no reject option
// falls back to a cancelled outcome.
func selectOption(options []permissionOption, behavior string) string {
	prefix := "reject"
	if behavior == "allow" {
		prefix = "allow"
	}
	for _, o := range options {
		if strings.HasPrefix(o.Kind, prefix) {
			return o.OptionID
		}
	}
	if behavior == "allow" && len(options) > 0 {
		return options[0].OptionID
	}
	return ""
}

func (s *Session) handleUpdate(raw json.RawMessage) {
	var params sessionUpdateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.logger.Debug("malformed session update", zap.Error(err))
		return
	}
	if msg, ok := translateUpdate(params.Update); ok {
		s.emit(msg)
	}
}
