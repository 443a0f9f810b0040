package codexws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/codec/jsonrpc"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/message"
)

// Session is one JSON-RPC conversation over a dedicated WebSocket.
type Session struct {
	id     string
	codec  *jsonrpc.Codec
	logger *logger.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	out chan message.UnifiedMessage

	mu        sync.Mutex
	closed    bool
	pending   map[int64]chan *jsonrpc.Message
	approvals map[string]string // request_id -> call_id
}

func newSession(id string, conn *websocket.Conn, log *logger.Logger) *Session {
	s := &Session{
		id:        id,
		codec:     jsonrpc.NewCodec(),
		logger:    log.WithFields(zap.String("session_id", id)),
		conn:      conn,
		out:       make(chan message.UnifiedMessage, 256),
		pending:   make(map[int64]chan *jsonrpc.Message),
		approvals: make(map[string]string),
	}
	go s.readLoop()
	return s
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) Messages() <-chan message.UnifiedMessage { return s.out }

// handshake performs initialize then sends the initialized notification.
func (s *Session) handshake(ctx context.Context, opts adapter.ConnectOptions) error {
	params := map[string]interface{}{
		"sessionId": opts.SessionID,
		"cwd":       opts.WorkDir,
	}
	if opts.Model != "" {
		params["model"] = opts.Model
	}
	if opts.Resume != "" {
		params["resume"] = opts.Resume
	}
	resp, err := s.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	note, err := s.codec.CreateNotification("initialized", nil)
	if err != nil {
		return err
	}
	if err := s.writeMessage(note); err != nil {
		return err
	}

	var init map[string]interface{}
	_ = json.Unmarshal(resp.Result, &init)
	s.emit(message.New(message.TypeSessionInit, message.RoleSystem,
		message.WithMetadata(map[string]interface{}{"server_info": init})))
	return nil
}

func (s *Session) Send(ctx context.Context, msg message.UnifiedMessage) error {
	if s.isClosed() {
		return apperr.E("codexws.send", apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
	}

	switch msg.Type {
	case message.TypeUserMessage:
		req, err := s.codec.CreateRequest("turn.create", map[string]interface{}{
			"text": msg.Text(),
		})
		if err != nil {
			return err
		}
		return s.writeMessage(req)

	case message.TypeInterrupt:
		return s.Interrupt(ctx)

	case message.TypePermissionResponse:
		return s.respondApproval(msg.MetaString("request_id"), msg.MetaString("behavior") == "allow")

	default:
		return nil
	}
}

func (s *Session) Interrupt(ctx context.Context) error {
	if s.isClosed() {
		return apperr.E("codexws.interrupt", apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
	}
	note, err := s.codec.CreateNotification("turn.cancel", nil)
	if err != nil {
		return err
	}
	return s.writeMessage(note)
}

func (s *Session) respondApproval(requestID string, approve bool) error {
	s.mu.Lock()
	callID, ok := s.approvals[requestID]
	delete(s.approvals, requestID)
	s.mu.Unlock()
	if !ok {
		// Late response after timeout; the server already moved on.
		return nil
	}
	req, err := s.codec.CreateRequest("approval.respond", map[string]interface{}{
		"call_id": callID,
		"approve": approve,
	})
	if err != nil {
		return err
	}
	return s.writeMessage(req)
}

// Close terminates the connection and the stream. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	if !s.teardown() {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), wsCloseDeadline())
	return s.conn.Close()
}

func wsCloseDeadline() time.Time {
	return time.Now().Add(time.Second)
}

func (s *Session) teardown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.approvals = make(map[string]string)
	close(s.out)
	return true
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
		s.logger.Warn("message stream full, dropping", zap.String("type", string(msg.Type)))
	}
}

func (s *Session) call(ctx context.Context, method string, params interface{}) (*jsonrpc.Message, error) {
	req, err := s.codec.CreateRequest(method, params)
	if err != nil {
		return nil, err
	}
	id, _ := req.IDInt64()
	ch := make(chan *jsonrpc.Message, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.writeMessage(req); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, apperr.E("codexws."+method, apperr.KindSessionClosed, "session closed", apperr.WithSession(s.id))
		}
		if resp.Error != nil {
			return nil, apperr.E("codexws."+method, apperr.KindProtocol, resp.Error.Message, apperr.WithSession(s.id))
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, apperr.E("codexws."+method, apperr.KindConnection, ctx.Err(), apperr.WithSession(s.id))
	}
}

func (s *Session) writeMessage(msg *jsonrpc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperr.E("codexws.write", apperr.KindProtocol, err, apperr.WithSession(s.id))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperr.E("codexws.write", apperr.KindConnection, err, apperr.WithSession(s.id))
	}
	return nil
}

// readLoop pumps frames until the connection closes. Malformed frames are
// dropped; the session stream ends with the transport.
func (s *Session) readLoop() {
	defer s.teardown()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := s.codec.Decode(string(data))
		if err != nil {
			s.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *jsonrpc.Message) {
	if msg.IsResponse() {
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
		return
	}

	switch msg.Method {
	case "response.output_text.delta":
		var p struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		s.emit(message.New(message.TypeStreamEvent, message.RoleAssistant,
			message.WithContent(message.TextBlock(p.Delta))))

	case "response.output_item.done":
		var p struct {
			Item struct {
				Text string `json:"text"`
			} `json:"item"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		s.emit(message.New(message.TypeAssistant, message.RoleAssistant,
			message.WithContent(message.TextBlock(p.Item.Text)),
			message.WithMetadata(map[string]interface{}{"done": true})))

	case "response.completed":
		var p map[string]interface{}
		_ = json.Unmarshal(msg.Params, &p)
		meta := map[string]interface{}{"stop_reason": "end_turn"}
		if usage, ok := p["usage"]; ok {
			meta["usage"] = usage
		}
		s.emit(message.New(message.TypeResult, message.RoleSystem, message.WithMetadata(meta)))

	case "approval_requested":
		var p struct {
			CallID   string                 `json:"call_id"`
			ToolName string                 `json:"tool_name"`
			Input    map[string]interface{} `json:"input"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		requestID := uuid.New().String()
		s.mu.Lock()
		s.approvals[requestID] = p.CallID
		s.mu.Unlock()
		s.emit(message.New(message.TypePermissionRequest, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{
				"request_id": requestID,
				"call_id":    p.CallID,
				"tool_name":  p.ToolName,
				"input":      p.Input,
			})))

	default:
		s.logger.Debug("unhandled method", zap.String("method", msg.Method))
	}
}
