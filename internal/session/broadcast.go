package session

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/message"
)

// Frame is one consumer-shaped outbound message before sequencing.
type Frame map[string]interface{}

// NewFrame builds a frame with its type tag.
func NewFrame(typ string, fields map[string]interface{}) Frame {
	f := Frame{"type": typ}
	for k, v := range fields {
		f[k] = v
	}
	return f
}

// historyTypes are the conversation-carrying frames replayed to late
// joiners. Control frames (presence, identity, queue notices) are not.
var historyTypes = map[string]bool{
	"user_message":         true,
	"assistant":            true,
	"result":               true,
	"stream_event":         true,
	"tool_progress":        true,
	"tool_use_summary":     true,
	"permission_request":   true,
	"auth_status":          true,
	"slash_command_result": true,
}

// Broadcaster fans consumer frames out to a session's sockets. Every frame
// carries a per-session monotonic seq starting at 1; socket errors are
// isolated per socket.
type Broadcaster struct {
	seq    *message.Sequencer
	logger *logger.Logger
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		seq:    message.NewSequencer(),
		logger: log.WithFields(zap.String("component", "broadcaster")),
	}
}

// Broadcast sends the frame to every consumer of the session, recording
// conversation frames in the replay ring.
func (b *Broadcaster) Broadcast(s *Session, frame Frame) {
	data, ok := b.seal(s, frame)
	if !ok {
		return
	}
	typ, _ := frame["type"].(string)
	if historyTypes[typ] {
		s.RecordHistory(data)
	}
	for _, conn := range s.Conns() {
		if err := conn.socket.Send(data); err != nil {
			b.logger.Debug("consumer send failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}
}

// SendTo sends one frame to a single socket.
func (b *Broadcaster) SendTo(s *Session, socket ConsumerSocket, frame Frame) {
	data, ok := b.seal(s, frame)
	if !ok {
		return
	}
	if err := socket.Send(data); err != nil {
		b.logger.Debug("consumer send failed",
			zap.String("session_id", s.ID), zap.Error(err))
	}
}

// BroadcastPresence emits a presence snapshot to every consumer.
func (b *Broadcaster) BroadcastPresence(s *Session) {
	b.Broadcast(s, NewFrame("presence_update", map[string]interface{}{
		"consumers": s.Identities(),
		"count":     s.ConsumerCount(),
	}))
}

// Forget drops the session's sequence counter after close.
func (b *Broadcaster) Forget(sessionID string) {
	b.seq.Forget(sessionID)
}

// seal stamps the seq number and marshals the frame.
func (b *Broadcaster) seal(s *Session, frame Frame) (json.RawMessage, bool) {
	frame["seq"] = b.seq.Next(s.ID)
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("frame marshal failed",
			zap.String("session_id", s.ID), zap.Error(err))
		return nil, false
	}
	return data, true
}
