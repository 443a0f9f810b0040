// Package message defines the unified message envelope shared by every
// backend adapter and consumer-facing component. Each adapter normalizes its
// wire format to UnifiedMessage in both directions so the rest of the gateway
// never sees protocol-specific shapes.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Type tags the unified message variants. The set is closed; translators map
// anything unrecognized to TypeUnknown.
type Type string

const (
	TypeSessionInit         Type = "session_init"
	TypeStatusChange        Type = "status_change"
	TypeAssistant           Type = "assistant"
	TypeResult              Type = "result"
	TypeStreamEvent         Type = "stream_event"
	TypePermissionRequest   Type = "permission_request"
	TypeControlResponse     Type = "control_response"
	TypeToolProgress        Type = "tool_progress"
	TypeToolUseSummary      Type = "tool_use_summary"
	TypeAuthStatus          Type = "auth_status"
	TypeUserMessage         Type = "user_message"
	TypePermissionResponse  Type = "permission_response"
	TypeInterrupt           Type = "interrupt"
	TypeConfigurationChange Type = "configuration_change"
	TypeUnknown             Type = "unknown"
)

// Role identifies who a message is attributed to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

var validTypes = map[Type]bool{
	TypeSessionInit: true, TypeStatusChange: true, TypeAssistant: true,
	TypeResult: true, TypeStreamEvent: true, TypePermissionRequest: true,
	TypeControlResponse: true, TypeToolProgress: true, TypeToolUseSummary: true,
	TypeAuthStatus: true, TypeUserMessage: true, TypePermissionResponse: true,
	TypeInterrupt: true, TypeConfigurationChange: true, TypeUnknown: true,
}

var validRoles = map[Role]bool{
	RoleUser: true, RoleAssistant: true, RoleSystem: true, RoleTool: true,
}

// UnifiedMessage is the canonical envelope. Treat instances as immutable
// after construction.
type UnifiedMessage struct {
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"` // unix milliseconds
	Type      Type                   `json:"type"`
	Role      Role                   `json:"role"`
	Content   []Content              `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	ParentID  string                 `json:"parent_id,omitempty"`
}

// Option customizes a message built by New.
type Option func(*UnifiedMessage)

// WithMetadata merges the given keys into the message metadata.
func WithMetadata(meta map[string]interface{}) Option {
	return func(m *UnifiedMessage) {
		for k, v := range meta {
			m.Metadata[k] = v
		}
	}
}

// WithParentID sets the parent for nested tool-use chains.
func WithParentID(id string) Option {
	return func(m *UnifiedMessage) { m.ParentID = id }
}

// WithContent sets the content blocks.
func WithContent(blocks ...Content) Option {
	return func(m *UnifiedMessage) { m.Content = blocks }
}

// New builds a UnifiedMessage with a fresh UUID and current timestamp.
// Content defaults to an empty slice and metadata to an empty map, so the
// envelope invariants hold even for bare messages.
func New(typ Type, role Role, opts ...Option) UnifiedMessage {
	m := UnifiedMessage{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Type:      typ,
		Role:      role,
		Content:   []Content{},
		Metadata:  map[string]interface{}{},
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// IsValid reports whether m satisfies the envelope invariants: non-empty id,
// positive timestamp, known type and role, non-nil content and metadata.
func IsValid(m UnifiedMessage) bool {
	if m.ID == "" {
		return false
	}
	if m.Timestamp <= 0 {
		return false
	}
	if !validTypes[m.Type] {
		return false
	}
	if !validRoles[m.Role] {
		return false
	}
	if m.Content == nil {
		return false
	}
	if m.Metadata == nil {
		return false
	}
	return true
}

// Text returns the concatenated text of all text blocks.
func (m UnifiedMessage) Text() string {
	var out string
	for _, c := range m.Content {
		if c.Type == ContentText {
			out += c.Text
		}
	}
	return out
}

// MetaString returns a metadata value as a string, or "" when absent.
func (m UnifiedMessage) MetaString(key string) string {
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}
