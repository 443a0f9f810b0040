package opencode

import (
	"github.com/coderelay/coderelay/internal/message"
)

// translateEvent maps one server event to a unified message plus the session
// it belongs to. An empty session id means broadcast. Returns ok=false for
// event types the gateway does not surface.
func translateEvent(event serverEvent) (message.UnifiedMessage, string, bool) {
	props := event.Properties

	switch event.Type {
	case "message.part.updated":
		part, _ := props["part"].(map[string]interface{})
		if part == nil {
			return message.UnifiedMessage{}, "", false
		}
		sessionID, _ := part["sessionID"].(string)
		text, _ := props["delta"].(string)
		if text == "" {
			text, _ = part["text"].(string)
		}
		return message.New(message.TypeStreamEvent, message.RoleAssistant,
			message.WithContent(message.TextBlock(text))), sessionID, true

	case "session.status":
		sessionID, _ := props["sessionID"].(string)
		return message.New(message.TypeStatusChange, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{
				"status": statusString(props["status"]),
			})), sessionID, true

	case "permission.updated":
		sessionID, _ := props["sessionID"].(string)
		id, _ := props["id"].(string)
		title, _ := props["title"].(string)
		input, _ := props["metadata"].(map[string]interface{})
		return message.New(message.TypePermissionRequest, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{
				"request_id": id,
				"tool_name":  title,
				"input":      input,
			})), sessionID, true

	case "session.error":
		sessionID, _ := props["sessionID"].(string)
		return message.New(message.TypeResult, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{
				"stop_reason": "error",
				"error":       props["error"],
			})), sessionID, true

	default:
		return message.UnifiedMessage{}, "", false
	}
}

// statusString normalizes the status property, which the server sends either
// as a bare string or as a tagged object.
func statusString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case map[string]interface{}:
		if t, ok := s["type"].(string); ok {
			return t
		}
	}
	return ""
}
