package acp

import (
	"encoding/json"

	"github.com/coderelay/coderelay/internal/message"
)

type updateEnvelope struct {
	SessionUpdate string `json:"sessionUpdate"`

	// agent_message_chunk / agent_thought_chunk
	Content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`

	// tool_call / tool_call_update
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`

	// plan
	Entries []interface{} `json:"entries"`

	// available_commands_update
	AvailableCommands []interface{} `json:"availableCommands"`

	// current_mode_update
	CurrentModeID string `json:"currentModeId"`
}

// translateUpdate maps one session/update notification to a unified message.
// Returns false only when the update cannot be parsed at all; unrecognized
// update kinds translate to an unknown message so nothing is silently lost.
func translateUpdate(raw json.RawMessage) (message.UnifiedMessage, bool) {
	var u updateEnvelope
	if err := json.Unmarshal(raw, &u); err != nil {
		return message.UnifiedMessage{}, false
	}

	switch u.SessionUpdate {
	case "agent_message_chunk":
		return message.New(message.TypeStreamEvent, message.RoleAssistant,
			message.WithContent(message.TextBlock(u.Content.Text))), true

	case "agent_thought_chunk":
		return message.New(message.TypeStreamEvent, message.RoleAssistant,
			message.WithContent(message.ThinkingBlock(u.Content.Text))), true

	case "tool_call":
		return message.New(message.TypeToolProgress, message.RoleTool,
			message.WithMetadata(toolMeta(u))), true

	case "tool_call_update":
		typ := message.TypeToolProgress
		if u.Status == "completed" || u.Status == "failed" {
			typ = message.TypeToolUseSummary
		}
		return message.New(typ, message.RoleTool,
			message.WithMetadata(toolMeta(u))), true

	case "plan":
		return message.New(message.TypeStatusChange, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{
				"update":  "plan",
				"entries": u.Entries,
			})), true

	case "available_commands_update":
		return message.New(message.TypeStatusChange, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{
				"update":   "available_commands",
				"commands": u.AvailableCommands,
			})), true

	case "current_mode_update":
		return message.New(message.TypeConfigurationChange, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{
				"permission_mode": u.CurrentModeID,
			})), true

	default:
		return message.New(message.TypeUnknown, message.RoleSystem,
			message.WithMetadata(map[string]interface{}{
				"session_update": u.SessionUpdate,
				"raw":            string(raw),
			})), true
	}
}

func toolMeta(u updateEnvelope) map[string]interface{} {
	var input map[string]interface{}
	_ = json.Unmarshal(u.RawInput, &input)
	meta := map[string]interface{}{
		"tool_call_id": u.ToolCallID,
		"status":       u.Status,
	}
	if u.Title != "" {
		meta["tool_name"] = u.Title
	}
	if u.Kind != "" {
		meta["kind"] = u.Kind
	}
	if input != nil {
		meta["input"] = input
	}
	return meta
}
