package message

// cliWireTypes maps CLI wire message types to unified types. Wire types not
// listed here normalize to TypeUnknown.
var cliWireTypes = map[string]Type{
	"system:init":     TypeSessionInit,
	"system:status":   TypeStatusChange,
	"assistant":       TypeAssistant,
	"result":          TypeResult,
	"stream_event":    TypeStreamEvent,
	"control_request": TypePermissionRequest,
	"control_response": TypeControlResponse,
	"tool_progress":    TypeToolProgress,
	"tool_use_summary": TypeToolUseSummary,
	"auth_status":      TypeAuthStatus,
	"keep_alive":       TypeUnknown,
}

// FromCLIWireType maps a CLI wire type tag to the unified type.
func FromCLIWireType(wireType string) Type {
	if t, ok := cliWireTypes[wireType]; ok {
		return t
	}
	return TypeUnknown
}

// inboundCommandTypes maps consumer inbound command tags to the unified type
// the runtime translates them to before handing to the backend.
var inboundCommandTypes = map[string]Type{
	"user_message":        TypeUserMessage,
	"queue_message":       TypeUserMessage,
	"interrupt":           TypeInterrupt,
	"permission_response": TypePermissionResponse,
	"set_model":           TypeConfigurationChange,
	"set_permission_mode": TypeConfigurationChange,
}

// FromInboundCommand maps a consumer command tag to the unified type.
// Returns TypeUnknown for commands the runtime handles without translating
// (slash commands, queue management, presence queries).
func FromInboundCommand(command string) Type {
	if t, ok := inboundCommandTypes[command]; ok {
		return t
	}
	return TypeUnknown
}
