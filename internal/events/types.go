// Package events defines the domain event subjects published on the bus.
// Subjects are dotted so NATS-style wildcard subscriptions work, e.g.
// "backend.>" for every backend lifecycle signal.
package events

// Backend lifecycle subjects.
const (
	BackendConnected      = "backend.connected"
	BackendDisconnected   = "backend.disconnected"
	BackendSessionID      = "backend.session_id"
	BackendRelaunchNeeded = "backend.relaunch_needed"
	BackendMessage        = "backend.message"
)

// Consumer lifecycle subjects.
const (
	ConsumerConnected     = "consumer.connected"
	ConsumerDisconnected  = "consumer.disconnected"
	ConsumerAuthenticated = "consumer.authenticated"
	ConsumerAuthFailed    = "consumer.auth_failed"
)

// Message flow subjects.
const (
	MessageInbound  = "message.inbound"
	MessageOutbound = "message.outbound"
)

// Permission subjects.
const (
	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
)

// Session subjects.
const (
	SessionFirstTurnCompleted = "session.first_turn_completed"
	SessionClosed             = "session.closed"
)

// Slash command subjects.
const (
	SlashCommandExecuted = "slash_command.executed"
	SlashCommandFailed   = "slash_command.failed"
)

// Process supervision subjects.
const (
	ProcessSpawned = "process.spawned"
	ProcessExited  = "process.exited"
	ProcessStdout  = "process.stdout"
	ProcessStderr  = "process.stderr"
)

// Capability and auth subjects.
const (
	AuthStatus          = "auth.status"
	CapabilitiesReady   = "capabilities.ready"
	CapabilitiesTimeout = "capabilities.timeout"
)

// Error is the catch-all error subject; events carry source, error and an
// optional session_id.
const Error = "error"
