// Package adapter defines the contract every backend family implements:
// a BackendAdapter that opens sessions and a BackendSession that exchanges
// unified messages with one live agent conversation. Capability extensions
// (interrupt, configuration, raw writes) are separate interfaces checked by
// assertion, not subclassing.
package adapter

import (
	"context"

	"github.com/coderelay/coderelay/internal/message"
)

// Availability describes where an adapter's backend can run.
type Availability string

const (
	AvailabilityLocal  Availability = "local"
	AvailabilityRemote Availability = "remote"
	AvailabilityBoth   Availability = "both"
)

// Capabilities describes what an adapter family supports.
type Capabilities struct {
	Streaming     bool         `json:"streaming"`
	Permissions   bool         `json:"permissions"`
	SlashCommands bool         `json:"slash_commands"`
	Availability  Availability `json:"availability"`
	Teams         bool         `json:"teams"`
}

// ConnectOptions configures a new backend session.
type ConnectOptions struct {
	SessionID string // gateway session UUID; the session must report it verbatim

	// Resume carries the agent-internal session ID to resume after a
	// subprocess restart. Empty starts a fresh conversation.
	Resume string

	WorkDir string
	Model   string

	// AdapterOptions carries family-specific settings (binary path, port,
	// base URL, auth).
	AdapterOptions map[string]interface{}
}

// BackendAdapter is implemented once per agent family.
type BackendAdapter interface {
	// Name returns the stable adapter identifier.
	Name() string

	// Capabilities returns what this family supports.
	Capabilities() Capabilities

	// Connect opens a backend session. Fails with a Connection error on
	// transport or spawn failure.
	Connect(ctx context.Context, opts ConnectOptions) (BackendSession, error)
}

// BackendSession is one live agent conversation.
type BackendSession interface {
	// SessionID returns the ID supplied in ConnectOptions.
	SessionID() string

	// Send delivers a unified message to the agent. Fails with a
	// SessionClosed error after Close.
	Send(ctx context.Context, msg message.UnifiedMessage) error

	// Messages yields translated inbound messages. The channel closes when
	// the transport ends. At most one consumer may range over it.
	Messages() <-chan message.UnifiedMessage

	// Close terminates the stream and releases the transport. Idempotent.
	Close(ctx context.Context) error
}

// RawSender is an escape hatch for protocols that need verbatim wire bytes.
type RawSender interface {
	SendRaw(ctx context.Context, line string) error
}

// Interruptible sessions can cancel the in-flight turn.
type Interruptible interface {
	Interrupt(ctx context.Context) error
}

// Configurable sessions accept runtime configuration changes.
type Configurable interface {
	SetModel(ctx context.Context, model string) error
	SetPermissionMode(ctx context.Context, mode string) error
}

// SlashExecutor executes slash commands natively on the backend.
type SlashExecutor interface {
	Handles(command string) bool
	Execute(ctx context.Context, sessionID, command string) (string, error)
}

// SlashExecutorProvider adapters expose native slash-command execution.
type SlashExecutorProvider interface {
	CreateSlashExecutor() SlashExecutor
}

// Stopper adapters hold shared state (spawned servers, pooled connections)
// that outlives individual sessions.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Inverted adapters have the backend process dial back into the gateway
// rather than being connected to. The coordinator asks the launcher to spawn
// them instead of calling Connect.
type Inverted interface {
	Inverted() bool
}
