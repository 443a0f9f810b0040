// Package acp implements the stdio adapter family: a child agent process
// speaking NDJSON-framed JSON-RPC 2.0. The adapter spawns the agent through
// the process supervisor and drives the initialize handshake before handing
// the session to the runtime.
package acp

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/process"
)

const protocolVersion = 1

// handshakeTimeout bounds the initialize round-trip.
const handshakeTimeout = 10 * time.Second

// Config holds the adapter-wide settings.
type Config struct {
	// Command is the default agent argv when a session supplies none.
	Command []string
}

// Adapter spawns one agent subprocess per session.
type Adapter struct {
	cfg        Config
	supervisor *process.Supervisor
	logger     *logger.Logger
}

// New creates the ACP adapter.
func New(cfg Config, supervisor *process.Supervisor, log *logger.Logger) *Adapter {
	return &Adapter{
		cfg:        cfg,
		supervisor: supervisor,
		logger:     log.WithFields(zap.String("adapter", "acp")),
	}
}

func (a *Adapter) Name() string { return "acp" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  adapter.AvailabilityLocal,
	}
}

// Connect spawns the agent, performs the initialize handshake, and opens a
// backend conversation. The returned session's first message is session_init.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	command := a.cfg.Command
	if v, ok := opts.AdapterOptions["command"].([]string); ok && len(v) > 0 {
		command = v
	}
	if len(command) == 0 {
		return nil, apperr.E("acp.connect", apperr.KindConnection, "no agent command configured",
			apperr.WithSession(opts.SessionID))
	}

	handle, err := a.supervisor.Spawn(opts.SessionID, process.SpawnOptions{
		Command:   command,
		Dir:       opts.WorkDir,
		Source:    "acp:" + command[0],
		PipeStdio: true,
	})
	if err != nil {
		return nil, apperr.E("acp.connect", apperr.KindConnection, err, apperr.WithSession(opts.SessionID))
	}

	sess := newSession(opts.SessionID, handle.Stdin, handle.Stdout, a.logger, func() {
		a.supervisor.Kill(opts.SessionID)
	})

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := sess.handshake(hctx, opts); err != nil {
		_ = sess.Close(context.Background())
		return nil, apperr.E("acp.connect", apperr.KindConnection,
			fmt.Errorf("handshake: %w", err), apperr.WithSession(opts.SessionID))
	}
	return sess, nil
}
