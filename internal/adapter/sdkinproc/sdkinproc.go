// Package sdkinproc implements the in-process adapter family: no subprocess
// and no wire protocol. The agent runs inside the gateway behind a query
// function that consumes a prompt queue and streams SDK messages back. Tool
// permission checks surface through a callback that blocks the agent until
// the runtime resolves the matching permission request.
package sdkinproc

import (
	"context"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// Prompt is one queued user turn.
type Prompt struct {
	Text string
}

// SDKMessage is the message shape the embedded agent emits.
type SDKMessage struct {
	Type     string // system_init, assistant, stream_event, result, user, ...
	Text     string
	Metadata map[string]interface{}
}

// Decision answers a tool permission check.
type Decision struct {
	Behavior     string // "allow" or "deny"
	UpdatedInput map[string]interface{}
	Message      string
}

// CanUseToolFunc is invoked by the agent before every tool call. It blocks
// until the runtime resolves the permission or the session closes.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]interface{}) (Decision, error)

// QueryOptions configures one agent run.
type QueryOptions struct {
	SessionID  string
	WorkDir    string
	Model      string
	Resume     string
	CanUseTool CanUseToolFunc

	// Interrupts receives a signal for every interrupt request; the agent
	// aborts the in-flight turn and keeps consuming prompts.
	Interrupts <-chan struct{}
}

// QueryFunc starts the embedded agent: it consumes prompts until ctx is
// cancelled and returns the message stream, which closes when the run ends.
type QueryFunc func(ctx context.Context, prompts <-chan Prompt, opts QueryOptions) (<-chan SDKMessage, error)

// Adapter hosts the embedded agent.
type Adapter struct {
	query  QueryFunc
	logger *logger.Logger
}

// New creates the in-process adapter around a query function.
func New(query QueryFunc, log *logger.Logger) *Adapter {
	return &Adapter{
		query:  query,
		logger: log.WithFields(zap.String("adapter", "sdkinproc")),
	}
}

func (a *Adapter) Name() string { return "sdkinproc" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: adapter.AvailabilityLocal,
	}
}

// Connect starts an agent run for the session.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.query == nil {
		return nil, apperr.E("sdkinproc.connect", apperr.KindConnection, "no query function configured",
			apperr.WithSession(opts.SessionID))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sess := newSession(opts.SessionID, cancel, a.logger)

	stream, err := a.query(runCtx, sess.prompts, QueryOptions{
		SessionID:  opts.SessionID,
		WorkDir:    opts.WorkDir,
		Model:      opts.Model,
		Resume:     opts.Resume,
		CanUseTool: sess.canUseTool,
		Interrupts: sess.interrupts,
	})
	if err != nil {
		cancel()
		return nil, apperr.E("sdkinproc.connect", apperr.KindConnection, err, apperr.WithSession(opts.SessionID))
	}

	go sess.pump(stream)
	return sess, nil
}
