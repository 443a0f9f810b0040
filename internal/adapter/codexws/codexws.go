// Package codexws implements the WebSocket adapter family: an app-server
// process listens on a local port and every session is a JSON-RPC 2.0
// conversation over its own WebSocket connection.
package codexws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/process"
)

// handshakeTimeout bounds the initialize/initialized exchange.
const handshakeTimeout = 10 * time.Second

// Config holds adapter-wide settings.
type Config struct {
	// URL of the app-server WebSocket endpoint, e.g. ws://127.0.0.1:4500.
	URL string

	// Command, when set, is spawned once if the first dial fails.
	Command []string
}

// Adapter dials the app-server once per session.
type Adapter struct {
	cfg        Config
	supervisor *process.Supervisor
	logger     *logger.Logger
}

// New creates the Codex WebSocket adapter.
func New(cfg Config, supervisor *process.Supervisor, log *logger.Logger) *Adapter {
	return &Adapter{
		cfg:        cfg,
		supervisor: supervisor,
		logger:     log.WithFields(zap.String("adapter", "codexws")),
	}
}

func (a *Adapter) Name() string { return "codexws" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: adapter.AvailabilityLocal,
	}
}

// Connect dials the app-server and performs the initialize handshake. When a
// spawn command is configured, a failed first dial starts the server and the
// dial is retried until the handshake deadline.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	url := a.cfg.URL
	if v, ok := opts.AdapterOptions["url"].(string); ok && v != "" {
		url = v
	}
	if url == "" {
		return nil, apperr.E("codexws.connect", apperr.KindConnection, "no app-server url configured",
			apperr.WithSession(opts.SessionID))
	}

	deadline, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := a.dial(deadline, opts.SessionID, url)
	if err != nil {
		return nil, apperr.E("codexws.connect", apperr.KindConnection, err, apperr.WithSession(opts.SessionID))
	}

	sess := newSession(opts.SessionID, conn, a.logger)
	if err := sess.handshake(deadline, opts); err != nil {
		_ = sess.Close(context.Background())
		return nil, apperr.E("codexws.connect", apperr.KindConnection, err, apperr.WithSession(opts.SessionID))
	}
	return sess, nil
}

func (a *Adapter) dial(ctx context.Context, sessionID, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err == nil {
		return conn, nil
	}
	if len(a.cfg.Command) == 0 || a.supervisor == nil {
		return nil, err
	}

	// Cold start: bring the app-server up, then retry until the deadline.
	if _, spawnErr := a.supervisor.Spawn("codexws-server", process.SpawnOptions{
		Command: a.cfg.Command,
		Source:  "codexws:" + a.cfg.Command[0],
	}); spawnErr != nil {
		a.logger.Debug("app-server spawn skipped", zap.Error(spawnErr))
	}

	for {
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(200 * time.Millisecond):
		}
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
	}
}

// Stop kills the spawned app-server, if any.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.supervisor != nil {
		a.supervisor.Kill("codexws-server")
	}
	return nil
}
