// Package opencode implements the HTTP+SSE adapter family: a single server
// process serves every session over REST, and one shared server-sent-event
// stream is demultiplexed to per-session subscribers by session ID.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/codec/sse"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/message"
)

// Config holds adapter-wide settings.
type Config struct {
	BaseURL string

	// Optional basic auth.
	Username string
	Password string

	// MaxRetries bounds the SSE reconnect loop. Zero means the default of 3.
	MaxRetries int
}

// Adapter talks to one server for all sessions.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session // keyed by backend session id
	started  bool
	cancel   context.CancelFunc
}

// New creates the Opencode adapter.
func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Adapter{
		cfg:      cfg,
		client:   &http.Client{},
		logger:   log.WithFields(zap.String("adapter", "opencode")),
		sessions: make(map[string]*Session),
	}
}

func (a *Adapter) Name() string { return "opencode" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  adapter.AvailabilityBoth,
	}
}

// Connect registers a session and starts the shared event stream on first
// use. A fresh backend session is created unless a resume id is supplied.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.BackendSession, error) {
	if a.cfg.BaseURL == "" {
		return nil, apperr.E("opencode.connect", apperr.KindConnection, "no base url configured",
			apperr.WithSession(opts.SessionID))
	}

	backendID := opts.Resume
	if backendID == "" {
		var created struct {
			ID string `json:"id"`
		}
		if err := a.doJSON(ctx, http.MethodPost, "/session", opts.WorkDir, nil, &created); err != nil {
			return nil, apperr.E("opencode.connect", apperr.KindConnection, err, apperr.WithSession(opts.SessionID))
		}
		backendID = created.ID
	}

	sess := &Session{
		id:        opts.SessionID,
		backendID: backendID,
		workDir:   opts.WorkDir,
		adapter:   a,
		out:       make(chan message.UnifiedMessage, 256),
	}

	a.mu.Lock()
	a.sessions[backendID] = sess
	if !a.started {
		a.started = true
		streamCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		go a.streamLoop(streamCtx)
	}
	a.mu.Unlock()

	sess.emit(message.New(message.TypeSessionInit, message.RoleSystem,
		message.WithMetadata(map[string]interface{}{"backend_session_id": backendID})))
	return sess, nil
}

// Stop cancels the shared stream and closes every session.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.started = false
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close(ctx)
	}
	return nil
}

func (a *Adapter) removeSession(backendID string) {
	a.mu.Lock()
	delete(a.sessions, backendID)
	a.mu.Unlock()
}

func (a *Adapter) session(backendID string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[backendID]
}

func (a *Adapter) allSessions() []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// streamLoop maintains the shared SSE connection with exponential backoff.
// After max retries every session is told the stream is gone.
func (a *Adapter) streamLoop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := a.consumeStream(ctx)
		if ctx.Err() != nil {
			return
		}
		attempt++
		if attempt > a.cfg.MaxRetries {
			a.logger.Error("event stream lost, retries exhausted", zap.Error(err))
			for _, s := range a.allSessions() {
				s.emit(message.New(message.TypeResult, message.RoleSystem,
					message.WithMetadata(map[string]interface{}{
						"error":       "event stream disconnected",
						"stop_reason": "error",
					})))
			}
			return
		}
		backoff := time.Second << (attempt - 1)
		a.logger.Warn("event stream disconnected, reconnecting",
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (a *Adapter) consumeStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/event", nil)
	if err != nil {
		return err
	}
	a.decorate(req, "")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream status %d", resp.StatusCode)
	}
	return sse.Stream(ctx, resp.Body, a.dispatch)
}

type serverEvent struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
}

// dispatch routes one server event to its session by the sessionID property.
// Events without a session fan out to everyone.
func (a *Adapter) dispatch(ev sse.Event) {
	var event serverEvent
	if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
		a.logger.Debug("dropping malformed event", zap.Error(err))
		return
	}

	msg, sessionID, ok := translateEvent(event)
	if !ok {
		return
	}
	if sessionID == "" {
		for _, s := range a.allSessions() {
			s.emit(msg)
		}
		return
	}
	if s := a.session(sessionID); s != nil {
		s.emit(msg)
	}
}

// decorate adds directory scoping and auth to every outgoing request.
func (a *Adapter) decorate(req *http.Request, directory string) {
	if directory != "" {
		q := req.URL.Query()
		q.Set("directory", directory)
		req.URL.RawQuery = q.Encode()
		req.Header.Set("X-Opencode-Directory", directory)
	}
	if a.cfg.Username != "" {
		req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	}
}

func (a *Adapter) doJSON(ctx context.Context, method, path, directory string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	a.decorate(req, directory)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
