// Package coordinator is the top-level facade: it resolves adapters, owns
// session creation and deletion, restores persisted sessions at startup, and
// relaunches backends when a session needs one. It carries no business logic
// beyond wiring; the bridge and runtimes do the work.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/gateway"
	"github.com/coderelay/coderelay/internal/process"
	"github.com/coderelay/coderelay/internal/session"
	"github.com/coderelay/coderelay/internal/storage"
)

// connectTimeout bounds one backend connect attempt during relaunch.
const connectTimeout = 30 * time.Second

// Coordinator wires the resolver, bridge, supervisor, watchdogs, and store
// together and implements the control API's SessionService.
type Coordinator struct {
	cfg        *config.Config
	resolver   *adapter.Resolver
	bridge     *session.Bridge
	supervisor *process.Supervisor
	store      storage.SessionStore
	bus        bus.EventBus
	watchdogs  *session.Watchdogs
	logger     *logger.Logger

	mu          sync.Mutex
	relaunching map[string]bool
	subs        []bus.Subscription

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates the coordinator. Start must be called before it serves requests.
func New(cfg *config.Config, resolver *adapter.Resolver, bridge *session.Bridge,
	supervisor *process.Supervisor, store storage.SessionStore, eb bus.EventBus,
	log *logger.Logger) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		resolver:    resolver,
		bridge:      bridge,
		supervisor:  supervisor,
		store:       store,
		bus:         eb,
		logger:      log.WithFields(zap.String("component", "coordinator")),
		relaunching: make(map[string]bool),
	}
	c.watchdogs = session.NewWatchdogs(session.PolicyConfig{
		ReconnectGrace: cfg.Session.ReconnectGrace(),
		IdleTimeout:    cfg.Session.IdleTimeout(),
	}, bridge, eb, c.reapSession, log)
	return c
}

// Start wires the bus subscriptions, restores persisted sessions, and starts
// the watchdogs. The coordinator runs until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, _ = errgroup.WithContext(runCtx)

	if err := c.subscribe(); err != nil {
		cancel()
		return err
	}

	// Launcher handles exist before the bridge seeds state, so a consumer
	// joining mid-restore still gets a meaningful snapshot.
	c.restore(ctx)

	c.group.Go(func() error {
		err := c.watchdogs.Run(runCtx)
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	c.logger.Info("coordinator started",
		zap.Strings("adapters", c.resolver.Names()),
		zap.Int("sessions", len(c.bridge.Sessions())))
	return nil
}

// Stop unwires listeners, closes every session, kills all processes, and
// stops the adapters and the store.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		if err := c.group.Wait(); err != nil {
			c.logger.Warn("watchdogs exited with error", zap.Error(err))
		}
	}

	for _, s := range c.bridge.Sessions() {
		if backend := s.Backend(); backend != nil {
			_ = backend.Close(ctx)
		}
		c.bridge.RemoveSession(s.ID)
	}

	c.supervisor.KillAll()
	c.resolver.StopAll(ctx)

	if err := c.store.Close(); err != nil {
		c.logger.Warn("store close failed", zap.Error(err))
	}
	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) subscribe() error {
	add := func(subject string, handler bus.EventHandler) error {
		sub, err := c.bus.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
		return nil
	}

	if err := add(events.BackendRelaunchNeeded, func(_ context.Context, e *bus.Event) error {
		c.relaunch(e.SessionID())
		return nil
	}); err != nil {
		return err
	}
	if err := add(events.BackendConnected, func(_ context.Context, e *bus.Event) error {
		c.clearRelaunch(e.SessionID())
		return nil
	}); err != nil {
		return err
	}
	// Persist the agent-internal session id as soon as it is discovered; it
	// is what makes resume after a daemon restart possible.
	return add(events.BackendSessionID, func(ctx context.Context, e *bus.Event) error {
		c.persistBackendSessionID(ctx, e.SessionID())
		return nil
	})
}

// CreateSession resolves the adapter, registers the session, and connects the
// backend. A failed connect rolls the registration back.
func (c *Coordinator) CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (*gateway.SessionInfo, error) {
	adapterName := req.Adapter
	if adapterName == "" {
		adapterName = c.cfg.Adapters.Default
	}
	if adapterName == "" {
		return nil, apperr.E("coordinator.CreateSession", apperr.KindNoAdapter,
			"no adapter named and no default configured")
	}
	backendAdapter, err := c.resolver.Resolve(adapterName)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	s := session.NewSession(sessionID, adapterName, c.cfg.Session.HistorySize)
	s.SetStateValue("cwd", req.Cwd)
	if req.Model != "" {
		s.SetStateValue("model", req.Model)
	}
	if req.Name != "" {
		s.SetStateValue("name", req.Name)
	}
	rt := c.bridge.AddSession(s)

	record := &storage.SessionRecord{
		SessionID:   sessionID,
		Cwd:         req.Cwd,
		Model:       req.Model,
		AdapterName: adapterName,
		Name:        req.Name,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   time.Now(),
	}

	// Inverted families spawn a process that dials back in; the backend
	// attaches later via the bridge, not through Connect.
	if inv, ok := backendAdapter.(adapter.Inverted); ok && inv.Inverted() {
		if err := c.store.Save(ctx, record); err != nil {
			c.logger.Warn("session persist failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return c.infoFor(s), nil
	}

	backend, err := backendAdapter.Connect(ctx, adapter.ConnectOptions{
		SessionID: sessionID,
		Resume:    req.Resume,
		WorkDir:   req.Cwd,
		Model:     req.Model,
	})
	if err != nil {
		c.bridge.RemoveSession(sessionID)
		return nil, err
	}
	c.bridge.ConnectBackend(rt, backendAdapter, backend)

	if err := c.store.Save(ctx, record); err != nil {
		c.logger.Warn("session persist failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	c.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("adapter", adapterName),
		zap.String("cwd", req.Cwd))
	return c.infoFor(s), nil
}

// ListSessions returns every registered session.
func (c *Coordinator) ListSessions(_ context.Context) []*gateway.SessionInfo {
	sessions := c.bridge.Sessions()
	out := make([]*gateway.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, c.infoFor(s))
	}
	return out
}

// GetSession returns one session.
func (c *Coordinator) GetSession(_ context.Context, id string) (*gateway.SessionInfo, error) {
	s := c.bridge.Session(id)
	if s == nil {
		return nil, apperr.E("coordinator.GetSession", apperr.KindSessionClosed,
			"session not found", apperr.WithSession(id))
	}
	return c.infoFor(s), nil
}

// DeleteSession tears a session down: backend, process, sockets, record.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	s := c.bridge.Session(id)
	if s == nil {
		return apperr.E("coordinator.DeleteSession", apperr.KindSessionClosed,
			"session not found", apperr.WithSession(id))
	}

	if backend := s.Backend(); backend != nil {
		_ = backend.Close(ctx)
	}
	c.supervisor.Kill(id)
	c.clearRelaunch(id)
	c.bridge.RemoveSession(id)

	if err := c.store.Delete(ctx, id); err != nil {
		c.logger.Warn("session record delete failed",
			zap.String("session_id", id), zap.Error(err))
	}
	c.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

// SessionLogs returns the last limit redacted output lines for a session.
func (c *Coordinator) SessionLogs(_ context.Context, id string, limit int) ([]string, error) {
	if c.bridge.Session(id) == nil {
		return nil, apperr.E("coordinator.SessionLogs", apperr.KindSessionClosed,
			"session not found", apperr.WithSession(id))
	}
	lines := c.supervisor.Logs(id)
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, fmt.Sprintf("%s [%s] %s",
			line.Timestamp.Format(time.RFC3339), line.Stream, process.Redact(line.Content)))
	}
	return out, nil
}

// restore re-registers every persisted session and tries to reattach its
// backend in the background.
func (c *Coordinator) restore(ctx context.Context) {
	records, err := c.store.List(ctx)
	if err != nil {
		c.logger.Error("session restore failed", zap.Error(err))
		return
	}

	for _, record := range records {
		if c.bridge.Session(record.SessionID) != nil {
			continue
		}
		s := session.NewSession(record.SessionID, record.AdapterName, c.cfg.Session.HistorySize)
		s.CreatedAt = record.CreatedAt
		s.SetStateValue("cwd", record.Cwd)
		if record.Model != "" {
			s.SetStateValue("model", record.Model)
		}
		if record.Name != "" {
			s.SetStateValue("name", record.Name)
		}
		if record.BackendSessionID != "" {
			s.SetBackendSessionID(record.BackendSessionID)
		}
		c.bridge.AddSession(s)
		c.logger.Info("session restored",
			zap.String("session_id", record.SessionID),
			zap.String("adapter", record.AdapterName))
		c.relaunch(record.SessionID)
	}
}

// relaunch reattaches a backend to a session that lost one. Concurrent
// requests for the same session are deduplicated.
func (c *Coordinator) relaunch(sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	if c.relaunching[sessionID] {
		c.mu.Unlock()
		return
	}
	c.relaunching[sessionID] = true
	c.mu.Unlock()

	go func() {
		defer c.clearRelaunch(sessionID)

		s := c.bridge.Session(sessionID)
		if s == nil || s.Backend() != nil {
			return
		}
		rt := c.bridge.Runtime(sessionID)
		if rt == nil {
			return
		}

		backendAdapter, err := c.resolver.Resolve(s.AdapterName)
		if err != nil {
			c.logger.Error("relaunch failed: adapter unavailable",
				zap.String("session_id", sessionID),
				zap.String("adapter", s.AdapterName), zap.Error(err))
			return
		}
		if inv, ok := backendAdapter.(adapter.Inverted); ok && inv.Inverted() {
			// The backend dials back on its own schedule.
			return
		}

		snapshot := s.StateSnapshot()
		cwd, _ := snapshot["cwd"].(string)
		model, _ := snapshot["model"].(string)

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		backend, err := backendAdapter.Connect(ctx, adapter.ConnectOptions{
			SessionID: sessionID,
			Resume:    s.BackendSessionID(),
			WorkDir:   cwd,
			Model:     model,
		})
		if err != nil {
			c.logger.Error("relaunch failed",
				zap.String("session_id", sessionID), zap.Error(err))
			c.publishError("coordinator", err, sessionID)
			return
		}
		c.bridge.ConnectBackend(rt, backendAdapter, backend)
		c.logger.Info("backend relaunched", zap.String("session_id", sessionID))
	}()
}

func (c *Coordinator) clearRelaunch(sessionID string) {
	c.mu.Lock()
	delete(c.relaunching, sessionID)
	c.mu.Unlock()
}

// reapSession is the idle reaper's callback: full teardown including storage.
func (c *Coordinator) reapSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.DeleteSession(ctx, sessionID); err != nil {
		c.logger.Debug("idle reap cleanup", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *Coordinator) persistBackendSessionID(ctx context.Context, sessionID string) {
	s := c.bridge.Session(sessionID)
	if s == nil || s.BackendSessionID() == "" {
		return
	}
	record, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return
	}
	record.BackendSessionID = s.BackendSessionID()
	record.UpdatedAt = time.Now()
	if err := c.store.Save(ctx, record); err != nil {
		c.logger.Warn("backend session id persist failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *Coordinator) infoFor(s *session.Session) *gateway.SessionInfo {
	snapshot := s.StateSnapshot()
	cwd, _ := snapshot["cwd"].(string)
	model, _ := snapshot["model"].(string)
	name, _ := snapshot["name"].(string)
	return &gateway.SessionInfo{
		SessionID:        s.ID,
		AdapterName:      s.AdapterName,
		LifecycleState:   string(s.Lifecycle()),
		Status:           string(s.LastStatus()),
		Cwd:              cwd,
		Model:            model,
		Name:             name,
		BackendSessionID: s.BackendSessionID(),
		Consumers:        s.ConsumerCount(),
		CreatedAt:        s.CreatedAt.Format(time.RFC3339),
	}
}

func (c *Coordinator) publishError(source string, err error, sessionID string) {
	if c.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event := bus.NewEvent(events.Error, source, map[string]interface{}{
		"source":     source,
		"error":      err.Error(),
		"session_id": sessionID,
	})
	if perr := c.bus.Publish(ctx, events.Error, event); perr != nil {
		c.logger.Debug("publish failed", zap.Error(perr))
	}
}
