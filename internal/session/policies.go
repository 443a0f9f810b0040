package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
)

// PolicyConfig tunes the session watchdogs.
type PolicyConfig struct {
	// ReconnectGrace is how long a degraded session waits for its backend
	// before the reconnect_timeout policy fires.
	ReconnectGrace time.Duration
	// IdleTimeout reaps sessions that stayed idle with zero consumers.
	IdleTimeout time.Duration
	// CapabilitiesTimeout bounds the wait for the backend's session_init.
	CapabilitiesTimeout time.Duration
	// SweepInterval is the idle reaper's scan period.
	SweepInterval time.Duration
}

func (c *PolicyConfig) withDefaults() PolicyConfig {
	out := *c
	if out.ReconnectGrace <= 0 {
		out.ReconnectGrace = 30 * time.Second
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 30 * time.Minute
	}
	if out.CapabilitiesTimeout <= 0 {
		out.CapabilitiesTimeout = 15 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Minute
	}
	return out
}

// Watchdogs enforce the reconnect, idle-reap, and capabilities policies.
// Backend lifecycle signals arm and disarm per-session timers; the idle
// reaper sweeps on a ticker.
type Watchdogs struct {
	cfg    PolicyConfig
	bridge *Bridge
	bus    bus.EventBus
	logger *logger.Logger

	// onReap removes a reaped session; typically Bridge.RemoveSession wrapped
	// by the coordinator so storage is cleaned up too.
	onReap func(sessionID string)

	mu           sync.Mutex
	reconnect    map[string]*time.Timer
	capabilities map[string]*time.Timer
}

// NewWatchdogs creates the policy enforcer.
func NewWatchdogs(cfg PolicyConfig, bridge *Bridge, eb bus.EventBus, onReap func(sessionID string), log *logger.Logger) *Watchdogs {
	return &Watchdogs{
		cfg:          cfg.withDefaults(),
		bridge:       bridge,
		bus:          eb,
		logger:       log.WithFields(zap.String("component", "watchdogs")),
		onReap:       onReap,
		reconnect:    make(map[string]*time.Timer),
		capabilities: make(map[string]*time.Timer),
	}
}

// Run wires the bus subscriptions and sweeps until ctx is done.
func (w *Watchdogs) Run(ctx context.Context) error {
	subs := make([]bus.Subscription, 0, 4)
	subscribe := func(subject string, handler bus.EventHandler) error {
		sub, err := w.bus.Subscribe(subject, handler)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if err := subscribe(events.BackendDisconnected, func(_ context.Context, e *bus.Event) error {
		w.BackendLost(e.SessionID())
		return nil
	}); err != nil {
		return err
	}
	if err := subscribe(events.BackendConnected, func(_ context.Context, e *bus.Event) error {
		w.BackendBack(e.SessionID())
		w.ArmCapabilities(e.SessionID())
		return nil
	}); err != nil {
		return err
	}
	if err := subscribe(events.CapabilitiesReady, func(_ context.Context, e *bus.Event) error {
		w.disarmCapabilities(e.SessionID())
		return nil
	}); err != nil {
		return err
	}

	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		w.stopAll()
	}()

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweepIdle()
		}
	}
}

// BackendLost arms the reconnect grace timer for a session.
func (w *Watchdogs) BackendLost(sessionID string) {
	if sessionID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.reconnect[sessionID]; ok {
		t.Stop()
	}
	w.reconnect[sessionID] = time.AfterFunc(w.cfg.ReconnectGrace, func() {
		w.reconnectExpired(sessionID)
	})
}

// BackendBack disarms the reconnect timer after the backend returned.
func (w *Watchdogs) BackendBack(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.reconnect[sessionID]; ok {
		t.Stop()
		delete(w.reconnect, sessionID)
	}
}

// ArmCapabilities bounds the wait for the backend's capability report.
func (w *Watchdogs) ArmCapabilities(sessionID string) {
	if sessionID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.capabilities[sessionID]; ok {
		t.Stop()
	}
	w.capabilities[sessionID] = time.AfterFunc(w.cfg.CapabilitiesTimeout, func() {
		w.capabilitiesExpired(sessionID)
	})
}

func (w *Watchdogs) disarmCapabilities(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.capabilities[sessionID]; ok {
		t.Stop()
		delete(w.capabilities, sessionID)
	}
}

func (w *Watchdogs) reconnectExpired(sessionID string) {
	w.mu.Lock()
	delete(w.reconnect, sessionID)
	w.mu.Unlock()

	rt := w.bridge.Runtime(sessionID)
	if rt == nil {
		return
	}
	w.logger.Warn("backend reconnect grace expired", zap.String("session_id", sessionID))
	rt.ApplyPolicyCommand("reconnect_timeout")
	w.publish(events.BackendRelaunchNeeded, map[string]interface{}{
		"session_id": sessionID,
	})
	w.bridge.Broadcaster().Broadcast(rt.Session(), NewFrame("relaunch_needed", nil))
}

func (w *Watchdogs) capabilitiesExpired(sessionID string) {
	w.mu.Lock()
	delete(w.capabilities, sessionID)
	w.mu.Unlock()

	rt := w.bridge.Runtime(sessionID)
	if rt == nil {
		return
	}
	w.logger.Warn("backend capabilities timeout", zap.String("session_id", sessionID))
	rt.ApplyPolicyCommand("capabilities_timeout")
}

// sweepIdle reaps sessions idle past the timeout with nobody connected.
func (w *Watchdogs) sweepIdle() {
	now := time.Now()
	for _, s := range w.bridge.Sessions() {
		if s.LastStatus() != StatusIdle || s.ConsumerCount() > 0 {
			continue
		}
		since := s.IdleSince()
		if since.IsZero() || now.Sub(since) < w.cfg.IdleTimeout {
			continue
		}
		rt := w.bridge.Runtime(s.ID)
		if rt == nil {
			continue
		}
		w.logger.Info("reaping idle session",
			zap.String("session_id", s.ID),
			zap.Duration("idle_for", now.Sub(since)))
		rt.ApplyPolicyCommand("idle_reap")
		if w.onReap != nil {
			w.onReap(s.ID)
		}
	}
}

func (w *Watchdogs) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.reconnect {
		t.Stop()
		delete(w.reconnect, id)
	}
	for id, t := range w.capabilities {
		t.Stop()
		delete(w.capabilities, id)
	}
}

func (w *Watchdogs) publish(subject string, data map[string]interface{}) {
	if w.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.bus.Publish(ctx, subject, bus.NewEvent(subject, "watchdogs", data)); err != nil {
		w.logger.Debug("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
