// Package main is the coderelay daemon: one process hosting the consumer
// WebSocket gateway, the loopback control API, and the session coordinator.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/adapter"
	"github.com/coderelay/coderelay/internal/adapter/acp"
	"github.com/coderelay/coderelay/internal/adapter/codexws"
	"github.com/coderelay/coderelay/internal/adapter/opencode"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/coordinator"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/gateway"
	"github.com/coderelay/coderelay/internal/message"
	"github.com/coderelay/coderelay/internal/process"
	"github.com/coderelay/coderelay/internal/session"
	"github.com/coderelay/coderelay/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("daemon failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	if cfg.Tracing.Enabled {
		tracing.Configure(cfg.Tracing.Endpoint)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	// One daemon per data directory.
	lock, err := gateway.AcquireLock(filepath.Join(cfg.Storage.DataDir, "daemon.lock"))
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	store, err := newStore(cfg, log)
	if err != nil {
		return err
	}

	supervisor := process.NewSupervisor(cfg.Process, eventBus, log)
	resolver := adapter.NewResolver(log)
	registerAdapters(cfg, resolver, supervisor, log)

	var auth session.Authenticator
	if cfg.Server.APIKey != "" {
		auth = session.TokenAuthenticator(cfg.Server.APIKey)
	}
	bridge := session.NewBridge(session.BridgeConfig{
		HistorySize:       cfg.Session.HistorySize,
		PermissionTimeout: cfg.Session.PermissionTimeout(),
		RateLimit:         float64(cfg.Session.RatePerSec),
		RateBurst:         cfg.Session.RateBurst,
		SlashCatalogPath:  filepath.Join(cfg.Storage.DataDir, "commands.yaml"),
		Observer:          messageObserver(tracing.Tracer("coderelay/session")),
	}, eventBus, auth, log)

	coord := coordinator.New(cfg, resolver, bridge, supervisor, store, eventBus, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := coord.Start(ctx); err != nil {
		return err
	}

	// Consumer WebSocket endpoint.
	wsServer := gateway.NewWSServer(bridge, cfg.Server.AllowedOrigins, log)
	mux := http.NewServeMux()
	mux.Handle("/ws/consumer/", wsServer)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("consumer endpoint listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("consumer endpoint failed", zap.Error(err))
		}
	}()

	// Loopback control API on a random port, announced via daemon.json.
	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer, err = startControlAPI(cfg, coord, log)
		if err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if controlServer != nil {
		_ = controlServer.Shutdown(shutdownCtx)
		_ = os.Remove(filepath.Join(cfg.Storage.DataDir, "daemon.json"))
	}
	_ = httpServer.Shutdown(shutdownCtx)
	if err := coord.Stop(shutdownCtx); err != nil {
		log.Warn("coordinator stop failed", zap.Error(err))
	}
	_ = tracing.Shutdown(shutdownCtx)
	return nil
}

func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		return bus.NewNATSEventBus(cfg.NATS, log)
	}
	return bus.NewMemoryEventBus(log), nil
}

func newStore(cfg *config.Config, log *logger.Logger) (storage.SessionStore, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return storage.NewSQLiteStore(filepath.Join(cfg.Storage.DataDir, "sessions.db"))
	default:
		return storage.NewFileStore(cfg.Storage.DataDir, log)
	}
}

// messageObserver records one span per backend message, keyed by the
// message's canonical form so identical messages share a digest. No-op
// overhead when tracing is not configured.
func messageObserver(tracer trace.Tracer) session.Observer {
	return func(sessionID string, msg message.UnifiedMessage) {
		attrs := []attribute.KeyValue{
			attribute.String("session.id", sessionID),
			attribute.String("message.type", string(msg.Type)),
		}
		if canonical, err := message.Canonicalize(msg); err == nil {
			digest := sha256.Sum256(canonical)
			attrs = append(attrs,
				attribute.String("message.digest", hex.EncodeToString(digest[:])),
				attribute.Int("message.size", len(canonical)),
			)
		}
		_, span := tracer.Start(context.Background(), "backend.message",
			trace.WithAttributes(attrs...))
		span.End()
	}
}

// registerAdapters installs a factory per configured backend family.
func registerAdapters(cfg *config.Config, resolver *adapter.Resolver, supervisor *process.Supervisor, log *logger.Logger) {
	if len(cfg.Adapters.ACPCommand) > 0 {
		command := cfg.Adapters.ACPCommand
		resolver.Register("acp", func() (adapter.BackendAdapter, error) {
			return acp.New(acp.Config{Command: command}, supervisor, log), nil
		})
	}
	if cfg.Adapters.CodexURL != "" {
		url, command := cfg.Adapters.CodexURL, cfg.Adapters.CodexCommand
		resolver.Register("codexws", func() (adapter.BackendAdapter, error) {
			return codexws.New(codexws.Config{URL: url, Command: command}, supervisor, log), nil
		})
	}
	if cfg.Adapters.OpencodeURL != "" {
		ocCfg := opencode.Config{
			BaseURL:  cfg.Adapters.OpencodeURL,
			Username: cfg.Adapters.OpencodeUsername,
			Password: cfg.Adapters.OpencodePassword,
		}
		resolver.Register("opencode", func() (adapter.BackendAdapter, error) {
			return opencode.New(ocCfg, log), nil
		})
	}
	if cfg.Adapters.EnableMock {
		resolver.Register("mock", func() (adapter.BackendAdapter, error) {
			return adapter.NewMockAdapter(), nil
		})
	}
}

// startControlAPI binds the loopback management surface and writes
// daemon.json so local clients can find and authenticate to it.
func startControlAPI(cfg *config.Config, coord *coordinator.Coordinator, log *logger.Logger) (*http.Server, error) {
	token, err := gateway.NewToken()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Control.Port))
	if err != nil {
		return nil, fmt.Errorf("control listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	gateway.NewControlAPI(coord, token, log).Register(router)

	server := &http.Server{Handler: router}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control API failed", zap.Error(err))
		}
	}()

	info := gateway.DaemonInfo{
		PID:       os.Getpid(),
		Port:      port,
		Token:     token,
		StartedAt: time.Now(),
	}
	if err := gateway.WriteDaemonInfo(filepath.Join(cfg.Storage.DataDir, "daemon.json"), info); err != nil {
		return nil, err
	}
	log.Info("control API listening", zap.Int("port", port))
	return server, nil
}
