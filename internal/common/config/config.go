// Package config provides configuration management for the gateway.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the gateway.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Control  ControlConfig  `mapstructure:"control"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Session  SessionConfig  `mapstructure:"session"`
	Process  ProcessConfig  `mapstructure:"process"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Adapters AdaptersConfig `mapstructure:"adapters"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds the consumer WebSocket server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	APIKey         string   `mapstructure:"apiKey"`         // empty disables token auth
	AllowedOrigins []string `mapstructure:"allowedOrigins"` // empty allows all origins
	ReadTimeout    int      `mapstructure:"readTimeout"`    // in seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"`   // in seconds
}

// ControlConfig holds the loopback control API configuration.
type ControlConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"` // 0 picks a random port
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SessionConfig holds per-session runtime tunables.
type SessionConfig struct {
	HistorySize          int `mapstructure:"historySize"`          // replay ring capacity
	IdleTimeoutMin       int `mapstructure:"idleTimeoutMin"`       // idle reaper threshold
	ReconnectGraceSec    int `mapstructure:"reconnectGraceSec"`    // reconnect watchdog grace
	PermissionTimeoutSec int `mapstructure:"permissionTimeoutSec"` // pending permission expiry
	RateBurst            int `mapstructure:"rateBurst"`            // per-socket token bucket burst
	RatePerSec           int `mapstructure:"ratePerSec"`           // per-socket refill rate
	MaxMessageBytes      int `mapstructure:"maxMessageBytes"`      // consumer frame size cap
}

// ProcessConfig holds subprocess supervision tunables.
type ProcessConfig struct {
	KillGraceSec     int `mapstructure:"killGraceSec"`     // SIGTERM to SIGKILL escalation
	CrashThresholdMs int `mapstructure:"crashThresholdMs"` // exit under this uptime counts as a crash
	BreakerLimit     int `mapstructure:"breakerLimit"`     // consecutive crashes before the breaker opens
}

// StorageConfig holds session persistence configuration.
type StorageConfig struct {
	DataDir string `mapstructure:"dataDir"`
	Driver  string `mapstructure:"driver"` // json or sqlite
}

// AdaptersConfig selects and configures the backend families the daemon
// registers at startup. A family with no configuration is left unregistered.
type AdaptersConfig struct {
	// Default is the family used when a create request names none.
	Default string `mapstructure:"default"`

	// ACPCommand is the argv spawned per ACP session.
	ACPCommand []string `mapstructure:"acpCommand"`

	// CodexURL is the app-server WebSocket endpoint; CodexCommand, when set,
	// is spawned once if the first dial fails.
	CodexURL     string   `mapstructure:"codexUrl"`
	CodexCommand []string `mapstructure:"codexCommand"`

	// Opencode server settings.
	OpencodeURL      string `mapstructure:"opencodeUrl"`
	OpencodeUsername string `mapstructure:"opencodeUsername"`
	OpencodePassword string `mapstructure:"opencodePassword"`

	// EnableMock registers the in-memory echo backend, for development.
	EnableMock bool `mapstructure:"enableMock"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry export configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint host:port
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeout returns the idle reaper threshold as a time.Duration.
func (s *SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMin) * time.Minute
}

// ReconnectGrace returns the reconnect watchdog grace as a time.Duration.
func (s *SessionConfig) ReconnectGrace() time.Duration {
	return time.Duration(s.ReconnectGraceSec) * time.Second
}

// PermissionTimeout returns the pending permission expiry as a time.Duration.
func (s *SessionConfig) PermissionTimeout() time.Duration {
	return time.Duration(s.PermissionTimeoutSec) * time.Second
}

// KillGrace returns the SIGTERM-to-SIGKILL grace as a time.Duration.
func (p *ProcessConfig) KillGrace() time.Duration {
	return time.Duration(p.KillGraceSec) * time.Second
}

// CrashThreshold returns the crash uptime threshold as a time.Duration.
func (p *ProcessConfig) CrashThreshold() time.Duration {
	return time.Duration(p.CrashThresholdMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8137)
	v.SetDefault("server.apiKey", "")
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.port", 0)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "coderelay")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("session.historySize", 500)
	v.SetDefault("session.idleTimeoutMin", 30)
	v.SetDefault("session.reconnectGraceSec", 30)
	v.SetDefault("session.permissionTimeoutSec", 120)
	v.SetDefault("session.rateBurst", 20)
	v.SetDefault("session.ratePerSec", 10)
	v.SetDefault("session.maxMessageBytes", 256*1024)

	v.SetDefault("process.killGraceSec", 5)
	v.SetDefault("process.crashThresholdMs", 100)
	v.SetDefault("process.breakerLimit", 5)

	v.SetDefault("storage.dataDir", defaultDataDir())
	v.SetDefault("storage.driver", "json")

	v.SetDefault("adapters.default", "mock")
	v.SetDefault("adapters.enableMock", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODERELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coderelay"
	}
	return filepath.Join(home, ".coderelay")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODERELAY_ with snake_case naming.
// The config file is config.yaml in the current directory or /etc/coderelay/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODERELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not convert camelCase config keys to SNAKE_CASE,
	// so bind the keys where the naming differs.
	_ = v.BindEnv("server.apiKey", "CODERELAY_SERVER_API_KEY")
	_ = v.BindEnv("storage.dataDir", "CODERELAY_DATA_DIR", "CODERELAY_STORAGE_DATA_DIR")
	_ = v.BindEnv("nats.url", "CODERELAY_NATS_URL")
	_ = v.BindEnv("tracing.endpoint", "CODERELAY_TRACING_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coderelay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Control.Port < 0 || cfg.Control.Port > 65535 {
		errs = append(errs, "control.port must be between 0 and 65535")
	}

	if cfg.Session.HistorySize <= 0 {
		errs = append(errs, "session.historySize must be positive")
	}
	if cfg.Session.MaxMessageBytes <= 0 {
		errs = append(errs, "session.maxMessageBytes must be positive")
	}

	if cfg.Process.BreakerLimit <= 0 {
		errs = append(errs, "process.breakerLimit must be positive")
	}

	switch cfg.Storage.Driver {
	case "json", "sqlite":
	default:
		errs = append(errs, "storage.driver must be one of: json, sqlite")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
