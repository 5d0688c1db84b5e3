// Package config provides configuration management for kbot.
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

// Config holds all configuration sections for kbot.
type Config struct {
	DataDir    string           `mapstructure:"dataDir"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Session    SessionConfig    `mapstructure:"session"`
	Usage      UsageConfig      `mapstructure:"usage"`
	Restore    RestoreConfig    `mapstructure:"restore"`
	Shadow     ShadowConfig     `mapstructure:"shadow"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SupervisorConfig holds parent-process supervision configuration.
type SupervisorConfig struct {
	ChildPath         string `mapstructure:"childPath"`         // child executable; empty = re-exec self
	ShutdownTimeoutMs int    `mapstructure:"shutdownTimeoutMs"` // graceful shutdown wait (default 30000)
	MinBackoffMs      int    `mapstructure:"minBackoffMs"`      // respawn backoff floor (default 1000)
	MaxBackoffMs      int    `mapstructure:"maxBackoffMs"`      // respawn backoff ceiling (default 60000)
	CheckpointTTLH    int    `mapstructure:"checkpointTtlH"`    // checkpoint file TTL in hours (default 24)
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	Command              []string `mapstructure:"command"`              // agent argv
	WorkDir              string   `mapstructure:"workDir"`              // agent working directory
	MaxConcurrentSpawns  int      `mapstructure:"maxConcurrentSpawns"`  // default 1
	ShutdownTimeoutS     int      `mapstructure:"shutdownTimeoutS"`     // default 10
	HealthCheckIntervalS int      `mapstructure:"healthCheckIntervalS"` // default 30
	FailureThreshold     int      `mapstructure:"failureThreshold"`     // consecutive probe failures (default 3)
	MinBackoffMs         int      `mapstructure:"minBackoffMs"`         // recovery backoff floor (default 1000)
	MaxBackoffMs         int      `mapstructure:"maxBackoffMs"`         // recovery backoff ceiling (default 60000)
	LoopPollIntervalMs   int      `mapstructure:"loopPollIntervalMs"`   // autonomous loop poll (default 5000)
	LoopErrorThreshold   int      `mapstructure:"loopErrorThreshold"`   // circuit trip threshold (default 3)
	LoopCooldownMs       int      `mapstructure:"loopCooldownMs"`       // circuit cooldown (default 60000)
	IdentityPrompt       string   `mapstructure:"identityPrompt"`       // system prompt for brand-new conversations
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	RotationThreshold float64 `mapstructure:"rotationThreshold"` // context usage fraction (default 0.70)
}

// UsageConfig holds context usage tracker configuration.
type UsageConfig struct {
	TimeoutS          int `mapstructure:"timeoutS"`          // /usage response wait (default 10)
	DebounceIntervalS int `mapstructure:"debounceIntervalS"` // cache window (default 30)
}

// RestoreConfig holds context restoration configuration.
type RestoreConfig struct {
	MaxContextTokens int     `mapstructure:"maxContextTokens"` // default 200000
	BudgetFraction   float64 `mapstructure:"budgetFraction"`   // default 0.30
	MarginFraction   float64 `mapstructure:"marginFraction"`   // default 0.05
	CharsPerToken    int     `mapstructure:"charsPerToken"`    // default 4
	MaxTurnChars     int     `mapstructure:"maxTurnChars"`     // default 40000
}

// ShadowConfig holds git shadow-branch durability configuration.
type ShadowConfig struct {
	Enabled      bool   `mapstructure:"enabled"`      // default true
	Branch       string `mapstructure:"branch"`       // default kbot-memory
	MaxEvents    int    `mapstructure:"maxEvents"`    // events per batch commit (default 100)
	MaxIntervalS int    `mapstructure:"maxIntervalS"` // seconds between forced commits (default 300)
}

// EscalationConfig holds human-escalation configuration.
type EscalationConfig struct {
	TimeoutS int    `mapstructure:"timeoutS"` // acknowledgment window (default 300)
	Fallback string `mapstructure:"fallback"` // retry, pause, fail (default pause)
}

// NATSConfig holds NATS messaging configuration.
// Empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ShutdownTimeout returns the supervisor graceful-shutdown wait as a Duration.
func (s *SupervisorConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// MinBackoff returns the supervisor respawn backoff floor as a Duration.
func (s *SupervisorConfig) MinBackoff() time.Duration {
	return time.Duration(s.MinBackoffMs) * time.Millisecond
}

// MaxBackoff returns the supervisor respawn backoff ceiling as a Duration.
func (s *SupervisorConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMs) * time.Millisecond
}

// CheckpointTTL returns the checkpoint file TTL as a Duration.
func (s *SupervisorConfig) CheckpointTTL() time.Duration {
	return time.Duration(s.CheckpointTTLH) * time.Hour
}

// ShutdownTimeout returns the agent graceful-shutdown wait as a Duration.
func (a *AgentConfig) ShutdownTimeout() time.Duration {
	return time.Duration(a.ShutdownTimeoutS) * time.Second
}

// HealthCheckInterval returns the probe period as a Duration.
func (a *AgentConfig) HealthCheckInterval() time.Duration {
	return time.Duration(a.HealthCheckIntervalS) * time.Second
}

// MinBackoff returns the recovery backoff floor as a Duration.
func (a *AgentConfig) MinBackoff() time.Duration {
	return time.Duration(a.MinBackoffMs) * time.Millisecond
}

// MaxBackoff returns the recovery backoff ceiling as a Duration.
func (a *AgentConfig) MaxBackoff() time.Duration {
	return time.Duration(a.MaxBackoffMs) * time.Millisecond
}

// LoopPollInterval returns the autonomous loop poll period as a Duration.
func (a *AgentConfig) LoopPollInterval() time.Duration {
	return time.Duration(a.LoopPollIntervalMs) * time.Millisecond
}

// LoopCooldown returns the circuit-breaker cooldown as a Duration.
func (a *AgentConfig) LoopCooldown() time.Duration {
	return time.Duration(a.LoopCooldownMs) * time.Millisecond
}

// Timeout returns the /usage response wait as a Duration.
func (u *UsageConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutS) * time.Second
}

// DebounceInterval returns the usage cache window as a Duration.
func (u *UsageConfig) DebounceInterval() time.Duration {
	return time.Duration(u.DebounceIntervalS) * time.Second
}

// MaxInterval returns the shadow batch-commit interval as a Duration.
func (s *ShadowConfig) MaxInterval() time.Duration {
	return time.Duration(s.MaxIntervalS) * time.Second
}

// Timeout returns the escalation acknowledgment window as a Duration.
func (e *EscalationConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutS) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", ".kbot")

	// Supervisor defaults
	v.SetDefault("supervisor.childPath", "")
	v.SetDefault("supervisor.shutdownTimeoutMs", 30000)
	v.SetDefault("supervisor.minBackoffMs", 1000)
	v.SetDefault("supervisor.maxBackoffMs", 60000)
	v.SetDefault("supervisor.checkpointTtlH", 24)

	// Agent defaults
	v.SetDefault("agent.command", []string{})
	v.SetDefault("agent.workDir", "")
	v.SetDefault("agent.maxConcurrentSpawns", 1)
	v.SetDefault("agent.shutdownTimeoutS", 10)
	v.SetDefault("agent.healthCheckIntervalS", 30)
	v.SetDefault("agent.failureThreshold", 3)
	v.SetDefault("agent.minBackoffMs", 1000)
	v.SetDefault("agent.maxBackoffMs", 60000)
	v.SetDefault("agent.loopPollIntervalMs", 5000)
	v.SetDefault("agent.loopErrorThreshold", 3)
	v.SetDefault("agent.loopCooldownMs", 60000)
	v.SetDefault("agent.identityPrompt", "")

	// Session defaults
	v.SetDefault("session.rotationThreshold", 0.70)

	// Usage defaults
	v.SetDefault("usage.timeoutS", 10)
	v.SetDefault("usage.debounceIntervalS", 30)

	// Restore defaults
	v.SetDefault("restore.maxContextTokens", 200000)
	v.SetDefault("restore.budgetFraction", 0.30)
	v.SetDefault("restore.marginFraction", 0.05)
	v.SetDefault("restore.charsPerToken", 4)
	v.SetDefault("restore.maxTurnChars", 40000)

	// Shadow defaults
	v.SetDefault("shadow.enabled", true)
	v.SetDefault("shadow.branch", "kbot-memory")
	v.SetDefault("shadow.maxEvents", 100)
	v.SetDefault("shadow.maxIntervalS", 300)

	// Escalation defaults
	v.SetDefault("escalation.timeoutS", 300)
	v.SetDefault("escalation.fallback", "pause")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kbot-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// detectDefaultLogFormat returns "json" for supervised/production processes
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("SUPERVISED") == "1" {
		return "json"
	}
	if env := os.Getenv("KYNETIC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KYNETIC_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kbot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KYNETIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("dataDir", "KYNETIC_DATA_DIR")
	_ = v.BindEnv("supervisor.childPath", "KYNETIC_SUPERVISOR_CHILD_PATH")
	_ = v.BindEnv("agent.workDir", "KYNETIC_AGENT_WORK_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kbot/")

	// Read config file (ignore if not found)
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

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir must not be empty")
	}

	if cfg.Supervisor.ShutdownTimeoutMs <= 0 {
		errs = append(errs, "supervisor.shutdownTimeoutMs must be positive")
	}
	if cfg.Supervisor.MinBackoffMs <= 0 || cfg.Supervisor.MaxBackoffMs < cfg.Supervisor.MinBackoffMs {
		errs = append(errs, "supervisor backoff bounds must satisfy 0 < min <= max")
	}

	if cfg.Agent.MaxConcurrentSpawns <= 0 {
		errs = append(errs, "agent.maxConcurrentSpawns must be positive")
	}
	if cfg.Agent.FailureThreshold <= 0 {
		errs = append(errs, "agent.failureThreshold must be positive")
	}
	if cfg.Agent.MinBackoffMs <= 0 || cfg.Agent.MaxBackoffMs < cfg.Agent.MinBackoffMs {
		errs = append(errs, "agent backoff bounds must satisfy 0 < min <= max")
	}

	if cfg.Session.RotationThreshold <= 0 || cfg.Session.RotationThreshold > 1 {
		errs = append(errs, "session.rotationThreshold must be in (0, 1]")
	}

	if cfg.Restore.BudgetFraction <= 0 || cfg.Restore.BudgetFraction > 1 {
		errs = append(errs, "restore.budgetFraction must be in (0, 1]")
	}
	if cfg.Restore.CharsPerToken <= 0 {
		errs = append(errs, "restore.charsPerToken must be positive")
	}

	if cfg.Shadow.MaxEvents <= 0 {
		errs = append(errs, "shadow.maxEvents must be positive")
	}

	switch cfg.Escalation.Fallback {
	case "retry", "pause", "fail":
	default:
		errs = append(errs, "escalation.fallback must be one of: retry, pause, fail")
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

// CheckpointDir returns the supervisor checkpoint directory under the data dir.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.DataDir, "checkpoints")
}

// AgentSessionsDir returns the agent-session store root under the data dir.
func (c *Config) AgentSessionsDir() string {
	return filepath.Join(c.DataDir, "agent-sessions")
}

// ConversationsDir returns the conversation store root under the data dir.
func (c *Config) ConversationsDir() string {
	return filepath.Join(c.DataDir, "conversations")
}
