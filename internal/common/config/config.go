// Package config provides configuration management for sprintd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for sprintd.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Sprints SprintsConfig `mapstructure:"sprints"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Git     GitConfig     `mapstructure:"git"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds broker connection configuration. An empty URL means no
// external broker; the orchestrator then starts degraded (see QueueConfig).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	ReconnectWait int    `mapstructure:"reconnectWait"` // in seconds
}

// QueueConfig holds job-queue binding configuration.
type QueueConfig struct {
	// MemoryFallback substitutes an in-process queue engine when the broker
	// is unreachable. Jobs lose cross-restart durability in that mode;
	// without it, sprint execution endpoints refuse while degraded.
	MemoryFallback bool `mapstructure:"memoryFallback"`
	MaxAttempts    int  `mapstructure:"maxAttempts"`
	BackoffBase    int  `mapstructure:"backoffBase"`  // in seconds
	BackoffMax     int  `mapstructure:"backoffMax"`   // in seconds
	DedupeWindow   int  `mapstructure:"dedupeWindow"` // in seconds
}

// SprintsConfig holds sprint pipeline configuration.
type SprintsConfig struct {
	Root               string `mapstructure:"root"` // directory holding per-sprint state
	DeveloperPool      int    `mapstructure:"developerPool"`
	MaxReviewCycles    int    `mapstructure:"maxReviewCycles"`
	AutonomyDefault    string `mapstructure:"autonomyDefault"`
	AutoLocalMerge     bool   `mapstructure:"autoLocalMerge"` // full-auto merges locally without approval
	StaleTaskThreshold int    `mapstructure:"staleTaskThreshold"` // in seconds
}

// AgentConfig holds agent CLI configuration. Models, Budgets and MaxTurns
// are keyed by role (researcher, planner, developer, tester, reviewer, pr).
type AgentConfig struct {
	Binary     string            `mapstructure:"binary"`
	ConfigPath string            `mapstructure:"configPath"` // optional agents.yaml override file
	Models     map[string]string `mapstructure:"models"`
	Budgets    map[string]string `mapstructure:"budgets"`
	MaxTurns   map[string]int    `mapstructure:"maxTurns"`
}

// GitConfig holds git CLI configuration.
type GitConfig struct {
	Binary     string `mapstructure:"binary"`
	MainBranch string `mapstructure:"mainBranch"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReconnectWaitDuration returns the reconnect wait as a time.Duration.
func (n *NATSConfig) ReconnectWaitDuration() time.Duration {
	return time.Duration(n.ReconnectWait) * time.Second
}

// BackoffBaseDuration returns the base retry delay as a time.Duration.
func (q *QueueConfig) BackoffBaseDuration() time.Duration {
	return time.Duration(q.BackoffBase) * time.Second
}

// BackoffMaxDuration returns the retry delay ceiling as a time.Duration.
func (q *QueueConfig) BackoffMaxDuration() time.Duration {
	return time.Duration(q.BackoffMax) * time.Second
}

// DedupeWindowDuration returns the idempotency-key window as a time.Duration.
func (q *QueueConfig) DedupeWindowDuration() time.Duration {
	return time.Duration(q.DedupeWindow) * time.Second
}

// StaleTaskThresholdDuration returns the in-progress age after which the
// watcher flags a task.
func (s *SprintsConfig) StaleTaskThresholdDuration() time.Duration {
	return time.Duration(s.StaleTaskThreshold) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SPRINTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means degraded mode (no external broker)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.reconnectWait", 2)

	// Queue defaults
	v.SetDefault("queue.memoryFallback", true)
	v.SetDefault("queue.maxAttempts", 3)
	v.SetDefault("queue.backoffBase", 5)
	v.SetDefault("queue.backoffMax", 120)
	v.SetDefault("queue.dedupeWindow", 600)

	// Sprint defaults
	v.SetDefault("sprints.root", "sprints")
	v.SetDefault("sprints.developerPool", 5)
	v.SetDefault("sprints.maxReviewCycles", 3)
	v.SetDefault("sprints.autonomyDefault", "supervised")
	v.SetDefault("sprints.autoLocalMerge", false)
	v.SetDefault("sprints.staleTaskThreshold", 1800)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.configPath", "")
	v.SetDefault("agent.models", map[string]string{})
	v.SetDefault("agent.budgets", map[string]string{})
	v.SetDefault("agent.maxTurns", map[string]int{})

	// Git defaults
	v.SetDefault("git.binary", "git")
	v.SetDefault("git.mainBranch", "main")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SPRINTD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/sprintd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SPRINTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so we
	// bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.readTimeout", "SPRINTD_SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.writeTimeout", "SPRINTD_SERVER_WRITE_TIMEOUT")
	_ = v.BindEnv("nats.maxReconnects", "SPRINTD_NATS_MAX_RECONNECTS")
	_ = v.BindEnv("nats.reconnectWait", "SPRINTD_NATS_RECONNECT_WAIT")
	_ = v.BindEnv("queue.memoryFallback", "SPRINTD_QUEUE_MEMORY_FALLBACK")
	_ = v.BindEnv("queue.maxAttempts", "SPRINTD_QUEUE_MAX_ATTEMPTS")
	_ = v.BindEnv("queue.backoffBase", "SPRINTD_QUEUE_BACKOFF_BASE")
	_ = v.BindEnv("queue.backoffMax", "SPRINTD_QUEUE_BACKOFF_MAX")
	_ = v.BindEnv("queue.dedupeWindow", "SPRINTD_QUEUE_DEDUPE_WINDOW")
	_ = v.BindEnv("sprints.developerPool", "SPRINTD_SPRINTS_DEVELOPER_POOL")
	_ = v.BindEnv("sprints.maxReviewCycles", "SPRINTD_SPRINTS_MAX_REVIEW_CYCLES")
	_ = v.BindEnv("sprints.autonomyDefault", "SPRINTD_SPRINTS_AUTONOMY_DEFAULT")
	_ = v.BindEnv("sprints.autoLocalMerge", "SPRINTD_SPRINTS_AUTO_LOCAL_MERGE")
	_ = v.BindEnv("sprints.staleTaskThreshold", "SPRINTD_SPRINTS_STALE_TASK_THRESHOLD")
	_ = v.BindEnv("agent.configPath", "SPRINTD_AGENT_CONFIG")
	_ = v.BindEnv("git.mainBranch", "SPRINTD_GIT_MAIN_BRANCH")
	_ = v.BindEnv("logging.outputPath", "SPRINTD_LOGGING_OUTPUT_PATH")

	// Per-role agent overrides
	for _, role := range []string{"researcher", "planner", "developer", "tester", "reviewer", "pr"} {
		upper := strings.ToUpper(role)
		_ = v.BindEnv("agent.models."+role, "SPRINTD_AGENT_MODEL_"+upper)
		_ = v.BindEnv("agent.budgets."+role, "SPRINTD_AGENT_BUDGET_"+upper)
		_ = v.BindEnv("agent.maxTurns."+role, "SPRINTD_AGENT_MAX_TURNS_"+upper)
	}

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sprintd/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.maxAttempts must be at least 1")
	}
	if cfg.Queue.BackoffBase <= 0 {
		errs = append(errs, "queue.backoffBase must be positive")
	}
	if cfg.Queue.BackoffMax < cfg.Queue.BackoffBase {
		errs = append(errs, "queue.backoffMax must be >= queue.backoffBase")
	}

	if cfg.Sprints.Root == "" {
		errs = append(errs, "sprints.root is required")
	}
	if cfg.Sprints.DeveloperPool < 1 || cfg.Sprints.DeveloperPool > 5 {
		errs = append(errs, "sprints.developerPool must be between 1 and 5")
	}
	if cfg.Sprints.MaxReviewCycles < 1 {
		errs = append(errs, "sprints.maxReviewCycles must be at least 1")
	}
	switch cfg.Sprints.AutonomyDefault {
	case "supervised", "semi-auto", "full-auto":
	default:
		errs = append(errs, "sprints.autonomyDefault must be one of: supervised, semi-auto, full-auto")
	}
	if cfg.Sprints.StaleTaskThreshold <= 0 {
		errs = append(errs, "sprints.staleTaskThreshold must be positive")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Git.Binary == "" {
		errs = append(errs, "git.binary is required")
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
