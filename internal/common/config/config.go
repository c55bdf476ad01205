// Package config provides configuration management for Sibyl.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Sibyl.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Meta         MetaConfig         `mapstructure:"meta"`
	Approval     ApprovalConfig     `mapstructure:"approval"`
	Sandbox      SandboxConfig      `mapstructure:"sandbox"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Backup       BackupConfig       `mapstructure:"backup"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// DatabaseConfig holds the operational SQL store configuration.
// Driver is "postgres" or "sqlite"; sqlite is the embedded dev/test backend.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// NATSConfig holds pub/sub bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RedisConfig holds the K/V bus configuration.
// An empty Addr selects the in-memory K/V store (single-process mode;
// approval recovery across restarts requires a real Redis).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AgentConfig holds agent runner configuration.
type AgentConfig struct {
	// Command is the agent subprocess binary; it must speak the JSONL
	// stream protocol on stdin/stdout.
	Command string `mapstructure:"command"`
	// HeartbeatIntervalSeconds is how often a streaming agent writes
	// heartbeat rows to the operational store.
	HeartbeatIntervalSeconds int `mapstructure:"heartbeatIntervalSeconds"`
	// StopPollMillis is the stop-signal watcher poll interval.
	StopPollMillis int `mapstructure:"stopPollMillis"`
	// StaleThresholdSeconds is the heartbeat age beyond which an agent
	// counts as stale.
	StaleThresholdSeconds int `mapstructure:"staleThresholdSeconds"`
	// HealthIntervalSeconds is how often the health loop scans for stale agents.
	HealthIntervalSeconds int `mapstructure:"healthIntervalSeconds"`
	// HooksPath is an optional user hooks file merged with the built-in hooks.
	HooksPath string `mapstructure:"hooksPath"`
}

// OrchestratorConfig holds task orchestrator defaults.
type OrchestratorConfig struct {
	MaxReworkAttempts  int `mapstructure:"maxReworkAttempts"`
	GateTimeoutSeconds int `mapstructure:"gateTimeoutSeconds"`
}

// MetaConfig holds meta orchestrator defaults.
type MetaConfig struct {
	MaxConcurrent      int     `mapstructure:"maxConcurrent"`
	CostAlertThreshold float64 `mapstructure:"costAlertThreshold"`
	QueueSize          int     `mapstructure:"queueSize"`
}

// ApprovalConfig holds approval queue configuration.
type ApprovalConfig struct {
	DefaultExpirySeconds int `mapstructure:"defaultExpirySeconds"`
	MirrorTTLHours       int `mapstructure:"mirrorTtlHours"`
	DefaultWaitSeconds   int `mapstructure:"defaultWaitSeconds"`
}

// SandboxConfig holds sandbox plane configuration.
type SandboxConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Runtime     string `mapstructure:"runtime"` // kubernetes, docker
	K8sRequired bool   `mapstructure:"k8sRequired"`
	Namespace   string `mapstructure:"namespace"`
	Image       string `mapstructure:"image"`
	Kubeconfig  string `mapstructure:"kubeconfig"`

	ReconcileIntervalSeconds int `mapstructure:"reconcileIntervalSeconds"`
	DispatchTTLSeconds       int `mapstructure:"dispatchTtlSeconds"`
	AckTTLSeconds            int `mapstructure:"ackTtlSeconds"`
	MaxAttempts              int `mapstructure:"maxAttempts"`
	ReapIntervalSeconds      int `mapstructure:"reapIntervalSeconds"`
}

// JobsConfig holds job runtime configuration.
type JobsConfig struct {
	Queue       string `mapstructure:"queue"`
	Concurrency int    `mapstructure:"concurrency"`
}

// BackupConfig holds backup job configuration.
type BackupConfig struct {
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retentionDays"`
	PgDumpPath    string `mapstructure:"pgDumpPath"`
}

// WorktreeConfig holds worktree allocation configuration.
type WorktreeConfig struct {
	BasePath      string `mapstructure:"basePath"`
	DefaultBranch string `mapstructure:"defaultBranch"`
	RepoPath      string `mapstructure:"repoPath"`
}

// LLMConfig holds the best-effort LLM decoration configuration.
// Disabled (empty APIKey) is a fully supported mode; all LLM paths degrade.
type LLMConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HeartbeatInterval returns the agent heartbeat interval as a time.Duration.
func (a *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(a.HeartbeatIntervalSeconds) * time.Second
}

// StopPollInterval returns the stop watcher poll interval as a time.Duration.
func (a *AgentConfig) StopPollInterval() time.Duration {
	return time.Duration(a.StopPollMillis) * time.Millisecond
}

// StaleThreshold returns the heartbeat staleness threshold as a time.Duration.
func (a *AgentConfig) StaleThreshold() time.Duration {
	return time.Duration(a.StaleThresholdSeconds) * time.Second
}

// HealthInterval returns the health loop interval as a time.Duration.
func (a *AgentConfig) HealthInterval() time.Duration {
	return time.Duration(a.HealthIntervalSeconds) * time.Second
}

// GateTimeout returns the per-gate command timeout as a time.Duration.
func (o *OrchestratorConfig) GateTimeout() time.Duration {
	return time.Duration(o.GateTimeoutSeconds) * time.Second
}

// DefaultExpiry returns the approval expiry as a time.Duration.
func (a *ApprovalConfig) DefaultExpiry() time.Duration {
	return time.Duration(a.DefaultExpirySeconds) * time.Second
}

// MirrorTTL returns the K/V mirror TTL as a time.Duration.
func (a *ApprovalConfig) MirrorTTL() time.Duration {
	return time.Duration(a.MirrorTTLHours) * time.Hour
}

// ReconcileInterval returns the sandbox reconcile interval as a time.Duration.
func (s *SandboxConfig) ReconcileInterval() time.Duration {
	return time.Duration(s.ReconcileIntervalSeconds) * time.Second
}

// DispatchTTL returns the dispatched-not-acked lease as a time.Duration.
func (s *SandboxConfig) DispatchTTL() time.Duration {
	return time.Duration(s.DispatchTTLSeconds) * time.Second
}

// AckTTL returns the acked-not-completed lease as a time.Duration.
func (s *SandboxConfig) AckTTL() time.Duration {
	return time.Duration(s.AckTTLSeconds) * time.Second
}

// ReapInterval returns the reaper scan interval as a time.Duration.
func (s *SandboxConfig) ReapInterval() time.Duration {
	return time.Duration(s.ReapIntervalSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("SIBYL_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults - sqlite keeps single-binary dev mode working
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sibyl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "sibyl")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.sqlitePath", "~/.sibyl/sibyl.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sibyl")
	v.SetDefault("nats.maxReconnects", 10)

	// Redis defaults - empty addr means use in-memory K/V store
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Agent runner defaults
	v.SetDefault("agent.command", "sibyl-agent")
	v.SetDefault("agent.heartbeatIntervalSeconds", 30)
	v.SetDefault("agent.stopPollMillis", 200)
	v.SetDefault("agent.staleThresholdSeconds", 120)
	v.SetDefault("agent.healthIntervalSeconds", 60)
	v.SetDefault("agent.hooksPath", "")

	// Task orchestrator defaults
	v.SetDefault("orchestrator.maxReworkAttempts", 3)
	v.SetDefault("orchestrator.gateTimeoutSeconds", 300)

	// Meta orchestrator defaults
	v.SetDefault("meta.maxConcurrent", 3)
	v.SetDefault("meta.costAlertThreshold", 0.8)
	v.SetDefault("meta.queueSize", 1000)

	// Approval queue defaults
	v.SetDefault("approval.defaultExpirySeconds", 86400)  // 24h
	v.SetDefault("approval.mirrorTtlHours", 48)
	v.SetDefault("approval.defaultWaitSeconds", 300)

	// Sandbox plane defaults
	v.SetDefault("sandbox.enabled", false)
	v.SetDefault("sandbox.runtime", "kubernetes")
	v.SetDefault("sandbox.k8sRequired", false)
	v.SetDefault("sandbox.namespace", "sibyl-sandboxes")
	v.SetDefault("sandbox.image", "")
	v.SetDefault("sandbox.kubeconfig", "")
	v.SetDefault("sandbox.reconcileIntervalSeconds", 20)
	v.SetDefault("sandbox.dispatchTtlSeconds", 300)
	v.SetDefault("sandbox.ackTtlSeconds", 1800)
	v.SetDefault("sandbox.maxAttempts", 3)
	v.SetDefault("sandbox.reapIntervalSeconds", 60)

	// Job runtime defaults
	v.SetDefault("jobs.queue", "default")
	v.SetDefault("jobs.concurrency", 4)

	// Backup defaults
	v.SetDefault("backup.dir", "~/.sibyl/backups")
	v.SetDefault("backup.retentionDays", 30)
	v.SetDefault("backup.pgDumpPath", "pg_dump")

	// Worktree defaults
	v.SetDefault("worktree.basePath", "~/.sibyl/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.repoPath", "")

	// LLM defaults - empty key disables decoration, never required
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.maxTokens", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SIBYL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./config, or /etc/sibyl/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SIBYL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("database.sqlitePath", "SIBYL_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("llm.apiKey", "ANTHROPIC_API_KEY", "SIBYL_LLM_API_KEY")
	_ = v.BindEnv("sandbox.k8sRequired", "SIBYL_SANDBOX_K8S_REQUIRED")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/sibyl/")

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

	expandPaths(&cfg)

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			errs = append(errs, "database.sqlitePath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Orchestrator.MaxReworkAttempts < 0 {
		errs = append(errs, "orchestrator.maxReworkAttempts must not be negative")
	}
	if cfg.Meta.MaxConcurrent <= 0 {
		errs = append(errs, "meta.maxConcurrent must be positive")
	}
	if cfg.Meta.CostAlertThreshold <= 0 || cfg.Meta.CostAlertThreshold > 1 {
		errs = append(errs, "meta.costAlertThreshold must be in (0, 1]")
	}
	if cfg.Sandbox.Enabled {
		switch cfg.Sandbox.Runtime {
		case "kubernetes", "docker":
		default:
			errs = append(errs, "sandbox.runtime must be one of: kubernetes, docker")
		}
		if cfg.Sandbox.Image == "" {
			errs = append(errs, "sandbox.image is required when the sandbox plane is enabled")
		}
	}
	if cfg.Jobs.Queue == "" {
		errs = append(errs, "jobs.queue must not be empty")
	}
	if cfg.Jobs.Concurrency <= 0 {
		errs = append(errs, "jobs.concurrency must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// expandPaths resolves ~ in path-valued settings.
func expandPaths(cfg *Config) {
	cfg.Database.SQLitePath = expandHome(cfg.Database.SQLitePath)
	cfg.Backup.Dir = expandHome(cfg.Backup.Dir)
	cfg.Worktree.BasePath = expandHome(cfg.Worktree.BasePath)
	cfg.Sandbox.Kubeconfig = expandHome(cfg.Sandbox.Kubeconfig)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home + strings.TrimPrefix(path, "~")
	}
	return path
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
