// Package config provides configuration management for the relaybot broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Templates    TemplatesConfig    `mapstructure:"templates"`
	Platforms    PlatformsConfig    `mapstructure:"platforms"`
	Assistants   AssistantsConfig   `mapstructure:"assistants"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// The default driver is sqlite; postgres fields are used when driver=postgres.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
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

// WorkspaceConfig holds clone and worktree placement configuration.
type WorkspaceConfig struct {
	// Path is the root directory for repository clones (WORKSPACE_PATH).
	Path string `mapstructure:"path"`

	// WorktreeBase overrides the worktree root directory (WORKTREE_BASE).
	// Empty means <canonical repo>/../worktrees. Tilde is expanded.
	WorktreeBase string `mapstructure:"worktreeBase"`

	// MaxWorktreesPerCodebase caps active isolation environments per codebase.
	MaxWorktreesPerCodebase int `mapstructure:"maxWorktreesPerCodebase"`

	// StaleThresholdDays marks environments stale after this many days without activity.
	StaleThresholdDays int `mapstructure:"staleThresholdDays"`

	// CleanupIntervalHours is the background cleanup period.
	CleanupIntervalHours int `mapstructure:"cleanupIntervalHours"`
}

// OrchestratorConfig holds message dispatch configuration.
type OrchestratorConfig struct {
	// MaxConcurrentConversations bounds global in-flight work (MAX_CONCURRENT_CONVERSATIONS).
	MaxConcurrentConversations int `mapstructure:"maxConcurrentConversations"`

	// DefaultAssistant is the AI assistant type for new conversations
	// without a codebase hint (DEFAULT_AI_ASSISTANT).
	DefaultAssistant string `mapstructure:"defaultAssistant"`
}

// TemplatesConfig holds command template seeding configuration.
type TemplatesConfig struct {
	// LoadBuiltins seeds the built-in template set at startup (LOAD_BUILTIN_COMMANDS).
	LoadBuiltins bool `mapstructure:"loadBuiltins"`

	// Dir optionally overrides the built-in template directory.
	Dir string `mapstructure:"dir"`
}

// PlatformsConfig holds per-platform adapter configuration.
// An adapter starts only when its token is set; the test adapter is flag-gated.
type PlatformsConfig struct {
	GitHub   GitHubConfig   `mapstructure:"github"`
	Slack    SlackConfig    `mapstructure:"slack"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Test     TestConfig     `mapstructure:"test"`
}

// GitHubConfig holds the GitHub adapter configuration.
type GitHubConfig struct {
	Token               string `mapstructure:"token"`
	Repos               string `mapstructure:"repos"` // comma-separated owner/repo list to poll
	PollIntervalSeconds int    `mapstructure:"pollIntervalSeconds"`
	AllowedUsers        string `mapstructure:"allowedUsers"`
}

// SlackConfig holds the Slack adapter configuration.
type SlackConfig struct {
	BotToken     string `mapstructure:"botToken"`
	AllowedUsers string `mapstructure:"allowedUsers"`
}

// DiscordConfig holds the Discord adapter configuration.
type DiscordConfig struct {
	BotToken       string `mapstructure:"botToken"`
	AllowedUserIDs string `mapstructure:"allowedUserIds"`
}

// TelegramConfig holds the Telegram adapter configuration.
type TelegramConfig struct {
	BotToken       string `mapstructure:"botToken"`
	AllowedUserIDs string `mapstructure:"allowedUserIds"`
}

// TestConfig holds the in-process test adapter configuration.
type TestConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AssistantsConfig holds per-assistant CLI configuration.
type AssistantsConfig struct {
	ClaudePath   string `mapstructure:"claudePath"`
	CodexPath    string `mapstructure:"codexPath"`
	OpenCodePath string `mapstructure:"opencodePath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CleanupInterval returns the cleanup period as a time.Duration.
func (w *WorkspaceConfig) CleanupInterval() time.Duration {
	return time.Duration(w.CleanupIntervalHours) * time.Hour
}

// StaleThreshold returns the stale threshold as a time.Duration.
func (w *WorkspaceConfig) StaleThreshold() time.Duration {
	return time.Duration(w.StaleThresholdDays) * 24 * time.Hour
}

// SplitList parses a comma-separated allow-list into trimmed entries.
// Empty input yields nil (open list).
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
	if env := os.Getenv("RELAYBOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "relaybot.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relaybot")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "relaybot")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 4)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "relaybot")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Workspace defaults
	v.SetDefault("workspace.path", "/workspace")
	v.SetDefault("workspace.worktreeBase", "")
	v.SetDefault("workspace.maxWorktreesPerCodebase", 25)
	v.SetDefault("workspace.staleThresholdDays", 14)
	v.SetDefault("workspace.cleanupIntervalHours", 6)

	// Orchestrator defaults
	v.SetDefault("orchestrator.maxConcurrentConversations", 10)
	v.SetDefault("orchestrator.defaultAssistant", "claude")

	// Template defaults
	v.SetDefault("templates.loadBuiltins", true)
	v.SetDefault("templates.dir", "")

	// Platform defaults
	v.SetDefault("platforms.github.token", "")
	v.SetDefault("platforms.github.repos", "")
	v.SetDefault("platforms.github.pollIntervalSeconds", 30)
	v.SetDefault("platforms.github.allowedUsers", "")
	v.SetDefault("platforms.slack.botToken", "")
	v.SetDefault("platforms.slack.allowedUsers", "")
	v.SetDefault("platforms.discord.botToken", "")
	v.SetDefault("platforms.discord.allowedUserIds", "")
	v.SetDefault("platforms.telegram.botToken", "")
	v.SetDefault("platforms.telegram.allowedUserIds", "")
	v.SetDefault("platforms.test.enabled", true)

	// Assistant defaults
	v.SetDefault("assistants.claudePath", "claude")
	v.SetDefault("assistants.codexPath", "codex")
	v.SetDefault("assistants.opencodePath", "opencode")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RELAYBOT_ with snake_case naming; the
// documented broker options also bind their canonical unprefixed names
// (WORKSPACE_PATH, MAX_CONCURRENT_CONVERSATIONS, ...).
// Config file should be named config.yaml and placed in the current directory or /etc/relaybot/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RELAYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the canonical env var names. AutomaticEnv does not
	// handle camelCase to SNAKE_CASE conversion, and the broker options are
	// documented without the RELAYBOT_ prefix.
	_ = v.BindEnv("workspace.path", "WORKSPACE_PATH", "RELAYBOT_WORKSPACE_PATH")
	_ = v.BindEnv("workspace.worktreeBase", "WORKTREE_BASE", "RELAYBOT_WORKTREE_BASE")
	_ = v.BindEnv("workspace.maxWorktreesPerCodebase", "MAX_WORKTREES_PER_CODEBASE")
	_ = v.BindEnv("workspace.staleThresholdDays", "STALE_THRESHOLD_DAYS")
	_ = v.BindEnv("workspace.cleanupIntervalHours", "CLEANUP_INTERVAL_HOURS")
	_ = v.BindEnv("orchestrator.maxConcurrentConversations", "MAX_CONCURRENT_CONVERSATIONS")
	_ = v.BindEnv("orchestrator.defaultAssistant", "DEFAULT_AI_ASSISTANT")
	_ = v.BindEnv("templates.loadBuiltins", "LOAD_BUILTIN_COMMANDS")
	_ = v.BindEnv("templates.dir", "BUILTIN_COMMANDS_DIR")
	_ = v.BindEnv("platforms.github.token", "GITHUB_TOKEN")
	_ = v.BindEnv("platforms.github.repos", "GITHUB_REPOS")
	_ = v.BindEnv("platforms.github.pollIntervalSeconds", "GITHUB_POLL_INTERVAL_SECONDS")
	_ = v.BindEnv("platforms.github.allowedUsers", "GITHUB_ALLOWED_USERS")
	_ = v.BindEnv("platforms.slack.botToken", "SLACK_BOT_TOKEN")
	_ = v.BindEnv("platforms.slack.allowedUsers", "SLACK_ALLOWED_USERS")
	_ = v.BindEnv("platforms.discord.botToken", "DISCORD_BOT_TOKEN")
	_ = v.BindEnv("platforms.discord.allowedUserIds", "DISCORD_ALLOWED_USER_IDS")
	_ = v.BindEnv("platforms.telegram.botToken", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("platforms.telegram.allowedUserIds", "TELEGRAM_ALLOWED_USER_IDS")
	_ = v.BindEnv("assistants.claudePath", "CLAUDE_CLI_PATH")
	_ = v.BindEnv("assistants.codexPath", "CODEX_CLI_PATH")
	_ = v.BindEnv("assistants.opencodePath", "OPENCODE_CLI_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relaybot/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Workspace validation
	if cfg.Workspace.Path == "" {
		errs = append(errs, "workspace.path is required")
	}
	if cfg.Workspace.MaxWorktreesPerCodebase <= 0 {
		errs = append(errs, "workspace.maxWorktreesPerCodebase must be positive")
	}
	if cfg.Workspace.StaleThresholdDays < 0 {
		errs = append(errs, "workspace.staleThresholdDays must not be negative")
	}
	if cfg.Workspace.CleanupIntervalHours <= 0 {
		errs = append(errs, "workspace.cleanupIntervalHours must be positive")
	}

	// Orchestrator validation
	if cfg.Orchestrator.MaxConcurrentConversations <= 0 {
		errs = append(errs, "orchestrator.maxConcurrentConversations must be positive")
	}
	if cfg.Orchestrator.DefaultAssistant == "" {
		errs = append(errs, "orchestrator.defaultAssistant is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
