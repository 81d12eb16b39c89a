// Package config provides configuration management for the pokecode daemon.
// It supports loading configuration from built-in defaults, a JSON file, and
// environment variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every recognized configuration option (see the configuration
// table). There is no other configuration surface: unrecognized keys in the
// config file are ignored, not silently accepted as new behavior.
type Config struct {
	Port     int    `mapstructure:"port"`
	Host     string `mapstructure:"host"`
	LogLevel string `mapstructure:"logLevel"`

	DatabasePath      string `mapstructure:"databasePath"`
	DatabaseWAL       bool   `mapstructure:"databaseWAL"`
	DatabaseCacheSize int    `mapstructure:"databaseCacheSize"`

	ClaudeCodePath string   `mapstructure:"claudeCodePath"`
	CodexPath      string   `mapstructure:"codexPath"`
	ACPAgentPath   string   `mapstructure:"acpAgentPath"`
	CopilotPath    string   `mapstructure:"copilotPath"`
	Repositories   []string `mapstructure:"repositories"`

	WorkerConcurrency     int `mapstructure:"workerConcurrency"`
	WorkerPollingInterval int `mapstructure:"workerPollingInterval"` // ms
	JobRetention          int `mapstructure:"jobRetention"`          // days
	MaxJobAttempts        int `mapstructure:"maxJobAttempts"`
	LeaseTTL              int `mapstructure:"leaseTTL"`              // ms
	GracefulShutdownMs    int `mapstructure:"gracefulShutdownMs"`
	SSEBufferEvents       int `mapstructure:"sseBufferEvents"`

	// SessionSelfCheckInterval paces the Session Service's background
	// derived-state repair pass (§4.D).
	SessionSelfCheckInterval int `mapstructure:"sessionSelfCheckInterval"` // ms
	// SessionInactiveAfter is how long an active session can sit idle with
	// no active job before the self-check flips it to inactive.
	SessionInactiveAfter int64 `mapstructure:"sessionInactiveAfter"` // seconds

	// PersistSystemMessages resolves the open question in §9: whether
	// system-typed envelopes count toward messageCount.
	PersistSystemMessages bool `mapstructure:"persistSystemMessages"`

	// NatsURL selects the Event Bus backend. Empty (default) keeps events
	// process-local; set to subscribe/publish over a NATS server instead.
	NatsURL string `mapstructure:"natsUrl"`

	// RunnerUsePTY spawns agent executables behind a pseudo-terminal instead
	// of plain stdio pipes, for agents that require a TTY to behave.
	RunnerUsePTY bool `mapstructure:"runnerUsePTY"`

	// McpServerPort serves a read-only MCP server exposing session/message
	// history, so a running agent can query its own prior turns mid-run via
	// an mcp_servers entry pointing back at this process. 0 disables it.
	McpServerPort int `mapstructure:"mcpServerPort"`

	// WorkspaceDiagnosticsPort gates the GET /sessions/:id/diagnostics
	// WebSocket route (mounted on the main HTTP server, not a separate
	// listener) that streams a session's raw event feed for debugging. 0
	// disables the route (404).
	WorkspaceDiagnosticsPort int `mapstructure:"workspaceDiagnosticsPort"`
}

// Dir returns the pokecode state directory, ~/.pokecode by default.
func Dir() string {
	if dir := os.Getenv("POKECODE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pokecode"
	}
	return filepath.Join(home, ".pokecode")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 3001)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("logLevel", "info")

	v.SetDefault("databasePath", filepath.Join(Dir(), "pokecode.db"))
	v.SetDefault("databaseWAL", true)
	v.SetDefault("databaseCacheSize", 1_000_000)

	v.SetDefault("claudeCodePath", "")
	v.SetDefault("codexPath", "")
	v.SetDefault("acpAgentPath", "")
	v.SetDefault("copilotPath", "")
	v.SetDefault("repositories", []string{})

	v.SetDefault("workerConcurrency", 5)
	v.SetDefault("workerPollingInterval", 1000)
	v.SetDefault("jobRetention", 30)
	v.SetDefault("maxJobAttempts", 1)
	v.SetDefault("leaseTTL", 60000)
	v.SetDefault("gracefulShutdownMs", 5000)
	v.SetDefault("sseBufferEvents", 256)

	v.SetDefault("sessionSelfCheckInterval", 30000)
	v.SetDefault("sessionInactiveAfter", 3600)

	v.SetDefault("persistSystemMessages", true)
	v.SetDefault("natsUrl", "")
	v.SetDefault("runnerUsePTY", false)
	v.SetDefault("mcpServerPort", 8745)
	v.SetDefault("workspaceDiagnosticsPort", 0)
}

// Load reads configuration from defaults, ~/.pokecode/config.json, and
// environment variables prefixed POKECODE_, in increasing precedence.
func Load() (*Config, error) {
	return LoadWithPath(Dir())
}

// LoadWithPath reads configuration using configDir as the config-file search
// path instead of the default pokecode home directory (used by tests).
func LoadWithPath(configDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POKECODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("json")
	if configDir != "" {
		v.AddConfigPath(configDir)
	}
	v.AddConfigPath(".")

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

// validate rejects configuration that is structurally nonsensical. It does
// NOT require claudeCodePath to be set: the daemon can start with zero
// configured providers and fail only when a session actually requests one.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"fatal": true, "error": true, "warn": true, "info": true, "debug": true, "trace": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, "logLevel must be one of: fatal, error, warn, info, debug, trace")
	}

	if cfg.DatabasePath == "" {
		errs = append(errs, "databasePath must not be empty")
	}
	if cfg.DatabaseCacheSize <= 0 {
		errs = append(errs, "databaseCacheSize must be positive")
	}

	if cfg.WorkerConcurrency <= 0 {
		errs = append(errs, "workerConcurrency must be positive")
	}
	if cfg.WorkerPollingInterval <= 0 {
		errs = append(errs, "workerPollingInterval must be positive")
	}
	if cfg.MaxJobAttempts <= 0 {
		errs = append(errs, "maxJobAttempts must be at least 1")
	}
	if cfg.LeaseTTL <= 0 {
		errs = append(errs, "leaseTTL must be positive")
	}
	if cfg.SSEBufferEvents <= 0 {
		errs = append(errs, "sseBufferEvents must be positive")
	}
	if cfg.SessionSelfCheckInterval <= 0 {
		errs = append(errs, "sessionSelfCheckInterval must be positive")
	}
	if cfg.SessionInactiveAfter <= 0 {
		errs = append(errs, "sessionInactiveAfter must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireProviderPath returns the configured executable path for provider,
// or a plain error naming the unset option (or the unknown provider). Called
// lazily by the runner factory when a job for that provider is run.
func (c *Config) RequireProviderPath(provider string) (string, error) {
	switch provider {
	case "claude-code":
		if c.ClaudeCodePath == "" {
			return "", fmt.Errorf("claudeCodePath is not configured")
		}
		return c.ClaudeCodePath, nil
	case "codex-cli":
		if c.CodexPath == "" {
			return "", fmt.Errorf("codexPath is not configured")
		}
		return c.CodexPath, nil
	case "acp":
		if c.ACPAgentPath == "" {
			return "", fmt.Errorf("acpAgentPath is not configured")
		}
		return c.ACPAgentPath, nil
	case "copilot-cli":
		if c.CopilotPath == "" {
			return "", fmt.Errorf("copilotPath is not configured")
		}
		return c.CopilotPath, nil
	default:
		return "", fmt.Errorf("unknown provider %q", provider)
	}
}
