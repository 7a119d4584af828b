// Package config loads Portal's YAML configuration, applies
// environment-variable overrides for secrets, fills defaults, and
// refuses to start when a secret still carries its ship-with
// placeholder value: a placeholder MCP API key is refused in every
// environment, a missing or default bootstrap API key outside
// development mode.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is Portal's top-level configuration surface.
type Config struct {
	Routing   RoutingConfig   `yaml:"routing"`
	Backends  BackendsConfig  `yaml:"backends"`
	Context   ContextConfig   `yaml:"context"`
	Security  SecurityConfig  `yaml:"security"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Server    ServerConfig    `yaml:"server"`

	// DataDir is the resolved PORTAL_DATA_DIR (or its "./data" default),
	// computed once in applyDefaults so every on-disk path Portal derives
	// from it — the conversation database, the rate limiter's persisted
	// state — agrees on the same root.
	DataDir string `yaml:"-"`
}

// RoutingConfig configures the router and execution engine.
type RoutingConfig struct {
	Strategy                  string              `yaml:"strategy"`
	ModelPreferences          map[string][]string `yaml:"model_preferences"`
	TimeoutSeconds            int                 `yaml:"timeout_seconds"`
	CircuitBreakerEnabled     bool                `yaml:"circuit_breaker_enabled"`
	CircuitBreakerThreshold   int                 `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout     time.Duration       `yaml:"circuit_breaker_timeout"`
	CircuitBreakerHalfOpenMax int                 `yaml:"circuit_breaker_half_open_calls"`
}

// BackendsConfig configures the base URLs of the local model servers.
type BackendsConfig struct {
	OllamaBaseURL   string `yaml:"ollama_base_url"`
	LMStudioBaseURL string `yaml:"lmstudio_base_url"`
}

// ContextConfig configures the conversation manager.
type ContextConfig struct {
	MaxContextMessages int    `yaml:"max_context_messages"`
	DBPath             string `yaml:"db_path"`
}

// SecurityConfig configures rate limiting, input validation, and the
// placeholder-secret check enforced at load time.
type SecurityConfig struct {
	RateLimitRequests      int    `yaml:"rate_limit_requests"`
	RateLimitWindowSeconds int    `yaml:"rate_limit_window_seconds"`
	MaxMessageLength       int    `yaml:"max_message_length"`
	MCPAPIKey              string `yaml:"mcp_api_key"`
	BootstrapAPIKey        string `yaml:"bootstrap_api_key"`
}

// LifecycleConfig configures the runtime's shutdown behavior.
type LifecycleConfig struct {
	ShutdownTimeoutSeconds float64 `yaml:"shutdown_timeout_seconds"`
	EnableWatchdog         bool    `yaml:"enable_watchdog"`
	EnableLogRotation      bool    `yaml:"enable_log_rotation"`
}

// EventBusConfig configures optional bounded in-memory event history.
type EventBusConfig struct {
	EnableHistory bool `yaml:"enable_history"`
	MaxHistory    int  `yaml:"max_history"`
}

// ServerConfig configures the optional health/metrics HTTP surface.
type ServerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
}

// Environment reports the PORTAL_ENV value, defaulting to "production"
// so placeholder secrets are rejected unless explicitly opted out.
func Environment() string {
	env := strings.TrimSpace(os.Getenv("PORTAL_ENV"))
	if env == "" {
		return "production"
	}
	return env
}

// Load reads path, expands ${VAR} references against the process
// environment, decodes the YAML (unknown keys are ignored), applies
// env-var secret overrides
// and defaults, then runs the fatal placeholder-secret check.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := checkPlaceholderSecrets(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("MCP_API_KEY")); v != "" {
		cfg.Security.MCPAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PORTAL_BOOTSTRAP_API_KEY")); v != "" {
		cfg.Security.BootstrapAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PORTAL_DATA_DIR")); v != "" && cfg.Context.DBPath == "" {
		cfg.Context.DBPath = v + "/conversations.db"
	}
	if v := strings.TrimSpace(os.Getenv("PORTAL_OLLAMA_URL")); v != "" {
		cfg.Backends.OllamaBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PORTAL_METRICS_ADDR")); v != "" {
		cfg.Server.MetricsAddr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Routing.Strategy == "" {
		cfg.Routing.Strategy = "auto"
	}
	if cfg.Routing.TimeoutSeconds == 0 {
		cfg.Routing.TimeoutSeconds = 60
	}
	if cfg.Routing.CircuitBreakerThreshold == 0 {
		cfg.Routing.CircuitBreakerThreshold = 3
	}
	if cfg.Routing.CircuitBreakerTimeout == 0 {
		cfg.Routing.CircuitBreakerTimeout = 60 * time.Second
	}
	if cfg.Routing.CircuitBreakerHalfOpenMax == 0 {
		cfg.Routing.CircuitBreakerHalfOpenMax = 1
	}

	if cfg.Backends.OllamaBaseURL == "" {
		cfg.Backends.OllamaBaseURL = "http://localhost:11434"
	}
	if cfg.Backends.LMStudioBaseURL == "" {
		cfg.Backends.LMStudioBaseURL = "http://localhost:1234/v1"
	}

	dataDir := strings.TrimSpace(os.Getenv("PORTAL_DATA_DIR"))
	if dataDir == "" {
		dataDir = "./data"
	}
	cfg.DataDir = dataDir
	if cfg.Context.MaxContextMessages == 0 {
		cfg.Context.MaxContextMessages = 50
	}
	if cfg.Context.DBPath == "" {
		cfg.Context.DBPath = dataDir + "/conversations.db"
	}

	if cfg.Security.RateLimitRequests == 0 {
		cfg.Security.RateLimitRequests = 30
	}
	if cfg.Security.RateLimitWindowSeconds == 0 {
		cfg.Security.RateLimitWindowSeconds = 60
	}
	if cfg.Security.MaxMessageLength == 0 {
		cfg.Security.MaxMessageLength = 10000
	}

	if cfg.Lifecycle.ShutdownTimeoutSeconds == 0 {
		cfg.Lifecycle.ShutdownTimeoutSeconds = 30.0
	}

	if cfg.EventBus.MaxHistory == 0 {
		cfg.EventBus.MaxHistory = 1000
	}
}

var placeholderPrefixes = []string{"changeme", "change-me", "your_", "your-", "placeholder", "secret-change-me"}

func isPlaceholder(value string) bool {
	v := strings.ToLower(value)
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(v, p) || strings.Contains(v, p) {
			return true
		}
	}
	return false
}

// checkPlaceholderSecrets refuses to start when a configured secret is
// still the shipped default, mirroring lifecycle.py's explicit
// RuntimeError on "changeme-mcp-secret" / "portal-dev-key".
func checkPlaceholderSecrets(cfg *Config) error {
	mcpKey := strings.TrimSpace(cfg.Security.MCPAPIKey)
	if mcpKey == "changeme-mcp-secret" {
		return fmt.Errorf("refusing to start: MCP_API_KEY is still set to the insecure default " +
			"'changeme-mcp-secret'. Set a strong secret before booting Portal")
	}
	if mcpKey != "" && isPlaceholder(mcpKey) {
		return fmt.Errorf("refusing to start: MCP_API_KEY looks like an unfilled placeholder")
	}

	bootstrapKey := strings.TrimSpace(cfg.Security.BootstrapAPIKey)
	if Environment() != "development" && (bootstrapKey == "" || bootstrapKey == "portal-dev-key") {
		return fmt.Errorf("refusing to start: PORTAL_BOOTSTRAP_API_KEY is not set or uses the insecure " +
			"default 'portal-dev-key'. Generate a strong key before booting Portal")
	}

	return nil
}

// EnvInt reads an integer environment variable, returning def if unset
// or unparsable. Used by callers that need a single override outside
// the YAML surface (e.g. CLI flags defaulting from env).
func EnvInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
