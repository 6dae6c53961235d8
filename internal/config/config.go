// Package config loads and validates the agent execution core's
// configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the agent core.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	LLM      LLMConfig      `yaml:"llm"`
	Context  ContextConfig  `yaml:"context"`
	Tools    ToolsConfig    `yaml:"tools"`
	Sessions SessionsConfig `yaml:"sessions"`
	Cron     CronConfig     `yaml:"cron"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig configures the optional HTTP control surface.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig configures the CockroachDB-backed session index.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig configures the JWT-based control-surface authentication.
type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
	OAuth       OAuthConfig    `yaml:"oauth"`
}

// APIKeyConfig declares one static API key accepted by the control
// surface, alongside JWT bearer tokens, for programmatic callers.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

// OAuthConfig configures optional OAuth2 login for the control surface.
type OAuthConfig struct {
	Google OAuthProviderConfig `yaml:"google"`
}

// OAuthProviderConfig is one OAuth2 provider's client credentials.
type OAuthProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// LLMConfig configures the provider client with resilience.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain lists provider IDs tried in order after the default fails.
	FallbackChain []string `yaml:"fallback_chain"`

	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// LLMProviderConfig is one provider's connection settings.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	Region       string `yaml:"region"` // bedrock
}

// RateLimitConfig configures the per-provider token-bucket limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RetryConfig configures the exponential-backoff retry layer.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig configures the per-provider circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

// ContextConfig configures the context window manager's auto-compaction.
type ContextConfig struct {
	WarnThreshold    float64       `yaml:"warn_threshold"`
	AutoCompactRatio float64       `yaml:"auto_compact_ratio"`
	TruncateStrategy string        `yaml:"truncate_strategy"` // oldest, middle, summarize
	SummaryPrompt    string        `yaml:"summary_prompt"`
	CacheEviction    CacheEvictionConfig `yaml:"cache_eviction"`
}

// CacheEvictionConfig configures the conversation cache's LRU eviction.
type CacheEvictionConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxItems int  `yaml:"max_items"`
}

// ToolsConfig configures the parallel tool executor and permission engine.
type ToolsConfig struct {
	Execution ToolExecutionConfig `yaml:"execution"`
	Approval  ApprovalConfig      `yaml:"approval"`
	Jobs      ToolJobsConfig      `yaml:"jobs"`
}

// ToolExecutionConfig controls runtime tool execution behavior.
type ToolExecutionConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	Parallelism   int           `yaml:"parallelism"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxToolCalls  int           `yaml:"max_tool_calls"`
}

// ApprovalConfig controls the permission rule engine's default policy.
type ApprovalConfig struct {
	Profile         string   `yaml:"profile"`
	Allowlist       []string `yaml:"allowlist"`
	Denylist        []string `yaml:"denylist"`
	DefaultDecision string   `yaml:"default_decision"` // allow, deny, ask, passthrough
	RequestTTL      time.Duration `yaml:"request_ttl"`
}

// ToolJobsConfig controls async tool job persistence.
type ToolJobsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// SessionsConfig configures session persistence.
type SessionsConfig struct {
	Backend string `yaml:"backend"` // jsonl, cockroach
	Root    string `yaml:"root"`    // JSONL store root directory
}

// CronConfig configures the scheduled job-pruning pipeline.
type CronConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prune   string `yaml:"prune"` // cron expression for tool job pruning
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry tracing export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	OTLPAddress string `yaml:"otlp_address"`
}

// Load reads, expands, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.RateLimit.RequestsPerSecond == 0 {
		cfg.LLM.RateLimit.RequestsPerSecond = 5
	}
	if cfg.LLM.RateLimit.Burst == 0 {
		cfg.LLM.RateLimit.Burst = 10
	}
	if cfg.LLM.Retry.MaxAttempts == 0 {
		cfg.LLM.Retry.MaxAttempts = 3
	}
	if cfg.LLM.Retry.InitialDelay == 0 {
		cfg.LLM.Retry.InitialDelay = 500 * time.Millisecond
	}
	if cfg.LLM.Retry.MaxDelay == 0 {
		cfg.LLM.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.LLM.Breaker.FailureThreshold == 0 {
		cfg.LLM.Breaker.FailureThreshold = 5
	}
	if cfg.LLM.Breaker.OpenDuration == 0 {
		cfg.LLM.Breaker.OpenDuration = 30 * time.Second
	}
	if cfg.Context.WarnThreshold == 0 {
		cfg.Context.WarnThreshold = 0.8
	}
	if cfg.Context.AutoCompactRatio == 0 {
		cfg.Context.AutoCompactRatio = 0.92
	}
	if cfg.Context.TruncateStrategy == "" {
		cfg.Context.TruncateStrategy = "summarize"
	}
	if cfg.Context.CacheEviction.MaxItems == 0 {
		cfg.Context.CacheEviction.MaxItems = 200
	}
	if cfg.Tools.Execution.MaxIterations == 0 {
		cfg.Tools.Execution.MaxIterations = 50
	}
	if cfg.Tools.Execution.Parallelism == 0 {
		cfg.Tools.Execution.Parallelism = 4
	}
	if cfg.Tools.Execution.Timeout == 0 {
		cfg.Tools.Execution.Timeout = 2 * time.Minute
	}
	if cfg.Tools.Execution.MaxToolCalls == 0 {
		cfg.Tools.Execution.MaxToolCalls = 100
	}
	if cfg.Tools.Approval.DefaultDecision == "" {
		cfg.Tools.Approval.DefaultDecision = "ask"
	}
	if cfg.Tools.Approval.RequestTTL == 0 {
		cfg.Tools.Approval.RequestTTL = 5 * time.Minute
	}
	if cfg.Tools.Jobs.Retention == 0 {
		cfg.Tools.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Tools.Jobs.PruneInterval == 0 {
		cfg.Tools.Jobs.PruneInterval = time.Hour
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "jsonl"
	}
	if cfg.Sessions.Root == "" {
		cfg.Sessions.Root = "./sessions"
	}
	if cfg.Cron.Prune == "" {
		cfg.Cron.Prune = "0 * * * *"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AGENTCORE_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTCORE_HTTP_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		setProviderKey(cfg, "anthropic", v)
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		setProviderKey(cfg, "openai", v)
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")); v != "" {
		setProviderKey(cfg, "google", v)
	}
}

func setProviderKey(cfg *Config, provider, key string) {
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = make(map[string]LLMProviderConfig)
	}
	entry := cfg.LLM.Providers[provider]
	entry.APIKey = key
	cfg.LLM.Providers[provider] = entry
}

// ValidationError reports one or more configuration problems.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}
	if jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret); jwtSecret != "" && len(jwtSecret) < 32 {
		issues = append(issues, "auth.jwt_secret must be at least 32 characters")
	}
	if cfg.Context.WarnThreshold <= 0 || cfg.Context.WarnThreshold > 1 {
		issues = append(issues, "context.warn_threshold must be in (0, 1]")
	}
	if cfg.Context.AutoCompactRatio <= 0 || cfg.Context.AutoCompactRatio > 1 {
		issues = append(issues, "context.auto_compact_ratio must be in (0, 1]")
	}
	switch cfg.Context.TruncateStrategy {
	case "oldest", "middle", "summarize", "none":
	default:
		issues = append(issues, "context.truncate_strategy must be \"oldest\", \"middle\", \"summarize\", or \"none\"")
	}
	switch strings.ToLower(cfg.Tools.Approval.DefaultDecision) {
	case "allow", "deny", "ask", "passthrough":
	default:
		issues = append(issues, "tools.approval.default_decision must be \"allow\", \"deny\", \"ask\", or \"passthrough\"")
	}
	switch cfg.Sessions.Backend {
	case "jsonl", "cockroach":
	default:
		issues = append(issues, "sessions.backend must be \"jsonl\" or \"cockroach\"")
	}
	if cfg.Sessions.Backend == "cockroach" && strings.TrimSpace(cfg.Database.URL) == "" {
		issues = append(issues, "database.url is required when sessions.backend is \"cockroach\"")
	}
	if cfg.Tools.Execution.Parallelism < 0 {
		issues = append(issues, "tools.execution.parallelism must be >= 0")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
