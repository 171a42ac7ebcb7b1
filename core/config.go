package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for agentloop.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithName("support-bot"),
//	    WithPort(8080),
//	    WithAI("anthropic", "claude-sonnet-4-5", key),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Name string `json:"name" yaml:"name"`

	HTTP          HTTPConfig          `json:"http" yaml:"http"`
	AI            AIConfig            `json:"ai" yaml:"ai"`
	Orchestration OrchestrationConfig `json:"orchestration" yaml:"orchestration"`
	Jobs          JobsConfig          `json:"jobs" yaml:"jobs"`
	Telemetry     TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`

	// Tools are remote tool endpoints; file-only.
	Tools []RemoteToolConfig `json:"tools" yaml:"tools"`
}

// HTTPConfig contains the polling API server settings.
type HTTPConfig struct {
	Address         string        `json:"address" yaml:"address"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AIConfig selects the primary model provider and an optional fallback
// used by context-overflow recovery.
type AIConfig struct {
	Provider    string           `json:"provider" yaml:"provider"`
	Model       string           `json:"model" yaml:"model"`
	APIKey      string           `json:"api_key" yaml:"api_key"`
	BaseURL     string           `json:"base_url" yaml:"base_url"`
	Temperature float32          `json:"temperature" yaml:"temperature"`
	MaxTokens   int              `json:"max_tokens" yaml:"max_tokens"`
	Fallback    FallbackAIConfig `json:"fallback" yaml:"fallback"`
}

// FallbackAIConfig is the provider switched to when the primary overflows.
type FallbackAIConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// Enabled reports whether a fallback provider is configured.
func (f FallbackAIConfig) Enabled() bool {
	return f.Provider != "" && f.Model != ""
}

// OrchestrationConfig tunes the plan/execute/reflect loop.
type OrchestrationConfig struct {
	MaxReflectionAttempts int           `json:"max_reflection_attempts" yaml:"max_reflection_attempts"`
	ToolTimeout           time.Duration `json:"tool_timeout" yaml:"tool_timeout"`
	WatchInterval         time.Duration `json:"watch_interval" yaml:"watch_interval"`
	StatusDeadline        time.Duration `json:"status_deadline" yaml:"status_deadline"`
	MaxPlannerTools       int           `json:"max_planner_tools" yaml:"max_planner_tools"`
	ToolRetryAttempts     int           `json:"tool_retry_attempts" yaml:"tool_retry_attempts"`
	ToolRetryDelay        time.Duration `json:"tool_retry_delay" yaml:"tool_retry_delay"`

	ToolBreaker ToolBreakerConfig `json:"tool_breaker" yaml:"tool_breaker"`
}

// ToolBreakerConfig configures the per-tool circuit breaker of the registry.
type ToolBreakerConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	ErrorThreshold  float64       `json:"error_threshold" yaml:"error_threshold"`
	VolumeThreshold int           `json:"volume_threshold" yaml:"volume_threshold"`
	SleepWindow     time.Duration `json:"sleep_window" yaml:"sleep_window"`
}

// JobsConfig configures the polling job store.
type JobsConfig struct {
	Backend    string        `json:"backend" yaml:"backend"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
	MaxJobs    int           `json:"max_jobs" yaml:"max_jobs"`
	RunTimeout time.Duration `json:"run_timeout" yaml:"run_timeout"`
	RedisURL   string        `json:"redis_url" yaml:"redis_url"`
	KeyPrefix  string        `json:"key_prefix" yaml:"key_prefix"`
}

// TelemetryConfig contains tracing and metrics export settings.
type TelemetryConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	TraceExporter string  `json:"trace_exporter" yaml:"trace_exporter"`
	Endpoint      string  `json:"endpoint" yaml:"endpoint"`
	Prometheus    bool    `json:"prometheus" yaml:"prometheus"`
	SamplingRate  float64 `json:"sampling_rate" yaml:"sampling_rate"`
}

// LoggingConfig controls the zap-backed production logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// RemoteToolConfig declares a tool served over HTTP.
type RemoteToolConfig struct {
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description" yaml:"description"`
	Endpoint     string            `json:"endpoint" yaml:"endpoint"`
	RequiredArgs []string          `json:"required_args" yaml:"required_args"`
	Timeout      time.Duration     `json:"timeout" yaml:"timeout"`
	Headers      map[string]string `json:"headers" yaml:"headers"`
}

// Option is a functional option for configuring agentloop
type Option func(*Config) error

var (
	validProviders = map[string]bool{"openai": true, "anthropic": true, "gemini": true, "mock": true}
	validBackends  = map[string]bool{"memory": true, "redis": true}
	validExporters = map[string]bool{"none": true, "stdout": true, "otlp": true, "otlp-grpc": true}
)

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Name: "agentloop",
		HTTP: HTTPConfig{
			Address:         "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		AI: AIConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   2000,
		},
		Orchestration: OrchestrationConfig{
			MaxReflectionAttempts: 3,
			ToolTimeout:           30 * time.Second,
			WatchInterval:         500 * time.Millisecond,
			StatusDeadline:        1200 * time.Millisecond,
			MaxPlannerTools:       12,
			ToolRetryAttempts:     1,
			ToolRetryDelay:        time.Second,
			ToolBreaker: ToolBreakerConfig{
				Enabled:         true,
				ErrorThreshold:  0.5,
				VolumeThreshold: 5,
				SleepWindow:     30 * time.Second,
			},
		},
		Jobs: JobsConfig{
			Backend:    "memory",
			TTL:        30 * time.Minute,
			MaxJobs:    200,
			RunTimeout: 5 * time.Minute,
			KeyPrefix:  "agentloop:jobs",
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			TraceExporter: "none",
			Prometheus:    true,
			SamplingRate:  1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromEnv overlays AGENTLOOP_* environment variables. Provider API keys
// fall back to their conventional variable names. Unparseable numeric
// values are ignored.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("AGENTLOOP_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("AGENTLOOP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("AGENTLOOP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = port
		}
	}
	setDuration("AGENTLOOP_HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	setDuration("AGENTLOOP_HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	setDuration("AGENTLOOP_HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	// AI settings
	if v := os.Getenv("AGENTLOOP_AI_PROVIDER"); v != "" {
		c.AI.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTLOOP_AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("AGENTLOOP_AI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv("AGENTLOOP_AI_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			c.AI.Temperature = float32(f)
		}
	}
	setInt("AGENTLOOP_AI_MAX_TOKENS", &c.AI.MaxTokens)
	if v := os.Getenv("AGENTLOOP_AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	} else if c.AI.APIKey == "" {
		c.AI.APIKey = providerKeyFromEnv(c.AI.Provider)
	}
	if v := os.Getenv("AGENTLOOP_AI_FALLBACK_PROVIDER"); v != "" {
		c.AI.Fallback.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTLOOP_AI_FALLBACK_MODEL"); v != "" {
		c.AI.Fallback.Model = v
	}
	if v := os.Getenv("AGENTLOOP_AI_FALLBACK_API_KEY"); v != "" {
		c.AI.Fallback.APIKey = v
	} else if c.AI.Fallback.APIKey == "" && c.AI.Fallback.Provider != "" {
		c.AI.Fallback.APIKey = providerKeyFromEnv(c.AI.Fallback.Provider)
	}

	// Orchestration settings
	setInt("AGENTLOOP_MAX_REFLECTION_ATTEMPTS", &c.Orchestration.MaxReflectionAttempts)
	setDuration("AGENTLOOP_TOOL_TIMEOUT", &c.Orchestration.ToolTimeout)
	setDuration("AGENTLOOP_WATCH_INTERVAL", &c.Orchestration.WatchInterval)
	setDuration("AGENTLOOP_STATUS_DEADLINE", &c.Orchestration.StatusDeadline)
	setInt("AGENTLOOP_MAX_PLANNER_TOOLS", &c.Orchestration.MaxPlannerTools)
	setInt("AGENTLOOP_TOOL_RETRY_ATTEMPTS", &c.Orchestration.ToolRetryAttempts)
	setDuration("AGENTLOOP_TOOL_RETRY_DELAY", &c.Orchestration.ToolRetryDelay)
	if v := os.Getenv("AGENTLOOP_TOOL_BREAKER_ENABLED"); v != "" {
		c.Orchestration.ToolBreaker.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTLOOP_TOOL_BREAKER_ERROR_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Orchestration.ToolBreaker.ErrorThreshold = f
		}
	}
	setInt("AGENTLOOP_TOOL_BREAKER_VOLUME", &c.Orchestration.ToolBreaker.VolumeThreshold)
	setDuration("AGENTLOOP_TOOL_BREAKER_SLEEP_WINDOW", &c.Orchestration.ToolBreaker.SleepWindow)

	// Job store settings
	if v := os.Getenv("AGENTLOOP_JOBS_BACKEND"); v != "" {
		c.Jobs.Backend = strings.ToLower(v)
	}
	setDuration("AGENTLOOP_JOBS_TTL", &c.Jobs.TTL)
	setInt("AGENTLOOP_JOBS_MAX", &c.Jobs.MaxJobs)
	setDuration("AGENTLOOP_JOBS_RUN_TIMEOUT", &c.Jobs.RunTimeout)
	if v := os.Getenv("AGENTLOOP_REDIS_URL"); v != "" {
		c.Jobs.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" && c.Jobs.RedisURL == "" {
		c.Jobs.RedisURL = v
	}
	if v := os.Getenv("AGENTLOOP_JOBS_KEY_PREFIX"); v != "" {
		c.Jobs.KeyPrefix = v
	}

	// Telemetry settings
	if v := os.Getenv("AGENTLOOP_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTLOOP_TRACE_EXPORTER"); v != "" {
		c.Telemetry.TraceExporter = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTLOOP_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("AGENTLOOP_PROMETHEUS"); v != "" {
		c.Telemetry.Prometheus = parseBool(v)
	}
	if v := os.Getenv("AGENTLOOP_SAMPLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Telemetry.SamplingRate = f
		}
	}

	// Logging settings
	if v := os.Getenv("AGENTLOOP_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("AGENTLOOP_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file, chosen by
// extension. Values present in the file override the current ones.
//
//	name: support-bot
//	ai:
//	  provider: anthropic
//	  model: claude-sonnet-4-5
//	tools:
//	  - name: weather
//	    endpoint: http://weather:8080/invoke
//	    required_args: [city]
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %v: %w", err, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %v: %w", err, ErrInvalidConfiguration)
		}
	}

	return nil
}

// ListenAddress returns host:port for the HTTP server.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Address, c.HTTP.Port)
}

// Validate checks if the configuration is valid and returns an error if not.
// This method is called automatically by NewConfig().
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: msg, Err: ErrInvalidConfiguration}
	}
	missing := func(msg string) error {
		return &FrameworkError{Op: "Config.Validate", Kind: "config", Message: msg, Err: ErrMissingConfiguration}
	}

	if c.Name == "" {
		return missing("name is required")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return invalid(fmt.Sprintf("invalid port: %d", c.HTTP.Port))
	}
	if !validProviders[c.AI.Provider] {
		return invalid(fmt.Sprintf("unknown AI provider %q", c.AI.Provider))
	}
	if c.AI.Provider != "mock" && c.AI.APIKey == "" {
		return missing(fmt.Sprintf("API key is required for AI provider %q", c.AI.Provider))
	}
	if c.AI.Fallback.Provider != "" && !validProviders[c.AI.Fallback.Provider] {
		return invalid(fmt.Sprintf("unknown fallback AI provider %q", c.AI.Fallback.Provider))
	}
	if c.AI.MaxTokens <= 0 {
		return invalid("ai.max_tokens must be positive")
	}

	o := c.Orchestration
	if o.MaxReflectionAttempts <= 0 {
		return invalid("orchestration.max_reflection_attempts must be positive")
	}
	if o.ToolTimeout <= 0 || o.WatchInterval <= 0 || o.StatusDeadline <= 0 {
		return invalid("orchestration timeouts and intervals must be positive")
	}
	if o.MaxPlannerTools <= 0 {
		return invalid("orchestration.max_planner_tools must be positive")
	}
	if o.ToolRetryAttempts <= 0 {
		return invalid("orchestration.tool_retry_attempts must be at least 1")
	}
	if b := o.ToolBreaker; b.Enabled && (b.ErrorThreshold <= 0 || b.ErrorThreshold > 1 || b.VolumeThreshold <= 0 || b.SleepWindow <= 0) {
		return invalid("orchestration.tool_breaker needs error_threshold in (0,1], positive volume_threshold and sleep_window")
	}

	if !validBackends[c.Jobs.Backend] {
		return invalid(fmt.Sprintf("unknown job store backend %q", c.Jobs.Backend))
	}
	if c.Jobs.TTL <= 0 || c.Jobs.MaxJobs <= 0 || c.Jobs.RunTimeout <= 0 {
		return invalid("jobs.ttl, jobs.max_jobs and jobs.run_timeout must be positive")
	}
	if c.Jobs.Backend == "redis" && c.Jobs.RedisURL == "" {
		return missing("redis URL is required for the redis job store backend")
	}

	if !validExporters[c.Telemetry.TraceExporter] {
		return invalid(fmt.Sprintf("unknown trace exporter %q", c.Telemetry.TraceExporter))
	}
	if c.Telemetry.Enabled && strings.HasPrefix(c.Telemetry.TraceExporter, "otlp") && c.Telemetry.Endpoint == "" {
		return missing("telemetry endpoint is required for OTLP export")
	}

	for i, t := range c.Tools {
		if t.Name == "" || t.Endpoint == "" {
			return missing(fmt.Sprintf("tools[%d] requires name and endpoint", i))
		}
	}

	return nil
}

// Helper functions

func providerKeyFromEnv(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "gemini":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithName sets the service name used in logs and traces.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP server port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return &FrameworkError{
				Op:      "WithPort",
				Kind:    "config",
				Message: fmt.Sprintf("invalid port: %d", port),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.HTTP.Port = port
		return nil
	}
}

// WithAI selects the primary provider, model and key.
func WithAI(provider, model, apiKey string) Option {
	return func(c *Config) error {
		c.AI.Provider = strings.ToLower(provider)
		if model != "" {
			c.AI.Model = model
		}
		if apiKey != "" {
			c.AI.APIKey = apiKey
		}
		return nil
	}
}

// WithFallbackAI configures the provider used when the primary overflows.
func WithFallbackAI(provider, model, apiKey string) Option {
	return func(c *Config) error {
		c.AI.Fallback = FallbackAIConfig{Provider: strings.ToLower(provider), Model: model, APIKey: apiKey}
		return nil
	}
}

// WithMockAI switches to the scripted mock provider.
func WithMockAI() Option {
	return func(c *Config) error {
		c.AI.Provider = "mock"
		c.AI.Model = "mock"
		return nil
	}
}

// WithMaxReflectionAttempts bounds the reflection loop.
func WithMaxReflectionAttempts(n int) Option {
	return func(c *Config) error {
		c.Orchestration.MaxReflectionAttempts = n
		return nil
	}
}

// WithToolTimeout sets the per-call worker agent timeout.
func WithToolTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.Orchestration.ToolTimeout = d
		return nil
	}
}

// WithRedisJobs stores polling jobs in Redis.
func WithRedisJobs(url string) Option {
	return func(c *Config) error {
		c.Jobs.Backend = "redis"
		c.Jobs.RedisURL = url
		return nil
	}
}

// WithTelemetry enables trace export through the named exporter.
func WithTelemetry(exporter, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.TraceExporter = exporter
		if endpoint != "" {
			c.Telemetry.Endpoint = endpoint
		}
		return nil
	}
}

// WithLogLevel sets the logging level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = strings.ToLower(level)
		return nil
	}
}

// WithLogFormat sets the logging format (json or console).
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = strings.ToLower(format)
		return nil
	}
}

// WithConfigFile loads settings from a JSON or YAML file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// NewConfig creates a configuration from defaults, environment and options,
// then validates it.
//
//	cfg, err := NewConfig(
//	    WithConfigFile("agentloop.yaml"),
//	    WithRedisJobs("redis://localhost:6379"),
//	)
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	// Functional options override env vars
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
