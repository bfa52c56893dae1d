package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/conduit/internal/models"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Broker      BrokerConfig    `toml:"broker"`
	Queues      QueuesConfig    `toml:"queues"`
	Handlers    HandlersConfig  `toml:"handlers"`
	Webhook     WebhookConfig   `toml:"webhook"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Secrets     SecretsConfig   `toml:"secrets"`
	Tokens      TokensConfig    `toml:"tokens"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// BrokerConfig configures the embedded durable broker store.
type BrokerConfig struct {
	Path              string `toml:"path"`               // Database directory path
	ResetOnStartup    bool   `toml:"reset_on_startup"`   // Delete broker data on startup for clean test runs
	PollInterval      string `toml:"poll_interval"`      // e.g. "250ms" - how often workers poll for jobs
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m" - active-claim lease before a job is considered stuck
	StuckSweep        string `toml:"stuck_sweep"`        // e.g. "1m" - how often the stuck janitor runs
}

// QueuesConfig holds the queue whitelist and per-queue worker concurrency.
type QueuesConfig struct {
	Allowed            []string       `toml:"allowed"`
	DefaultConcurrency int            `toml:"default_concurrency"`
	Concurrency        map[string]int `toml:"concurrency"`
	RetryBackoffBase   string         `toml:"retry_backoff_base"` // e.g. "500ms"
	RetryBackoffCap    string         `toml:"retry_backoff_cap"`  // e.g. "30s"
}

// HandlersConfig configures registry discovery and the disabled list.
type HandlersConfig struct {
	Directories []string `toml:"directories"` // Directories scanned for handler manifest files (*.yaml)
	Disabled    []string `toml:"disabled"`    // Handler names resolved as not found
	WatchDebounce string `toml:"watch_debounce"` // e.g. "300ms" - reload coalescing window
}

type WebhookConfig struct {
	TimeoutMs   int `toml:"timeout_ms"`
	MaxAttempts int `toml:"max_attempts"`
}

type SchedulerConfig struct {
	Timezone string `toml:"timezone"` // Default timezone for cron triggers
}

type SecretsConfig struct {
	TokenSecret   string `toml:"token_secret"`
	RefreshSecret string `toml:"refresh_secret"`
}

type TokensConfig struct {
	AccessTTL  string `toml:"access_ttl"`  // e.g. "30m"
	RefreshTTL string `toml:"refresh_ttl"` // e.g. "168h"
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// WebSocketConfig configures the real-time fan-out hub.
type WebSocketConfig struct {
	SendBuffer       int    `toml:"send_buffer"`       // Per-connection outbound buffer (events)
	ProgressThrottle string `toml:"progress_throttle"` // Max one progress push per job per interval
	PingInterval     string `toml:"ping_interval"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings should be exposed in conduit.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Broker: BrokerConfig{
			Path:              "./data",
			PollInterval:      "250ms",
			VisibilityTimeout: "5m",
			StuckSweep:        "1m",
		},
		Queues: QueuesConfig{
			Allowed:            models.DefaultAllowedQueues(),
			DefaultConcurrency: 10,
			Concurrency: map[string]int{
				models.QueueWebhooks: 4,
			},
			RetryBackoffBase: "500ms",
			RetryBackoffCap:  "30s",
		},
		Handlers: HandlersConfig{
			Directories:   []string{"./handlers"},
			Disabled:      []string{},
			WatchDebounce: "300ms",
		},
		Webhook: WebhookConfig{
			TimeoutMs:   10000,
			MaxAttempts: 3,
		},
		Scheduler: SchedulerConfig{
			Timezone: "UTC",
		},
		Tokens: TokensConfig{
			AccessTTL:  "30m",
			RefreshTTL: "168h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		WebSocket: WebSocketConfig{
			SendBuffer:       64,
			ProgressThrottle: "250ms",
			PingInterval:     "30s",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CONDUIT_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("CONDUIT_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CONDUIT_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("CONDUIT_BROKER_PATH"); path != "" {
		config.Broker.Path = path
	}
	if pollInterval := os.Getenv("CONDUIT_BROKER_POLL_INTERVAL"); pollInterval != "" {
		config.Broker.PollInterval = pollInterval
	}
	if visibilityTimeout := os.Getenv("CONDUIT_BROKER_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Broker.VisibilityTimeout = visibilityTimeout
	}

	if allowed := os.Getenv("CONDUIT_QUEUES_ALLOWED"); allowed != "" {
		queues := []string{}
		for _, q := range strings.Split(allowed, ",") {
			if trimmed := strings.TrimSpace(q); trimmed != "" {
				queues = append(queues, trimmed)
			}
		}
		if len(queues) > 0 {
			config.Queues.Allowed = queues
		}
	}
	if concurrency := os.Getenv("CONDUIT_QUEUES_DEFAULT_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queues.DefaultConcurrency = c
		}
	}

	if dirs := os.Getenv("CONDUIT_HANDLERS_DIRECTORIES"); dirs != "" {
		parsed := []string{}
		for _, d := range strings.Split(dirs, ",") {
			if trimmed := strings.TrimSpace(d); trimmed != "" {
				parsed = append(parsed, trimmed)
			}
		}
		if len(parsed) > 0 {
			config.Handlers.Directories = parsed
		}
	}
	if disabled := os.Getenv("CONDUIT_HANDLERS_DISABLED"); disabled != "" {
		parsed := []string{}
		for _, d := range strings.Split(disabled, ",") {
			if trimmed := strings.TrimSpace(d); trimmed != "" {
				parsed = append(parsed, trimmed)
			}
		}
		config.Handlers.Disabled = parsed
	}

	if timeoutMs := os.Getenv("CONDUIT_WEBHOOK_TIMEOUT_MS"); timeoutMs != "" {
		if t, err := strconv.Atoi(timeoutMs); err == nil {
			config.Webhook.TimeoutMs = t
		}
	}
	if maxAttempts := os.Getenv("CONDUIT_WEBHOOK_MAX_ATTEMPTS"); maxAttempts != "" {
		if m, err := strconv.Atoi(maxAttempts); err == nil {
			config.Webhook.MaxAttempts = m
		}
	}

	if secret := os.Getenv("CONDUIT_TOKEN_SECRET"); secret != "" {
		config.Secrets.TokenSecret = secret
	}
	if secret := os.Getenv("CONDUIT_REFRESH_SECRET"); secret != "" {
		config.Secrets.RefreshSecret = secret
	}

	if level := os.Getenv("CONDUIT_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("CONDUIT_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if tz := os.Getenv("CONDUIT_SCHEDULER_TIMEZONE"); tz != "" {
		config.Scheduler.Timezone = tz
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// QueueAllowed reports whether the queue name is in the configured whitelist.
func (c *Config) QueueAllowed(queue string) bool {
	for _, q := range c.Queues.Allowed {
		if q == queue {
			return true
		}
	}
	return false
}

// ConcurrencyFor returns the worker concurrency for a queue.
func (c *Config) ConcurrencyFor(queue string) int {
	if n, ok := c.Queues.Concurrency[queue]; ok && n > 0 {
		return n
	}
	if c.Queues.DefaultConcurrency > 0 {
		return c.Queues.DefaultConcurrency
	}
	return 10
}

// ParseDurationOr parses a duration string, falling back on invalid input.
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
