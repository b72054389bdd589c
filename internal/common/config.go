package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/ternarybob/dispatch/internal/models"
)

// Config represents the application configuration
type Config struct {
	Environment string               `toml:"environment"` // "development" or "production"
	Server      ServerConfig         `toml:"server"`
	Storage     StorageConfig        `toml:"storage"`
	Logging     LoggingConfig        `toml:"logging"`
	Scheduler   SchedulerConfig      `toml:"scheduler"`
	Tasks       TasksConfig          `toml:"tasks"`
	Gemini      GeminiConfig         `toml:"gemini"`
	Claude      ClaudeConfig         `toml:"claude"`
	LLM         LLMConfig            `toml:"llm"`
	Models      []models.ModelConfig `toml:"models" validate:"dive"`
	Pricing     PricingConfig        `toml:"pricing"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Redis  RedisConfig  `toml:"redis"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// RedisConfig selects Redis as the usage counter backend when Enabled.
// Ledger and task records always live in Badger.
type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=debug info warn error"`
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for log lines (default: "15:04:05.000")
	FilePath   string   `toml:"file_path"`   // Log file when "file" output is enabled
}

// SchedulerConfig controls the batch dispatcher
type SchedulerConfig struct {
	Concurrency    int    `toml:"concurrency" validate:"gte=1"`    // Max in-flight upstream calls per batch
	PacingStarts   int    `toml:"pacing_starts" validate:"gte=0"`  // K in "at most K starts per interval", 0 disables pacing
	PacingInterval string `toml:"pacing_interval"`                 // T in "at most K starts per interval", e.g. "1s"
	CallTimeout    string `toml:"call_timeout"`                    // Deadline for one upstream call, e.g. "2m"
	DefaultTokens  int    `toml:"default_tokens" validate:"gte=0"` // Token estimate used when a request carries none
}

// TasksConfig controls task retention
type TasksConfig struct {
	CleanupSchedule  string `toml:"cleanup_schedule"`  // Cron schedule for terminal task cleanup, empty disables
	Retention        string `toml:"retention"`         // Age after which terminal tasks are deleted, e.g. "168h"
	ProgressThrottle string `toml:"progress_throttle"` // Min interval between progress-only websocket pushes per task
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Temperature float32 `toml:"temperature"`
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	LLMProviderGemini LLMProvider = "gemini"
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig selects the provider used for model ids without a recognisable prefix
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider" validate:"oneof=gemini claude"`
}

// PricingConfig is the pluggable pricing table. Rates listed inline are merged over the optional YAML file.
type PricingConfig struct {
	File  string                `toml:"file"`
	Rates []models.ModelPricing `toml:"rates"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "dispatch:usage:",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
			FilePath:   "./logs/dispatch.log",
		},
		Scheduler: SchedulerConfig{
			Concurrency:    4,
			PacingStarts:   0,
			PacingInterval: "1s",
			CallTimeout:    "2m",
			DefaultTokens:  1000,
		},
		Tasks: TasksConfig{
			CleanupSchedule:  "0 0 3 * * *", // Daily at 03:00
			Retention:        "168h",
			ProgressThrottle: "500ms",
		},
		Gemini: GeminiConfig{
			Temperature: 0.7,
		},
		Claude: ClaudeConfig{
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderGemini,
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
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

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies DISPATCH_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("DISPATCH_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("DISPATCH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("DISPATCH_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage
	if badgerPath := os.Getenv("DISPATCH_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if addr := os.Getenv("DISPATCH_REDIS_ADDR"); addr != "" {
		config.Storage.Redis.Addr = addr
		config.Storage.Redis.Enabled = true
	}
	if password := os.Getenv("DISPATCH_REDIS_PASSWORD"); password != "" {
		config.Storage.Redis.Password = password
	}

	// Logging
	if level := os.Getenv("DISPATCH_LOG_LEVEL"); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if output := os.Getenv("DISPATCH_LOG_OUTPUT"); output != "" {
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

	// Scheduler
	if concurrency := os.Getenv("DISPATCH_SCHEDULER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Scheduler.Concurrency = c
		}
	}
	if starts := os.Getenv("DISPATCH_SCHEDULER_PACING_STARTS"); starts != "" {
		if s, err := strconv.Atoi(starts); err == nil {
			config.Scheduler.PacingStarts = s
		}
	}
	if interval := os.Getenv("DISPATCH_SCHEDULER_PACING_INTERVAL"); interval != "" {
		config.Scheduler.PacingInterval = interval
	}
	if timeout := os.Getenv("DISPATCH_SCHEDULER_CALL_TIMEOUT"); timeout != "" {
		config.Scheduler.CallTimeout = timeout
	}

	// Tasks
	if retention := os.Getenv("DISPATCH_TASKS_RETENTION"); retention != "" {
		config.Tasks.Retention = retention
	}

	// Providers
	if apiKey := os.Getenv("DISPATCH_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	} else if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("DISPATCH_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey // DISPATCH_ prefix takes priority
	}
	if provider := os.Getenv("DISPATCH_LLM_DEFAULT_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(strings.ToLower(provider))
	}

	if pricingFile := os.Getenv("DISPATCH_PRICING_FILE"); pricingFile != "" {
		config.Pricing.File = pricingFile
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

// Validate checks struct constraints, model id uniqueness, durations and the cleanup schedule
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if seen[m.ID] {
			return fmt.Errorf("invalid configuration: duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
	}

	for name, value := range map[string]string{
		"scheduler.pacing_interval": c.Scheduler.PacingInterval,
		"scheduler.call_timeout":    c.Scheduler.CallTimeout,
		"tasks.retention":           c.Tasks.Retention,
		"tasks.progress_throttle":   c.Tasks.ProgressThrottle,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			return fmt.Errorf("invalid configuration: %s %q is not a valid duration", name, value)
		}
	}

	if c.Tasks.CleanupSchedule != "" {
		if err := ValidateCleanupSchedule(c.Tasks.CleanupSchedule); err != nil {
			return fmt.Errorf("invalid configuration: tasks.cleanup_schedule: %w", err)
		}
	}

	return nil
}

// ValidateCleanupSchedule validates a six-field (seconds first) cron expression
func ValidateCleanupSchedule(schedule string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseDurationOr parses a duration string, returning fallback when it is empty or invalid
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
