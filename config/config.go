// Package config loads and validates gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/teilomillet/memgate/utils"
)

// Default models used when MEMGATE_MODEL is empty.
var defaultModels = map[string]string{
	"anthropic": "claude-3-5-sonnet-20241022",
	"openai":    "gpt-4o-mini",
	"gemini":    "gemini-1.5-flash",
	"mock":      "mock-model",
}

// providersWithoutKeys never need an API key.
var providersWithoutKeys = map[string]bool{
	"mock": true,
}

type RateLimitConfig struct {
	Burst             int           `env:"BURST" envDefault:"10" validate:"gt=0"`
	Sustained         float64       `env:"SUSTAINED" envDefault:"1" validate:"gt=0"`
	Window            time.Duration `env:"WINDOW" envDefault:"0s" validate:"gte=0"`
	WindowMax         int           `env:"WINDOW_MAX" envDefault:"0" validate:"gte=0"`
	QueueDepth        int           `env:"QUEUE_DEPTH" envDefault:"32" validate:"gte=0"`
	Overflow          string        `env:"OVERFLOW" envDefault:"reject" validate:"oneof=reject drop-lowest"`
	MaxConcurrent     int           `env:"MAX_CONCURRENT" envDefault:"4" validate:"gt=0"`
	BackoffInitial    time.Duration `env:"BACKOFF_INITIAL" envDefault:"500ms" validate:"gt=0"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX" envDefault:"30s" validate:"gtefield=BackoffInitial"`
	BackoffMultiplier float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2" validate:"gte=1"`
	BackoffJitter     float64       `env:"BACKOFF_JITTER" envDefault:"0.2" validate:"gte=0,lte=1"`
	// ByTokens debits estimated prompt+completion tokens instead of one unit per request.
	ByTokens         bool          `env:"BY_TOKENS" envDefault:"false"`
	MaxAdmissionWait time.Duration `env:"MAX_WAIT" envDefault:"2m" validate:"gte=0"`
}

type PromptConfig struct {
	MaxMessages    int  `env:"MAX_MESSAGES" envDefault:"0" validate:"gte=0"`
	IncludeContext bool `env:"INCLUDE_CONTEXT" envDefault:"true"`
}

type Config struct {
	Provider    string         `env:"MEMGATE_PROVIDER" envDefault:"anthropic" validate:"required"`
	Model       string         `env:"MEMGATE_MODEL"`
	BaseURL     string         `env:"MEMGATE_BASE_URL" validate:"omitempty,url"`
	Timeout     time.Duration  `env:"MEMGATE_TIMEOUT" envDefault:"60s" validate:"gt=0"`
	MaxRetries  int            `env:"MEMGATE_MAX_RETRIES" envDefault:"3" validate:"gte=0,lte=10"`
	Temperature float64        `env:"MEMGATE_TEMPERATURE" envDefault:"0.3" validate:"gte=0,lte=2"`
	MaxTokens   int            `env:"MEMGATE_MAX_TOKENS" envDefault:"2048" validate:"gt=0"`
	Stream      bool           `env:"MEMGATE_STREAM" envDefault:"false"`
	LogLevel    utils.LogLevel `env:"MEMGATE_LOG_LEVEL" envDefault:"WARN"`
	PricingFile string         `env:"MEMGATE_PRICING_FILE"`
	APIKeys     map[string]string

	RateLimit RateLimitConfig `envPrefix:"MEMGATE_RATE_"`
	Prompt    PromptConfig    `envPrefix:"MEMGATE_PROMPT_"`

	Logger utils.Logger
}

// ConfigError lists every problem found while validating a Config.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		APIKeys: make(map[string]string),
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	loadAPIKeys(cfg)
	return cfg, nil
}

func loadAPIKeys(cfg *Config) {
	for _, envVar := range os.Environ() {
		key, value, found := strings.Cut(envVar, "=")
		if found && value != "" && strings.HasSuffix(strings.ToUpper(key), "_API_KEY") {
			provider := strings.TrimSuffix(strings.ToUpper(key), "_API_KEY")
			cfg.APIKeys[strings.ToLower(provider)] = value
		}
	}
	// Gemini keys are commonly exported as GOOGLE_API_KEY.
	if _, ok := cfg.APIKeys["gemini"]; !ok {
		if key, ok := cfg.APIKeys["google"]; ok {
			cfg.APIKeys["gemini"] = key
		}
	}
}

type ConfigOption func(*Config)

// NewConfig returns the same defaults LoadConfig applies to an empty environment.
func NewConfig() *Config {
	return &Config{
		Provider:    "anthropic",
		Timeout:     60 * time.Second,
		MaxRetries:  3,
		Temperature: 0.3,
		MaxTokens:   2048,
		LogLevel:    utils.LogLevelWarn,
		APIKeys:     make(map[string]string),
		RateLimit: RateLimitConfig{
			Burst:             10,
			Sustained:         1,
			QueueDepth:        32,
			Overflow:          "reject",
			MaxConcurrent:     4,
			BackoffInitial:    500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			BackoffMultiplier: 2,
			BackoffJitter:     0.2,
			MaxAdmissionWait:  2 * time.Minute,
		},
		Prompt: PromptConfig{IncludeContext: true},
	}
}

func SetProvider(provider string) ConfigOption {
	return func(c *Config) {
		c.Provider = strings.ToLower(provider)
	}
}

func SetModel(model string) ConfigOption {
	return func(c *Config) {
		c.Model = model
	}
}

func SetBaseURL(url string) ConfigOption {
	return func(c *Config) {
		c.BaseURL = url
	}
}

func SetAPIKey(apiKey string) ConfigOption {
	return func(c *Config) {
		if c.APIKeys == nil {
			c.APIKeys = make(map[string]string)
		}
		c.APIKeys[c.Provider] = apiKey
	}
}

func SetTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

func SetMaxRetries(maxRetries int) ConfigOption {
	return func(c *Config) {
		c.MaxRetries = maxRetries
	}
}

func SetTemperature(temperature float64) ConfigOption {
	return func(c *Config) {
		c.Temperature = temperature
	}
}

func SetMaxTokens(maxTokens int) ConfigOption {
	return func(c *Config) {
		if maxTokens < 1 {
			maxTokens = 1
		}
		c.MaxTokens = maxTokens
	}
}

func SetStream(stream bool) ConfigOption {
	return func(c *Config) {
		c.Stream = stream
	}
}

func SetLogLevel(level utils.LogLevel) ConfigOption {
	return func(c *Config) {
		c.LogLevel = level
	}
}

func SetLogger(logger utils.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

func SetPricingFile(path string) ConfigOption {
	return func(c *Config) {
		c.PricingFile = path
	}
}

func SetRateLimit(rl RateLimitConfig) ConfigOption {
	return func(c *Config) {
		c.RateLimit = rl
	}
}

func SetPromptLimits(maxMessages int, includeContext bool) ConfigOption {
	return func(c *Config) {
		c.Prompt = PromptConfig{MaxMessages: maxMessages, IncludeContext: includeContext}
	}
}

func ApplyOptions(cfg *Config, options ...ConfigOption) {
	for _, option := range options {
		option(cfg)
	}
}

// APIKey returns the key for the configured provider.
func (c *Config) APIKey() string {
	return c.APIKeys[c.Provider]
}

// ResolvedModel returns Model, or the provider default when it is empty.
func (c *Config) ResolvedModel() string {
	if c.Model != "" {
		return c.Model
	}
	return defaultModels[c.Provider]
}

// GetLogger returns the configured logger or a stderr logger at LogLevel.
func (c *Config) GetLogger() utils.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return utils.NewLogger(c.LogLevel)
}

// Validate checks field ranges and provider requirements before any
// provider is constructed.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if c.RateLimit.ByTokens && c.RateLimit.Burst < c.MaxTokens {
		problems = append(problems, fmt.Sprintf("RateLimit.Burst (%d) must be >= MaxTokens (%d) when MEMGATE_RATE_BY_TOKENS is set",
			c.RateLimit.Burst, c.MaxTokens))
	}
	if !providersWithoutKeys[c.Provider] && c.APIKey() == "" {
		problems = append(problems, fmt.Sprintf("missing API key for provider %q (set %s_API_KEY)",
			c.Provider, strings.ToUpper(c.Provider)))
	}
	if c.Provider == "custom" {
		if c.BaseURL == "" {
			problems = append(problems, "provider \"custom\" requires MEMGATE_BASE_URL")
		}
		if c.Model == "" {
			problems = append(problems, "provider \"custom\" requires MEMGATE_MODEL")
		}
	} else if c.ResolvedModel() == "" {
		problems = append(problems, fmt.Sprintf("no model configured and no default for provider %q", c.Provider))
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &ConfigError{Problems: problems}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "url":
		return fmt.Sprintf("%s must be a URL, got %q", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
}
