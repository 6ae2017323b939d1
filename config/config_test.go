package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/memgate/config"
	"github.com/teilomillet/memgate/utils"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cfg.ResolvedModel())
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, utils.LogLevelWarn, cfg.LogLevel)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, "reject", cfg.RateLimit.Overflow)
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit.BackoffInitial)
	assert.True(t, cfg.Prompt.IncludeContext)
	assert.Equal(t, "sk-ant-test", cfg.APIKey())
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("MEMGATE_PROVIDER", "openai")
	t.Setenv("MEMGATE_MODEL", "gpt-4o")
	t.Setenv("MEMGATE_LOG_LEVEL", "debug")
	t.Setenv("MEMGATE_RATE_BURST", "25")
	t.Setenv("MEMGATE_RATE_OVERFLOW", "drop-lowest")
	t.Setenv("MEMGATE_RATE_WINDOW", "1m")
	t.Setenv("MEMGATE_PROMPT_MAX_MESSAGES", "12")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "gpt-4o", cfg.ResolvedModel())
	assert.Equal(t, utils.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, 25, cfg.RateLimit.Burst)
	assert.Equal(t, "drop-lowest", cfg.RateLimit.Overflow)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 12, cfg.Prompt.MaxMessages)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigRejectsBadLogLevel(t *testing.T) {
	t.Setenv("MEMGATE_LOG_LEVEL", "chatty")
	_, err := config.LoadConfig()
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := config.NewConfig()
	config.ApplyOptions(cfg,
		config.SetProvider("openai"),
		config.SetTemperature(3),
		config.SetBaseURL("not a url"),
	)
	cfg.RateLimit.Overflow = "shuffle"

	err := cfg.Validate()
	require.Error(t, err)

	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	joined := cfgErr.Error()
	assert.Contains(t, joined, "Temperature")
	assert.Contains(t, joined, "BaseURL")
	assert.Contains(t, joined, "RateLimit.Overflow")
	assert.Contains(t, joined, "missing API key for provider \"openai\"")
}

func TestValidateByTokensNeedsRoomForMaxTokens(t *testing.T) {
	cfg := config.NewConfig()
	config.ApplyOptions(cfg, config.SetProvider("mock"))
	cfg.RateLimit.ByTokens = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RateLimit.Burst (10) must be >= MaxTokens (2048)")

	cfg.RateLimit.Burst = 4096
	assert.NoError(t, cfg.Validate())
}

func TestValidateCustomProviderNeedsBaseURLAndModel(t *testing.T) {
	cfg := config.NewConfig()
	config.ApplyOptions(cfg, config.SetProvider("custom"), config.SetAPIKey("key"))

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEMGATE_BASE_URL")
	assert.Contains(t, err.Error(), "MEMGATE_MODEL")

	config.ApplyOptions(cfg, config.SetBaseURL("http://localhost:8080/v1"), config.SetModel("llama3"))
	assert.NoError(t, cfg.Validate())
}

func TestMockProviderNeedsNoKey(t *testing.T) {
	cfg := config.NewConfig()
	config.ApplyOptions(cfg, config.SetProvider("mock"))
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "mock-model", cfg.ResolvedModel())
}

func TestSetLoggerOverridesDefault(t *testing.T) {
	logger := &utils.MockLogger{}
	cfg := config.NewConfig()
	config.ApplyOptions(cfg, config.SetLogger(logger), config.SetMaxTokens(0))

	assert.Same(t, logger, cfg.GetLogger())
	assert.Equal(t, 1, cfg.MaxTokens)
}
