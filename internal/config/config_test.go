package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 1000, cfg.Queue.Capacity)
	assert.Equal(t, 500, cfg.Queue.DebounceMS)
	assert.Equal(t, []string{"telegram", "control"}, cfg.Queue.DebounceSources)
	assert.Equal(t, 600*time.Second, cfg.Loop.CallTimeout())
	assert.Equal(t, 2, cfg.Loop.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Loop.RetryBase())
	assert.Equal(t, 2, cfg.Loop.MessageRetries)
	assert.Equal(t, 30*time.Second, cfg.Loop.MessageRetryBase())
	assert.Equal(t, "sonnet", cfg.Router.Default)
	assert.NoError(t, cfg.Validate())
}

func TestConfigLookups(t *testing.T) {
	cfg := DefaultConfig()

	m, ok := cfg.Model("sonnet")
	require.True(t, ok)
	assert.Equal(t, "anthropic", m.Provider)

	_, ok = cfg.Model("missing")
	assert.False(t, ok)

	p, ok := cfg.Provider("anthropic")
	require.True(t, ok)
	assert.Equal(t, "anthropic", p.Type)
}

func TestProviderKey(t *testing.T) {
	t.Setenv("AIDE_TEST_KEY", "from-env")

	assert.Equal(t, "literal", ProviderConfig{APIKey: "literal", APIKeyEnv: "AIDE_TEST_KEY"}.Key())
	assert.Equal(t, "from-env", ProviderConfig{APIKeyEnv: "AIDE_TEST_KEY"}.Key())
	assert.Equal(t, "", ProviderConfig{}.Key())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown default model",
			mutate:  func(c *Config) { c.Router.Default = "gpt" },
			wantErr: "router.default references unknown model",
		},
		{
			name:    "source routed to unknown model",
			mutate:  func(c *Config) { c.Router.Sources["http"] = "nope" },
			wantErr: "router.sources[http]",
		},
		{
			name: "vision model without vision flag",
			mutate: func(c *Config) {
				c.Models = append(c.Models, ModelConfig{Name: "mini", Provider: "anthropic", Remote: "m"})
				c.Router.Vision = "mini"
			},
			wantErr: "not marked vision-capable",
		},
		{
			name:    "bad provider type",
			mutate:  func(c *Config) { c.Providers[0].Type = "gemini" },
			wantErr: "invalid provider type",
		},
		{
			name:    "model on unknown provider",
			mutate:  func(c *Config) { c.Models[0].Provider = "other" },
			wantErr: "unknown provider",
		},
		{
			name:    "zero turns",
			mutate:  func(c *Config) { c.Loop.MaxTurns = 0 },
			wantErr: "loop.max_turns",
		},
		{
			name:    "zero capacity",
			mutate:  func(c *Config) { c.Queue.Capacity = 0 },
			wantErr: "queue.capacity",
		},
		{
			name: "telegram without token",
			mutate: func(c *Config) {
				c.Telegram.Enabled = true
			},
			wantErr: "telegram bot token cannot be empty",
		},
		{
			name: "bad log level",
			mutate: func(c *Config) {
				c.Logging.Level = "loud"
			},
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateTelegramToken(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateTelegramToken("123456:ABC-def_ghi"))
	assert.Error(t, v.ValidateTelegramToken("not-a-token"))
}
