package agent

import (
	"testing"

	"github.com/harun/aide/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderFactory(t *testing.T) {
	f := NewProviderFactory()
	assert.Equal(t, []string{"anthropic", "openai"}, f.Types())

	p, err := f.NewProvider(ProviderConfig{Name: "main", Type: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "main", p.Name())

	p, err = f.NewProvider(ProviderConfig{Name: "local", Type: "openai", APIKey: "k", BaseURL: "http://localhost:11434/v1"})
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())

	_, err = f.NewProvider(ProviderConfig{Name: "x", Type: "gemini", APIKey: "k"})
	assert.Error(t, err)

	_, err = f.NewProvider(ProviderConfig{Name: "x", Type: "openai"})
	assert.Error(t, err)
}

func TestNewCatalog_SkipsUnusableModels(t *testing.T) {
	logger := zerolog.Nop()
	c, err := NewCatalog(NewProviderFactory(),
		[]ProviderConfig{
			{Name: "anthropic", Type: "anthropic", APIKey: "k"},
			{Name: "openai", Type: "openai"},
		},
		[]ModelSpec{
			{Name: "sonnet", Provider: "anthropic", Remote: "claude-sonnet-4-5"},
			{Name: "haiku", Provider: "anthropic"},
			{Name: "gpt", Provider: "openai", Remote: "gpt-4o"},
		}, &logger)
	require.NoError(t, err)

	assert.True(t, c.Available("sonnet"))
	assert.False(t, c.Available("gpt"))
	assert.False(t, c.Available("nope"))
	assert.Equal(t, []string{"haiku", "sonnet"}, c.Models())

	spec, p, err := c.Lookup("haiku")
	require.NoError(t, err)
	assert.Equal(t, "haiku", spec.Remote)
	assert.Equal(t, "anthropic", p.Name())
}

func TestNewCatalog_NoModels(t *testing.T) {
	logger := zerolog.Nop()
	_, err := NewCatalog(NewProviderFactory(), nil, []ModelSpec{{Name: "x", Provider: "y"}}, &logger)
	assert.Error(t, err)
}

func TestPricingCost(t *testing.T) {
	u := session.Usage{InputTokens: 2_000_000, OutputTokens: 1_000_000, CacheReadTokens: 1_000_000, CacheWriteTokens: 1_000_000}
	assert.InDelta(t, 2*3+15+0.3+3.75, testPricing.Cost(u), 1e-9)
	assert.Zero(t, Pricing{}.Cost(u))
}
