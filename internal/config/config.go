package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config represents the main aide configuration
type Config struct {
	DataDir       string `json:"data_dir" mapstructure:"data_dir"`
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	Logging   LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing   TracingConfig    `json:"tracing" mapstructure:"tracing"`
	Queue     QueueConfig      `json:"queue" mapstructure:"queue"`
	Router    RouterConfig     `json:"router" mapstructure:"router"`
	Providers []ProviderConfig `json:"providers" mapstructure:"providers"`
	Models    []ModelConfig    `json:"models" mapstructure:"models"`
	Loop      LoopConfig       `json:"loop" mapstructure:"loop"`
	Session   SessionConfig    `json:"session" mapstructure:"session"`
	Tools     ToolsConfig      `json:"tools" mapstructure:"tools"`
	Memory    MemoryConfig     `json:"memory" mapstructure:"memory"`
	Telegram  TelegramConfig   `json:"telegram" mapstructure:"telegram"`
	HTTP      HTTPConfig       `json:"http" mapstructure:"http"`
	Control   ControlConfig    `json:"control" mapstructure:"control"`
	Schedules []ScheduleConfig `json:"schedules" mapstructure:"schedules"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig controls span export. Finished spans are written as JSON
// lines to File, which rotates like the log file.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	File        string  `json:"file" mapstructure:"file"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	MaxSize     int     `json:"max_size" mapstructure:"max_size"` // MB
}

// QueueConfig sizes the ingestion queue and the debounce window.
type QueueConfig struct {
	Capacity        int      `json:"capacity" mapstructure:"capacity"`
	DebounceMS      int      `json:"debounce_ms" mapstructure:"debounce_ms"`
	DebounceSources []string `json:"debounce_sources" mapstructure:"debounce_sources"`
	DrainTimeoutSec int      `json:"drain_timeout_sec" mapstructure:"drain_timeout_sec"`
}

// RouterConfig maps sources, images and tier overrides to model names.
type RouterConfig struct {
	Default string            `json:"default" mapstructure:"default"`
	Sources map[string]string `json:"sources" mapstructure:"sources"`
	Vision  string            `json:"vision" mapstructure:"vision"`
	Tiers   map[string]string `json:"tiers" mapstructure:"tiers"`
}

// ProviderConfig is one upstream LLM connection.
type ProviderConfig struct {
	Name      string `json:"name" mapstructure:"name"`
	Type      string `json:"type" mapstructure:"type"` // anthropic, openai
	APIKey    string `json:"api_key,omitempty" mapstructure:"api_key"`
	APIKeyEnv string `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	BaseURL   string `json:"base_url,omitempty" mapstructure:"base_url"`
}

// Key returns the literal key, falling back to the named environment variable.
func (p ProviderConfig) Key() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// ModelConfig binds a routable model name to a provider and its prices.
type ModelConfig struct {
	Name      string        `json:"name" mapstructure:"name"`
	Provider  string        `json:"provider" mapstructure:"provider"`
	Remote    string        `json:"remote" mapstructure:"remote"`
	Vision    bool          `json:"vision" mapstructure:"vision"`
	MaxTokens int           `json:"max_tokens" mapstructure:"max_tokens"`
	Pricing   PricingConfig `json:"pricing" mapstructure:"pricing"`
}

// PricingConfig is USD per million tokens.
type PricingConfig struct {
	Input      float64 `json:"input" mapstructure:"input"`
	Output     float64 `json:"output" mapstructure:"output"`
	CacheRead  float64 `json:"cache_read" mapstructure:"cache_read"`
	CacheWrite float64 `json:"cache_write" mapstructure:"cache_write"`
}

// LoopConfig bounds one agentic run and the retries around it.
type LoopConfig struct {
	MaxTurns           int     `json:"max_turns" mapstructure:"max_turns"`
	MaxCostPerMessage  float64 `json:"max_cost_per_message" mapstructure:"max_cost_per_message"`
	CallTimeoutSec     int     `json:"call_timeout_sec" mapstructure:"call_timeout_sec"`
	RetryAttempts      int     `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBaseMS        int     `json:"retry_base_ms" mapstructure:"retry_base_ms"`
	RetryMaxMS         int     `json:"retry_max_ms" mapstructure:"retry_max_ms"`
	ToolConcurrency    int     `json:"tool_concurrency" mapstructure:"tool_concurrency"`
	MessageRetries     int     `json:"message_retries" mapstructure:"message_retries"`
	MessageRetryBaseMS int     `json:"message_retry_base_ms" mapstructure:"message_retry_base_ms"`
	FallbackText       string  `json:"fallback_text" mapstructure:"fallback_text"`
	SystemPrompt       string  `json:"system_prompt" mapstructure:"system_prompt"`
}

func (l LoopConfig) CallTimeout() time.Duration {
	return time.Duration(l.CallTimeoutSec) * time.Second
}

func (l LoopConfig) RetryBase() time.Duration {
	return time.Duration(l.RetryBaseMS) * time.Millisecond
}

func (l LoopConfig) RetryMax() time.Duration {
	return time.Duration(l.RetryMaxMS) * time.Millisecond
}

func (l LoopConfig) MessageRetryBase() time.Duration {
	return time.Duration(l.MessageRetryBaseMS) * time.Millisecond
}

// SessionConfig controls compaction and idle archiving.
type SessionConfig struct {
	CompactionThresholdTokens int    `json:"compaction_threshold_tokens" mapstructure:"compaction_threshold_tokens"`
	CompactionModel           string `json:"compaction_model" mapstructure:"compaction_model"`
	// ArchiveIdleHours archives sessions untouched for this long. Zero disables it.
	ArchiveIdleHours int `json:"archive_idle_hours" mapstructure:"archive_idle_hours"`
}

func (s SessionConfig) ArchiveIdle() time.Duration {
	return time.Duration(s.ArchiveIdleHours) * time.Hour
}

// ToolsConfig holds tool registry settings.
type ToolsConfig struct {
	OutputBudgetChars int `json:"output_budget_chars" mapstructure:"output_budget_chars"`
}

// MemoryConfig bounds the workspace context injected into each call.
type MemoryConfig struct {
	BudgetTokens int `json:"budget_tokens" mapstructure:"budget_tokens"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	BotToken       string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist      []int64 `json:"allowlist" mapstructure:"allowlist"`
	PollTimeoutSec int     `json:"poll_timeout_sec" mapstructure:"poll_timeout_sec"`
}

// HTTPConfig holds the synchronous HTTP API settings.
type HTTPConfig struct {
	Enabled         bool    `json:"enabled" mapstructure:"enabled"`
	Host            string  `json:"host" mapstructure:"host"`
	Port            int     `json:"port" mapstructure:"port"`
	SharedSecret    string  `json:"shared_secret,omitempty" mapstructure:"shared_secret"`
	ReplyTimeoutSec int     `json:"reply_timeout_sec" mapstructure:"reply_timeout_sec"`
	RatePerSec      float64 `json:"rate_per_sec" mapstructure:"rate_per_sec"`
	RateBurst       int     `json:"rate_burst" mapstructure:"rate_burst"`
}

func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

func (h HTTPConfig) ReplyTimeout() time.Duration {
	return time.Duration(h.ReplyTimeoutSec) * time.Second
}

// ControlConfig holds the local control socket settings.
type ControlConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	SocketPath string `json:"socket_path" mapstructure:"socket_path"`
}

// ScheduleConfig is one cron-driven system prompt.
type ScheduleConfig struct {
	Name      string `json:"name" mapstructure:"name"`
	Cron      string `json:"cron" mapstructure:"cron"`
	Prompt    string `json:"prompt" mapstructure:"prompt"`
	SenderKey string `json:"sender_key" mapstructure:"sender_key"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
			MaxSize:     50,
		},
		Queue: QueueConfig{
			Capacity:        1000,
			DebounceMS:      500,
			DebounceSources: []string{"telegram", "control"},
			DrainTimeoutSec: 10,
		},
		Router: RouterConfig{
			Default: "sonnet",
			Sources: map[string]string{},
			Tiers:   map[string]string{},
		},
		Providers: []ProviderConfig{
			{Name: "anthropic", Type: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY"},
		},
		Models: []ModelConfig{
			{
				Name:      "sonnet",
				Provider:  "anthropic",
				Remote:    "claude-sonnet-4-5",
				Vision:    true,
				MaxTokens: 8192,
				Pricing:   PricingConfig{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
			},
		},
		Loop: LoopConfig{
			MaxTurns:           10,
			MaxCostPerMessage:  0,
			CallTimeoutSec:     600,
			RetryAttempts:      2,
			RetryBaseMS:        2000,
			RetryMaxMS:         30000,
			ToolConcurrency:    8,
			MessageRetries:     2,
			MessageRetryBaseMS: 30000,
			FallbackText:       "Sorry, I couldn't process that message. Please try again later.",
		},
		Session: SessionConfig{
			CompactionThresholdTokens: 100000,
		},
		Tools: ToolsConfig{
			OutputBudgetChars: 16000,
		},
		Memory: MemoryConfig{
			BudgetTokens: 4000,
		},
		Telegram: TelegramConfig{
			PollTimeoutSec: 60,
		},
		HTTP: HTTPConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReplyTimeoutSec: 300,
			RatePerSec:      2,
			RateBurst:       5,
		},
		Control: ControlConfig{
			Enabled: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Model returns the named model entry.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Provider returns the named provider entry.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}
