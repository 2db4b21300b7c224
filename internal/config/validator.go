package config

import (
	"fmt"
	"regexp"
	"strings"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProviderType accepts the connection types the provider factory knows.
func (v *Validator) ValidateProviderType(kind string) error {
	switch kind {
	case "anthropic", "openai":
		return nil
	}
	return fmt.Errorf("invalid provider type %q (must be one of: anthropic, openai)", kind)
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig returns every problem found in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio must be between 0 and 1")
	}

	if cfg.Queue.Capacity <= 0 {
		add("queue.capacity must be > 0")
	}
	if cfg.Queue.DebounceMS < 0 {
		add("queue.debounce_ms must be >= 0")
	}
	if cfg.Queue.DrainTimeoutSec < 0 {
		add("queue.drain_timeout_sec must be >= 0")
	}

	providers := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Name == "" {
			add("provider %d: name is required", i)
			continue
		}
		if providers[p.Name] {
			add("provider %s: duplicate name", p.Name)
		}
		providers[p.Name] = true
		if err := v.ValidateProviderType(p.Type); err != nil {
			add("provider %s: %v", p.Name, err)
		}
	}

	models := make(map[string]ModelConfig, len(cfg.Models))
	for i, m := range cfg.Models {
		if m.Name == "" {
			add("model %d: name is required", i)
			continue
		}
		if _, dup := models[m.Name]; dup {
			add("model %s: duplicate name", m.Name)
		}
		models[m.Name] = m
		if !providers[m.Provider] {
			add("model %s: unknown provider %q", m.Name, m.Provider)
		}
		if m.Remote == "" {
			add("model %s: remote model id is required", m.Name)
		}
		if m.MaxTokens < 0 {
			add("model %s: max_tokens must be >= 0", m.Name)
		}
		pr := m.Pricing
		if pr.Input < 0 || pr.Output < 0 || pr.CacheRead < 0 || pr.CacheWrite < 0 {
			add("model %s: prices must be >= 0", m.Name)
		}
	}

	if cfg.Router.Default == "" {
		add("router.default is required")
	} else if _, ok := models[cfg.Router.Default]; !ok {
		add("router.default references unknown model %q", cfg.Router.Default)
	}
	for source, model := range cfg.Router.Sources {
		if _, ok := models[model]; !ok {
			add("router.sources[%s] references unknown model %q", source, model)
		}
	}
	for tier, model := range cfg.Router.Tiers {
		if _, ok := models[model]; !ok {
			add("router.tiers[%s] references unknown model %q", tier, model)
		}
	}
	if cfg.Router.Vision != "" {
		if m, ok := models[cfg.Router.Vision]; !ok {
			add("router.vision references unknown model %q", cfg.Router.Vision)
		} else if !m.Vision {
			add("router.vision model %q is not marked vision-capable", cfg.Router.Vision)
		}
	}
	if cm := cfg.Session.CompactionModel; cm != "" {
		if _, ok := models[cm]; !ok {
			add("session.compaction_model references unknown model %q", cm)
		}
	}

	l := cfg.Loop
	if l.MaxTurns < 1 {
		add("loop.max_turns must be >= 1")
	}
	if l.MaxCostPerMessage < 0 {
		add("loop.max_cost_per_message must be >= 0")
	}
	if l.CallTimeoutSec <= 0 {
		add("loop.call_timeout_sec must be > 0")
	}
	if l.RetryAttempts < 0 || l.MessageRetries < 0 {
		add("loop retry counts must be >= 0")
	}
	if l.RetryBaseMS < 0 || l.RetryMaxMS < 0 || l.MessageRetryBaseMS < 0 {
		add("loop backoff durations must be >= 0")
	}
	if l.ToolConcurrency < 1 {
		add("loop.tool_concurrency must be >= 1")
	}

	if cfg.Session.CompactionThresholdTokens <= 0 {
		add("session.compaction_threshold_tokens must be > 0")
	}
	if cfg.Session.ArchiveIdleHours < 0 {
		add("session.archive_idle_hours must be >= 0")
	}
	if cfg.Tools.OutputBudgetChars <= 0 {
		add("tools.output_budget_chars must be > 0")
	}

	if cfg.Telegram.Enabled {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.HTTP.Enabled {
		if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
			add("http.port out of range: %d", cfg.HTTP.Port)
		}
		if cfg.HTTP.ReplyTimeoutSec <= 0 {
			add("http.reply_timeout_sec must be > 0")
		}
	}

	for i, s := range cfg.Schedules {
		if strings.TrimSpace(s.Cron) == "" || strings.TrimSpace(s.Prompt) == "" {
			add("schedule %d (%s): cron and prompt are required", i, s.Name)
		}
	}

	return errs
}
