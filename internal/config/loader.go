package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	defaultDirName  = ".aide"
	defaultFileName = "aide.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file over the defaults. A missing file yields the
// defaults with derived paths filled in.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		v.SetEnvPrefix("AIDE")
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Lists in the file replace the defaults instead of merging index by index.
		if v.IsSet("providers") {
			cfg.Providers = nil
		}
		if v.IsSet("models") {
			cfg.Models = nil
		}
		if v.IsSet("queue.debounce_sources") {
			cfg.Queue.DebounceSources = nil
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := applyDerivedPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDerivedPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, defaultDirName)
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "aide.log")
	}
	if cfg.Control.SocketPath == "" {
		cfg.Control.SocketPath = filepath.Join(cfg.DataDir, "control.sock")
	}
	if cfg.Tracing.File == "" {
		cfg.Tracing.File = filepath.Join(cfg.DataDir, "traces.jsonl")
	}
	return nil
}

// Save writes cfg as JSON to the loader's path.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace_path", cfg.WorkspacePath)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("queue", cfg.Queue)
	v.Set("router", cfg.Router)
	v.Set("providers", cfg.Providers)
	v.Set("models", cfg.Models)
	v.Set("loop", cfg.Loop)
	v.Set("session", cfg.Session)
	v.Set("tools", cfg.Tools)
	v.Set("memory", cfg.Memory)
	v.Set("telegram", cfg.Telegram)
	v.Set("http", cfg.HTTP)
	v.Set("control", cfg.Control)
	v.Set("schedules", cfg.Schedules)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultDirName, defaultFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
