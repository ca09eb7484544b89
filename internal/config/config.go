package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the transcript server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	Watch       WatchConfig       `yaml:"watch"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin,
	// which suits the local single-user deployment this server targets.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type TranscriptsConfig struct {
	// Roots are the directories scanned for project transcript folders.
	// Defaults to ~/.claude/projects.
	Roots []string `yaml:"roots"`

	// RescanInterval is how often the roots are rescanned for created and
	// deleted sessions, in seconds.
	RescanIntervalSeconds int `yaml:"rescan_interval_seconds"`
}

type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
	MaxWaitMs  int `yaml:"max_wait_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. A missing path yields the
// defaults rather than an error, so the server runs with no config file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if len(cfg.Transcripts.Roots) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Transcripts.Roots = []string{filepath.Join(home, ".claude", "projects")}
		}
	}
	if cfg.Transcripts.RescanIntervalSeconds == 0 {
		cfg.Transcripts.RescanIntervalSeconds = 5
	}
	if cfg.Watch.DebounceMs == 0 {
		cfg.Watch.DebounceMs = 100
	}
	if cfg.Watch.MaxWaitMs == 0 {
		cfg.Watch.MaxWaitMs = 500
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for inconsistencies that defaults cannot
// repair.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if len(c.Transcripts.Roots) == 0 {
		return fmt.Errorf("transcripts.roots is empty and no home directory was found")
	}
	if c.Watch.MaxWaitMs < c.Watch.DebounceMs {
		return fmt.Errorf("watch.max_wait_ms (%d) must be >= watch.debounce_ms (%d)",
			c.Watch.MaxWaitMs, c.Watch.DebounceMs)
	}
	return nil
}
