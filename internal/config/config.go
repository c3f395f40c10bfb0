// Package config loads engine configuration. Defaults come from code, an
// optional TOML file overlays them, and environment variables win over both.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that unmarshals from strings like "3s" in
// both TOML and environment variables.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all engine configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Shell     ShellConfig     `toml:"shell"`
	Blocks    BlockConfig     `toml:"blocks"`
	Cancel    CancelConfig    `toml:"cancel"`
	History   HistoryConfig   `toml:"history"`
	Logging   LogConfig       `toml:"logging"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" toml:"port"`
	Host string `envconfig:"HOST" toml:"host"`
}

// ShellConfig holds shell process configuration.
type ShellConfig struct {
	Path       string            `envconfig:"SHELL_PATH" toml:"path"`
	WorkingDir string            `envconfig:"SHELL_WORKDIR" toml:"working_dir"`
	Env        map[string]string `envconfig:"SHELL_ENV" toml:"env"`
	Backend    string            `envconfig:"SHELL_BACKEND" toml:"backend"` // "pty" or "pipe"
	Cols       int               `envconfig:"SHELL_COLS" toml:"cols"`
	Rows       int               `envconfig:"SHELL_ROWS" toml:"rows"`
}

// BlockConfig holds block collection limits.
type BlockConfig struct {
	MaxOutputBytes int `envconfig:"BLOCK_MAX_OUTPUT_BYTES" toml:"max_output_bytes"`
	MaxBlocks      int `envconfig:"BLOCK_MAX_COUNT" toml:"max_blocks"`
}

// CancelConfig holds cancellation escalation configuration.
type CancelConfig struct {
	GracePeriod Duration `envconfig:"CANCEL_GRACE_PERIOD" toml:"grace_period"`
}

// HistoryConfig holds history recorder configuration.
type HistoryConfig struct {
	Enabled  bool   `envconfig:"HISTORY_ENABLED" toml:"enabled"`
	Path     string `envconfig:"HISTORY_PATH" toml:"path"`
	Compress bool   `envconfig:"HISTORY_COMPRESS" toml:"compress"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" toml:"development"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" toml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8090",
			Host: "0.0.0.0",
		},
		Shell: ShellConfig{
			Path:       defaultShell(),
			WorkingDir: defaultWorkingDir(),
			Env:        map[string]string{},
			Backend:    "pty",
			Cols:       80,
			Rows:       24,
		},
		Blocks: BlockConfig{
			MaxOutputBytes: 1 << 20, // 1 MiB per block
			MaxBlocks:      1000,
		},
		Cancel: CancelConfig{
			GracePeriod: Duration(3 * time.Second),
		},
		History: HistoryConfig{
			Enabled:  false,
			Path:     "",
			Compress: false,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Load builds configuration from defaults plus environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	return cfg, nil
}

// LoadFile builds configuration from defaults, overlays the TOML file at
// path, then applies environment variables on top.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

func defaultWorkingDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "/tmp"
}
