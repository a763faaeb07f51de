package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds configuration for a pipe run.
type Config struct {
	TickDuration time.Duration // Wall time per loop tick (default 1ms, 0 = free-running)
	PollInterval int64         // Ticks between polls of running processes and pool calls (default 20)
	Workers      int           // Worker pool size (default runtime.NumCPU())
	LogLevel     string        // Log level: debug, info, warn, error
	LogFormat    string        // Log format: text, json
	DBPath       string        // SQLite history path ($PIPE_DB or ~/.pipe/history.db, ":memory:" for testing)
	NoHistory    bool          // Skip the history store entirely
	Listen       string        // Status server address for `pipe serve` ("" = disabled)
	TraceFile    string        // Write OpenTelemetry spans to this file ("" = disabled)
}

// Settings are the per-file overrides a pipeline may carry.
type Settings struct {
	Tick         *time.Duration
	PollInterval *int64
	Workers      *int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickDuration: time.Millisecond,
		PollInterval: 20,
		Workers:      runtime.NumCPU(),
		LogLevel:     "info",
		LogFormat:    "text",
		DBPath:       os.Getenv("PIPE_DB"),
	}
}

// Apply overlays pipeline settings on c.
func (c *Config) Apply(s Settings) {
	if s.Tick != nil {
		c.TickDuration = *s.Tick
	}
	if s.PollInterval != nil {
		c.PollInterval = *s.PollInterval
	}
	if s.Workers != nil {
		c.Workers = *s.Workers
	}
}

// Validate rejects values the loop cannot run with.
func (c *Config) Validate() error {
	if c.TickDuration < 0 {
		return fmt.Errorf("tick duration must not be negative, got %s", c.TickDuration)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", c.PollInterval)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}

// ResolveDBPath returns the history database path, defaulting to
// ~/.pipe/history.db, and creates its parent directory.
func (c *Config) ResolveDBPath() (string, error) {
	path := c.DBPath
	if path == ":memory:" {
		return path, nil
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, ".pipe", "history.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create db dir: %w", err)
	}
	return path, nil
}
