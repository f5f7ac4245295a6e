// Package config loads relay settings from defaults, environment variables
// and an optional YAML file carrying the presence timing knobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingKey    = errors.New("encryption key is required")
	ErrUnknownDriver = errors.New("unknown database driver")
)

type Config struct {
	Port          int
	HTTPPort      int
	AllowedOrigin string
	EncryptionKey string
	DBDriver      string
	DBDSN         string
	ReadTimeout   int // seconds, 0 disables
	WriteTimeout  int // seconds
	LogLevel      string
	ControlSocket string
	Timing        Timing
}

// Timing holds the presence and typing durations.
type Timing struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	EvictAfter    time.Duration `yaml:"evict_after"`
	TypingTimeout time.Duration `yaml:"typing_timeout"`
}

func Default() *Config {
	return &Config{
		Port:          3215,
		HTTPPort:      3216,
		AllowedOrigin: "http://localhost:3000",
		DBDriver:      "sqlite3",
		DBDSN:         "dmrelay.db",
		ReadTimeout:   600,
		WriteTimeout:  30,
		LogLevel:      "info",
		ControlSocket: "/tmp/dmrelay.sock",
		Timing: Timing{
			SweepInterval: 60 * time.Second,
			IdleThreshold: 5 * time.Minute,
			EvictAfter:    5 * time.Minute,
			TypingTimeout: 3 * time.Second,
		},
	}
}

// Load returns the defaults overridden by any RELAY_* environment variables.
func Load() *Config {
	cfg := Default()

	if portStr := os.Getenv("RELAY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if portStr := os.Getenv("RELAY_HTTP_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.HTTPPort = port
		}
	}

	if origin := os.Getenv("RELAY_ALLOWED_ORIGIN"); origin != "" {
		cfg.AllowedOrigin = origin
	}

	if key := os.Getenv("RELAY_ENCRYPTION_KEY"); key != "" {
		cfg.EncryptionKey = key
	}

	if driver := os.Getenv("RELAY_DB_DRIVER"); driver != "" {
		cfg.DBDriver = driver
	}

	if dsn := os.Getenv("RELAY_DB_DSN"); dsn != "" {
		cfg.DBDSN = dsn
	}

	if timeoutStr := os.Getenv("RELAY_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("RELAY_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if sock := os.Getenv("RELAY_CONTROL_SOCKET"); sock != "" {
		cfg.ControlSocket = sock
	}

	return cfg
}

// LoadFile overlays the timing section of a YAML file onto cfg. Keys that are
// absent from the file keep their current values.
func (cfg *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file struct {
		Timing Timing `yaml:"timing"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if file.Timing.SweepInterval != 0 {
		cfg.Timing.SweepInterval = file.Timing.SweepInterval
	}
	if file.Timing.IdleThreshold != 0 {
		cfg.Timing.IdleThreshold = file.Timing.IdleThreshold
	}
	if file.Timing.EvictAfter != 0 {
		cfg.Timing.EvictAfter = file.Timing.EvictAfter
	}
	if file.Timing.TypingTimeout != 0 {
		cfg.Timing.TypingTimeout = file.Timing.TypingTimeout
	}

	return nil
}

func (cfg *Config) Validate() error {
	if cfg.EncryptionKey == "" {
		return ErrMissingKey
	}

	switch cfg.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.DBDriver)
	}

	durations := map[string]time.Duration{
		"sweep_interval": cfg.Timing.SweepInterval,
		"idle_threshold": cfg.Timing.IdleThreshold,
		"evict_after":    cfg.Timing.EvictAfter,
		"typing_timeout": cfg.Timing.TypingTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %d", cfg.WriteTimeout)
	}

	return nil
}
