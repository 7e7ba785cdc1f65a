// Package config loads the client configuration from TOML and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/iudanet/wmssync/internal/auth"
	clientsync "github.com/iudanet/wmssync/internal/client/sync"
	"github.com/iudanet/wmssync/internal/validation"
)

// Environment variables that override the file
const (
	EnvServerURL  = "WMS_SERVER_URL"
	EnvDBPath     = "WMS_DB_PATH"
	EnvAuthSecret = "WMS_AUTH_SECRET"
	EnvLogLevel   = "WMS_LOG_LEVEL"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration written as a string ("5s") in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the client configuration
type Config struct {
	ServerURL       string   `toml:"server_url"`
	DBPath          string   `toml:"db_path"`
	AuthSecret      string   `toml:"auth_secret"`
	LogLevel        string   `toml:"log_level"` // debug, info, warn, error
	Tables          []string `toml:"tables"`    // empty: every table
	SlowThreshold   Duration `toml:"slow_threshold"`
	RequestTimeout  Duration `toml:"request_timeout"`
	TokenTTL        Duration `toml:"token_ttl"`
	OutboxRetention Duration `toml:"outbox_retention"`
	BatchSize       int      `toml:"batch_size"`
	PageLimit       int      `toml:"page_limit"`
	MaxPages        int      `toml:"max_pages"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		DBPath:          "wmssync.db",
		LogLevel:        "info",
		SlowThreshold:   Duration{clientsync.DefaultSlowThreshold},
		RequestTimeout:  Duration{30 * time.Second},
		TokenTTL:        Duration{auth.DefaultTokenTTL},
		OutboxRetention: Duration{clientsync.DefaultOutboxRetention},
		BatchSize:       clientsync.DefaultBatchSize,
		PageLimit:       clientsync.DefaultPageLimit,
		MaxPages:        clientsync.DefaultMaxPages,
	}
}

// Read decodes a Config from r on top of the defaults
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Write encodes cfg to w
func Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Load reads the optional file at path, applies the environment and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		cfg, err = Read(f)
		if err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvServerURL); ok {
		c.ServerURL = v
	}
	if v, ok := os.LookupEnv(EnvDBPath); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := os.LookupEnv(EnvAuthSecret); ok {
		c.AuthSecret = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
}

// Validate checks value ranges and formats
func (c *Config) Validate() error {
	var errs []error

	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("server_url %q must be an http(s) URL", c.ServerURL))
		}
	}
	for _, table := range c.Tables {
		if err := validation.ValidateTableName(table); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.PageLimit <= 0 {
		errs = append(errs, errors.New("page_limit must be positive"))
	}
	if c.MaxPages <= 0 {
		errs = append(errs, errors.New("max_pages must be positive"))
	}
	if c.SlowThreshold.Duration <= 0 {
		errs = append(errs, errors.New("slow_threshold must be positive"))
	}
	if c.RequestTimeout.Duration <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.TokenTTL.Duration <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	if c.OutboxRetention.Duration <= 0 {
		errs = append(errs, errors.New("outbox_retention must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// EngineConfig returns the sync engine settings
func (c *Config) EngineConfig() clientsync.Config {
	return clientsync.Config{
		Endpoint:        c.ServerURL,
		Tables:          c.Tables,
		SlowThreshold:   c.SlowThreshold.Duration,
		OutboxRetention: c.OutboxRetention.Duration,
		BatchSize:       c.BatchSize,
		PageLimit:       c.PageLimit,
		MaxPages:        c.MaxPages,
	}
}

// AuthConfig returns the token signing settings
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		Secret:   []byte(c.AuthSecret),
		TokenTTL: c.TokenTTL.Duration,
	}
}

// Level returns the configured log level
func (c *Config) Level() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// ParseLevel parses debug, info, warn or error
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
