package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// like "10s" or "1m30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
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

// Config represents ~/.chatkit/config.toml.
type Config struct {
	// Endpoint is the base URL of the messaging server, e.g.
	// "https://chat.example.com".
	Endpoint string `toml:"endpoint"`
	// Identity is the opaque identifier of the local party, issued
	// externally at login.
	Identity string `toml:"identity"`
	// Token authenticates the connection. Issuance is out of scope.
	Token string `toml:"token"`

	ReconnectBaseDelay  Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay   Duration `toml:"reconnect_max_delay"`
	AckTimeout          Duration `toml:"ack_timeout"`
	MaxRetries          int      `toml:"max_retries"`
	PresenceStaleWindow Duration `toml:"presence_stale_window"`
}

// Default returns a config with all tunables at their defaults and no
// endpoint or identity set.
func Default() Config {
	return Config{
		ReconnectBaseDelay:  Duration(1 * time.Second),
		ReconnectMaxDelay:   Duration(30 * time.Second),
		AckTimeout:          Duration(10 * time.Second),
		MaxRetries:          3,
		PresenceStaleWindow: Duration(60 * time.Second),
	}
}

// Load reads config from the given path, applying defaults for absent
// tunables. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.PresenceStaleWindow <= 0 {
		c.PresenceStaleWindow = def.PresenceStaleWindow
	}
}
