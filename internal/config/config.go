package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dmarquesp/wahub/internal/paths"
)

// Duration wraps time.Duration so it can be written as "10s" in TOML.
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

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the daemon configuration file.
type Config struct {
	ListenAddr         string   `toml:"listen_addr"`
	DataDir            string   `toml:"data_dir"`
	TokenSecret        string   `toml:"token_secret"`
	MaxSessionsPerUser int      `toml:"max_sessions_per_user"`
	SyncMessageLimit   int      `toml:"sync_message_limit"`
	ShutdownTimeout    Duration `toml:"shutdown_timeout"`
	QRImageSize        int      `toml:"qr_image_size"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		ListenAddr:         "127.0.0.1:8421",
		DataDir:            paths.DefaultDataDir(),
		MaxSessionsPerUser: 3,
		SyncMessageLimit:   50,
		ShutdownTimeout:    Duration(10 * time.Second),
		QRImageSize:        256,
	}
}

// Load reads config from the given path, merged over defaults.
// A missing file is not an error; defaults are returned.
// WAHUB_TOKEN_SECRET overrides the token secret from the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if secret := os.Getenv("WAHUB_TOKEN_SECRET"); secret != "" {
		cfg.TokenSecret = secret
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

func (c *Config) validate() error {
	if c.MaxSessionsPerUser < 1 {
		return fmt.Errorf("max_sessions_per_user must be at least 1, got %d", c.MaxSessionsPerUser)
	}
	if c.SyncMessageLimit < 1 {
		return fmt.Errorf("sync_message_limit must be at least 1, got %d", c.SyncMessageLimit)
	}
	if c.ShutdownTimeout.Std() <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout.Std())
	}
	return nil
}
