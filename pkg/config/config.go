// Package config loads runtime settings for the trust boundary. Settings
// come from a YAML profile overlaid by TRUSTPLANE_* environment variables;
// the environment always wins so deployments can override a checked-in
// profile without editing it.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime settings of the trust boundary.
type Config struct {
	// Mode is the research mode the allowlist starts in.
	Mode string `yaml:"mode"`
	// SigningKey is the base64-encoded HMAC key. Empty means an ephemeral
	// key is generated at startup; signatures then die with the process.
	SigningKey string `yaml:"signing_key"`
	// MaxAge bounds instruction validity.
	MaxAge time.Duration `yaml:"max_age"`
	// NonceTTL bounds replay-cache retention; zero means MaxAge.
	NonceTTL time.Duration `yaml:"nonce_ttl"`
	// DatabaseURL selects Postgres storage when set.
	DatabaseURL string `yaml:"database_url"`
	// DatabasePath selects SQLite storage; ignored when DatabaseURL is set.
	DatabasePath string `yaml:"database_path"`
	// RedisAddr enables the shared nonce store when set.
	RedisAddr string `yaml:"redis_addr"`
	// RateLimit caps signing operations per second; zero disables the cap.
	RateLimit float64 `yaml:"rate_limit"`
}

func defaults() *Config {
	return &Config{
		Mode:         "standard",
		MaxAge:       5 * time.Minute,
		DatabasePath: "trustplane.db",
	}
}

// Load builds a Config from defaults and the environment.
func Load() (*Config, error) {
	cfg := defaults()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds a Config from a YAML profile, then overlays the
// environment on top.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s failed: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s failed: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("TRUSTPLANE_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("TRUSTPLANE_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("TRUSTPLANE_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: TRUSTPLANE_MAX_AGE: %w", err)
		}
		cfg.MaxAge = d
	}
	if v := os.Getenv("TRUSTPLANE_NONCE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: TRUSTPLANE_NONCE_TTL: %w", err)
		}
		cfg.NonceTTL = d
	}
	if v := os.Getenv("TRUSTPLANE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("TRUSTPLANE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("TRUSTPLANE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("TRUSTPLANE_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: TRUSTPLANE_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = f
	}
	return nil
}

// Key decodes the configured signing key. When no key is configured, a
// random 32-byte key is generated and ephemeral is true.
func (c *Config) Key() (key []byte, ephemeral bool, err error) {
	if c.SigningKey == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("config: generate ephemeral key failed: %w", err)
		}
		return key, true, nil
	}
	key, err = base64.StdEncoding.DecodeString(c.SigningKey)
	if err != nil {
		return nil, false, fmt.Errorf("config: signing key is not valid base64: %w", err)
	}
	return key, false, nil
}
