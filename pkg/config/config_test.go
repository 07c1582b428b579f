package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/trustplane/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "standard", cfg.Mode)
	assert.Equal(t, 5*time.Minute, cfg.MaxAge)
	assert.Equal(t, "trustplane.db", cfg.DatabasePath)
	assert.Empty(t, cfg.SigningKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRUSTPLANE_MODE", "read_only")
	t.Setenv("TRUSTPLANE_MAX_AGE", "30s")
	t.Setenv("TRUSTPLANE_RATE_LIMIT", "12.5")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "read_only", cfg.Mode)
	assert.Equal(t, 30*time.Second, cfg.MaxAge)
	assert.Equal(t, 12.5, cfg.RateLimit)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("TRUSTPLANE_MAX_AGE", "not-a-duration")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoadFile_EnvWinsOverProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustplane.yaml")
	profile := "mode: extended\nmax_age: 1m\ndatabase_path: /var/lib/trustplane.db\n"
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o600))

	t.Setenv("TRUSTPLANE_MODE", "unrestricted")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "unrestricted", cfg.Mode, "environment overrides the profile")
	assert.Equal(t, time.Minute, cfg.MaxAge)
	assert.Equal(t, "/var/lib/trustplane.db", cfg.DatabasePath)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestKey_Configured(t *testing.T) {
	raw := []byte("0123456789abcdef0123456789abcdef")
	cfg := &config.Config{SigningKey: base64.StdEncoding.EncodeToString(raw)}

	key, ephemeral, err := cfg.Key()
	require.NoError(t, err)
	assert.False(t, ephemeral)
	assert.Equal(t, raw, key)
}

func TestKey_EphemeralWhenUnset(t *testing.T) {
	cfg := &config.Config{}

	a, ephemeral, err := cfg.Key()
	require.NoError(t, err)
	assert.True(t, ephemeral)
	assert.Len(t, a, 32)

	b, _, err := cfg.Key()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestKey_InvalidBase64(t *testing.T) {
	cfg := &config.Config{SigningKey: "%%%not-base64%%%"}
	_, _, err := cfg.Key()
	assert.Error(t, err)
}
