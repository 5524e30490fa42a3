package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
upstream:
  base_url: http://patients.internal:8081/
  timeout: 3s
directory:
  page_size: 25
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ":9090", cfg.Server.Addr())
	assert.Equal(t, "http://patients.internal:8081", cfg.Upstream.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 25, cfg.Directory.PageSize)

	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, 5, cfg.Breaker.ConsecutiveFailures)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "console_session", cfg.Session.CookieName)
	assert.Equal(t, 4*time.Second, cfg.Toast.Duration)
	assert.Equal(t, 6*time.Second, cfg.Toast.ErrorDuration)
	assert.Equal(t, "memory", cfg.ChangeFeed.Driver)
	assert.Equal(t, []string{"http://localhost:4200"}, cfg.Server.AllowedOrigins)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
upstream:
  base_url: http://from-file:8081
`)
	t.Setenv("CONSOLE_UPSTREAM_URL", "http://from-env:9000")
	t.Setenv("CONSOLE_PAGE_SIZE", "50")
	t.Setenv("CONSOLE_SESSION_TTL", "2m")
	t.Setenv("CONSOLE_LOG_FORMAT", "json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:9000", cfg.Upstream.BaseURL)
	assert.Equal(t, 50, cfg.Directory.PageSize)
	assert.Equal(t, 2*time.Minute, cfg.Session.TTL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, `
changefeed:
  driver: redis
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)

	path = writeConfig(t, `
directory:
  page_size: 0
`)
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
