package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("LICENSE_SERVER_JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("LICENSE_SERVER_ALLOW_INSECURE_HTTP", "true")

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":8801", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.Storage)
	assert.Equal(t, []string{"predefined"}, cfg.DefaultModels)
	assert.Equal(t, 30, cfg.DefaultDurationDays)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 720*time.Hour, cfg.SessionTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadServerRequiresSecret(t *testing.T) {
	t.Setenv("LICENSE_SERVER_JWT_SECRET", "")
	os.Unsetenv("LICENSE_SERVER_JWT_SECRET")
	_, err := LoadServer()
	assert.Error(t, err)
}

func TestServerValidate(t *testing.T) {
	t.Setenv("LICENSE_SERVER_JWT_SECRET", "short")
	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	cfg.JWTSecret = "0123456789abcdef0123"
	assert.ErrorContains(t, cfg.Validate(), "TLS_CERT")

	cfg.TLSCert, cfg.TLSKey = "cert.pem", "key.pem"
	assert.NoError(t, cfg.Validate())
}

func TestLoadKioskOverrides(t *testing.T) {
	t.Setenv("LICENSE_CLIENT_SERVER", "http://127.0.0.1:9000")
	t.Setenv("LICENSE_CLIENT_REVALIDATE_INTERVAL", "30s")
	t.Setenv("LICENSE_CLIENT_BRIDGE_ENABLED", "false")

	cfg, err := LoadKiosk()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.ServerURL)
	assert.Equal(t, 30*time.Second, cfg.RevalidateInterval)
	assert.Equal(t, 10*time.Second, cfg.ExpiryCheck)
	assert.False(t, cfg.BridgeEnabled)
	assert.Equal(t, ".kiosk-session.dat", cfg.SessionFile)
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LICENSE_CLIENT_EMAIL=from-file@example.com\nLICENSE_CLIENT_APP_NAME=FromFile\n"), 0o600))
	t.Setenv("LICENSE_CLIENT_APP_NAME", "FromEnv")
	t.Setenv("LICENSE_CLIENT_EMAIL", "")
	os.Unsetenv("LICENSE_CLIENT_EMAIL")

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	cfg, err := LoadKiosk()
	require.NoError(t, err)
	assert.Equal(t, "from-file@example.com", cfg.Email)
	assert.Equal(t, "FromEnv", cfg.AppName)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "warn")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"k":"v"`)
}
