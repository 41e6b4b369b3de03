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

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
port: 3120
debug: true
launch-mode: "debug"
stream-proxy-port: 3220
upstream-proxy-url: "socks5://127.0.0.1:1080"
intercept-domains:
  - "*.clients6.google.com"
  - "alkalimakersuite-pa.clients6.google.com"
completion-timeout-ms: 120000
api-keys:
  - "sk-test"
excluded-models:
  - "gemini-pro-vision"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3120, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, LaunchDebug, cfg.LaunchMode)
	assert.Equal(t, 3220, cfg.StreamProxyPort)
	assert.True(t, cfg.StreamProxyEnabled())
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.UpstreamProxyURL)
	assert.Len(t, cfg.InterceptDomains, 2)
	assert.Equal(t, 120*time.Second, cfg.CompletionTimeout())
	assert.Equal(t, []string{"sk-test"}, cfg.APIKeys)
	assert.Equal(t, []string{"gemini-pro-vision"}, cfg.ExcludedModels)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, 2048, cfg.Port)
	assert.Equal(t, LaunchHeadless, cfg.LaunchMode)
	assert.Equal(t, "certs", cfg.CertDir)
	assert.Equal(t, "gemini-2.5-pro", cfg.DefaultModel)
	assert.Equal(t, "usage.db", cfg.UsageDBPath)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, []string{"*.clients6.google.com"}, cfg.InterceptDomains)
	assert.Equal(t, 300*time.Second, cfg.CompletionTimeout())
	assert.False(t, cfg.StreamProxyEnabled())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "port: [not a port"))
	assert.Error(t, err)
}

func TestValidateLaunchMode(t *testing.T) {
	cfg := &Config{LaunchMode: "teleport"}
	assert.Error(t, cfg.Validate())

	cfg.LaunchMode = LaunchDebug
	assert.NoError(t, cfg.Validate())
}

func TestValidateAuthStateFile(t *testing.T) {
	cfg := &Config{LaunchMode: LaunchHeadless}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth-state-file")

	cfg.AuthStateFile = filepath.Join(t.TempDir(), "missing.json")
	assert.Error(t, cfg.Validate())

	require.NoError(t, os.WriteFile(cfg.AuthStateFile, []byte("{}"), 0o600))
	assert.NoError(t, cfg.Validate())
}
