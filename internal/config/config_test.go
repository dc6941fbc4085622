package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "3389", cfg.Target.DefaultPort)
	assert.Equal(t, 10*time.Second, cfg.Target.DialTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.False(t, cfg.Security.SkipTLSValidation)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("RDP_DIAL_TIMEOUT", "5s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SKIP_TLS_VALIDATION", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Target.DialTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
	assert.True(t, cfg.Security.SkipTLSValidation)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := `
server:
  port: "9191"
target:
  dialTimeout: 7s
security:
  allowedOrigins:
    - https://console.example
logging:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadWithOverrides(LoadOptions{ConfigFile: path})
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Server.Port)
	assert.Equal(t, 7*time.Second, cfg.Target.DialTimeout)
	assert.Equal(t, []string{"https://console.example"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadWithOverrides(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
}

func TestFlagOverridesBeatFileAndEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadWithOverrides(LoadOptions{
		Port:              "7070",
		LogLevel:          "error",
		SkipTLSValidation: true,
		TLSServerName:     "rdp.internal",
	})
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.True(t, cfg.Security.SkipTLSValidation)
	assert.Equal(t, "rdp.internal", cfg.Security.TLSServerName)
}

func TestLoadStoresGlobalConfig(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, GetGlobalConfig())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(*Config) {}, false},
		{"empty server port", func(c *Config) { c.Server.Port = "" }, true},
		{"non-numeric server port", func(c *Config) { c.Server.Port = "abc" }, true},
		{"server port out of range", func(c *Config) { c.Server.Port = "70000" }, true},
		{"bad target port", func(c *Config) { c.Target.DefaultPort = "0" }, true},
		{"zero dial timeout", func(c *Config) { c.Target.DialTimeout = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetStringSliceWithDefault(t *testing.T) {
	t.Setenv("TEST_ORIGINS", " a.example ,, b.example ")
	assert.Equal(t, []string{"a.example", "b.example"},
		getStringSliceWithDefault("TEST_ORIGINS", nil))

	assert.Equal(t, []string{"fallback"},
		getStringSliceWithDefault("TEST_ORIGINS_UNSET", []string{"fallback"}))
}
