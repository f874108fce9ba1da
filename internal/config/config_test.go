// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden-dev/keywarden/internal/config"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:18200", cfg.Server.Listen)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 5*time.Second, cfg.Storage.AutosaveInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "keywarden.yaml")

	content := `
server:
  listen: "0.0.0.0:9999"
storage:
  backend: "bolt"
  autosave_interval: "250ms"
log:
  level: "debug"
`
	err := os.WriteFile(cfgPath, []byte(content), 0o600)
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Listen)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.AutosaveInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("KEYWARDEN_SERVER_LISTEN", "10.0.0.1:8080")
	t.Setenv("KEYWARDEN_STORAGE_BACKEND", "sqlite")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
}

func TestLoad_ValidationCalledAtLoadTime(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "keywarden.yaml")

	content := `
storage:
  backend: "postgres"
`
	err := os.WriteFile(cfgPath, []byte(content), 0o600)
	require.NoError(t, err)

	_, err = config.Load(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

// validConfig returns a minimal config that passes all validation.
func validConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Listen:      "127.0.0.1:18200",
			CORSOrigins: []string{"*"},
		},
		Storage: config.StorageConfig{
			Backend:          "file",
			AutosaveInterval: 5 * time.Second,
		},
		Log: config.LogConfig{
			Level: "info",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	errs := cfg.Validate()
	assert.Empty(t, errs, "valid config should produce no validation errors")
}

func TestValidate_ServerListen(t *testing.T) {
	tests := []struct {
		name    string
		listen  string
		wantErr bool
	}{
		{"valid address", "127.0.0.1:8080", false},
		{"valid all interfaces", "0.0.0.0:9999", false},
		{"valid ipv6", "[::1]:8080", false},
		{"valid bare port", ":18200", false},
		{"empty listen", "", true},
		{"missing port", "127.0.0.1", true},
		{"invalid port zero", "127.0.0.1:0", true},
		{"port too high", "127.0.0.1:70000", true},
		{"not a number", "127.0.0.1:abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Server.Listen = tt.listen
			errs := cfg.Validate()
			if tt.wantErr {
				require.NotEmpty(t, errs)
				assert.Contains(t, errs[0].Error(), "server.listen")
			} else {
				for _, err := range errs {
					assert.NotContains(t, err.Error(), "server.listen")
				}
			}
		})
	}
}

func TestValidate_StorageBackend(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		wantErr bool
	}{
		{"valid file", "file", false},
		{"valid bolt", "bolt", false},
		{"valid sqlite", "sqlite", false},
		{"invalid backend", "postgres", true},
		{"empty backend", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Storage.Backend = tt.backend
			errs := cfg.Validate()
			if tt.wantErr {
				require.NotEmpty(t, errs)
				assert.Contains(t, errs[0].Error(), "storage.backend")
			} else {
				for _, err := range errs {
					assert.NotContains(t, err.Error(), "storage.backend")
				}
			}
		})
	}
}

func TestValidate_AutosaveInterval(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		wantErr  bool
	}{
		{"valid interval", 5 * time.Second, false},
		{"short interval", 50 * time.Millisecond, false},
		{"zero interval", 0, true},
		{"negative interval", -time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Storage.AutosaveInterval = tt.interval
			errs := cfg.Validate()
			if tt.wantErr {
				require.NotEmpty(t, errs)
				assert.Contains(t, errs[0].Error(), "storage.autosave_interval")
			} else {
				for _, err := range errs {
					assert.NotContains(t, err.Error(), "storage.autosave_interval")
				}
			}
		})
	}
}

func TestValidate_LogLevel(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		wantErr bool
	}{
		{"valid debug", "debug", false},
		{"valid info", "info", false},
		{"valid warn", "warn", false},
		{"valid error", "error", false},
		{"invalid level", "trace", true},
		{"empty level", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Log.Level = tt.level
			errs := cfg.Validate()
			if tt.wantErr {
				require.NotEmpty(t, errs)
				assert.Contains(t, errs[0].Error(), "log.level")
			} else {
				for _, err := range errs {
					assert.NotContains(t, err.Error(), "log.level")
				}
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &config.Config{
		Server:  config.ServerConfig{Listen: ""},
		Storage: config.StorageConfig{Backend: "postgres", AutosaveInterval: 0},
		Log:     config.LogConfig{Level: "silly"},
	}

	errs := cfg.Validate()
	// Should collect multiple errors, not stop at the first one.
	assert.GreaterOrEqual(t, len(errs), 4, "expected at least 4 validation errors, got %d: %v", len(errs), errs)
}

func TestLoad_InvalidConfigFailsFast(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "keywarden.yaml")

	content := `
server:
  listen: "not-valid"
storage:
  backend: "mysql"
`
	err := os.WriteFile(cfgPath, []byte(content), 0o600)
	require.NoError(t, err)

	_, err = config.Load(cfgPath)
	require.Error(t, err, "Load should fail with invalid config")
	assert.Contains(t, err.Error(), "validating config")
}

func TestConfig_Defaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)

	assert.Equal(t, "127.0.0.1:18200", v.GetString("server.listen"))
	assert.Equal(t, []string{"*"}, v.GetStringSlice("server.cors_origins"))
	assert.Equal(t, "file", v.GetString("storage.backend"))
	assert.Equal(t, 5*time.Second, v.GetDuration("storage.autosave_interval"))
	assert.Equal(t, "info", v.GetString("log.level"))
}

func TestConfig_DataDir(t *testing.T) {
	t.Run("explicit directory wins", func(t *testing.T) {
		cfg := validConfig()
		cfg.Storage.DataDir = "/var/lib/keywarden"

		dir, err := cfg.DataDir()
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/keywarden", dir)
	})

	t.Run("defaults to dot keywarden in home", func(t *testing.T) {
		home, err := os.UserHomeDir()
		require.NoError(t, err)

		cfg := validConfig()
		dir, err := cfg.DataDir()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".keywarden"), dir)
	})
}

func TestConfig_StoragePath(t *testing.T) {
	tests := []struct {
		backend string
		file    string
	}{
		{"file", "keywarden.json"},
		{"bolt", "keywarden.bolt"},
		{"sqlite", "keywarden.db"},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := validConfig()
			cfg.Storage.Backend = tt.backend
			cfg.Storage.DataDir = "/data"

			path, err := cfg.StoragePath()
			require.NoError(t, err)
			assert.Equal(t, filepath.Join("/data", tt.file), path)
		})
	}

	t.Run("unknown backend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Storage.Backend = "postgres"
		cfg.Storage.DataDir = "/data"

		_, err := cfg.StoragePath()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres")
	})
}
