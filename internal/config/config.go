// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// Config is the top-level keywarden configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig controls how keywarden listens for connections.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// StorageConfig selects and tunes the collection backend.
type StorageConfig struct {
	Backend          string        `mapstructure:"backend"`
	DataDir          string        `mapstructure:"data_dir"`
	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
}

// LogConfig controls diagnostic output.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// backendFiles maps a backend name to its data file inside the data dir.
var backendFiles = map[string]string{
	"file":   "keywarden.json",
	"bolt":   "keywarden.bolt",
	"sqlite": "keywarden.db",
}

// SetDefaults registers the default value for every config key on the
// given Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:18200")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.data_dir", "")
	v.SetDefault("storage.autosave_interval", "5s")
	v.SetDefault("log.level", "info")
}

// SetupEnv binds environment variables (prefix KEYWARDEN_, dots become
// underscores: KEYWARDEN_STORAGE_BACKEND overrides storage.backend).
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix("KEYWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)
	SetupEnv(v)

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns a slice
// of all validation errors found, collecting all issues rather than
// stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateLog()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "config: server.listen must not be empty"))
	} else {
		host, portStr, err := net.SplitHostPort(c.Server.Listen)
		if err != nil {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
				"config: server.listen must be a valid host:port address, got %q: %w",
				c.Server.Listen, err,
			))
		} else {
			_ = host // host can be empty (e.g., ":8080"), which is valid
			port, err := strconv.Atoi(portStr)
			if err != nil {
				errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
					"config: server.listen port must be a number, got %q",
					portStr,
				))
			} else if port < 1 || port > 65535 {
				errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
					"config: server.listen port must be between 1 and 65535, got %d",
					port,
				))
			}
		}
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	if _, ok := backendFiles[c.Storage.Backend]; !ok {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: storage.backend must be one of [bolt, file, sqlite], got %q",
			c.Storage.Backend,
		))
	}

	if c.Storage.AutosaveInterval <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: storage.autosave_interval must be positive, got %s",
			c.Storage.AutosaveInterval,
		))
	}

	return errs
}

func (c *Config) validateLog() []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: log.level must be one of [debug, info, warn, error], got %q",
			c.Log.Level,
		))
	}

	return errs
}

// DataDir returns the configured data directory, falling back to
// ~/.keywarden.
func (c *Config) DataDir() (string, error) {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".keywarden"), nil
}

// StoragePath resolves the backend's data file inside the data directory.
func (c *Config) StoragePath() (string, error) {
	dir, err := c.DataDir()
	if err != nil {
		return "", err
	}
	name, ok := backendFiles[c.Storage.Backend]
	if !ok {
		return "", wardenerr.Errorf(wardenerr.CodeVaultBackendUnsupported,
			"unsupported storage backend %q", c.Storage.Backend)
	}
	return filepath.Join(dir, name), nil
}
