// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keywarden-dev/keywarden/internal/config"
	"github.com/keywarden-dev/keywarden/internal/vault"
	_ "github.com/keywarden-dev/keywarden/internal/vault/bolt"   // register bolt backend
	_ "github.com/keywarden-dev/keywarden/internal/vault/file"   // register file backend
	_ "github.com/keywarden-dev/keywarden/internal/vault/sqlite" // register sqlite backend
	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// loadConfig loads the effective configuration for a command: the file
// initViper discovered (or the explicit --config path), with flag and env
// overrides the global Viper resolved applied on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		cfgPath = viper.ConfigFileUsed()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	if dir := viper.GetString("storage.data_dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if backend := viper.GetString("storage.backend"); backend != "" {
		cfg.Storage.Backend = backend
	}

	return cfg, nil
}

// newLogger builds the process logger. verbose forces debug regardless of
// the configured level.
func newLogger(level string, verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore wires a vault store from config and opens it. The caller owns
// the returned store and must Close it.
func openStore(cfg *config.Config, observer vault.Observer, logger *slog.Logger) (*vault.Store, error) {
	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "creating data directory: %w", err)
	}

	path, err := cfg.StoragePath()
	if err != nil {
		return nil, err
	}
	config.WarnInsecurePermissions(path)

	store := vault.NewStore(vault.StoreOptions{
		Storage: vault.Options{
			Backend:          cfg.Storage.Backend,
			Path:             path,
			AutosaveInterval: cfg.Storage.AutosaveInterval,
			Logger:           logger,
		},
		Observer: observer,
		Logger:   logger,
	})

	if err := store.Open(); err != nil {
		return nil, err
	}

	return store, nil
}
