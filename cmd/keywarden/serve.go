// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keywarden-dev/keywarden/internal/metric"
	"github.com/keywarden-dev/keywarden/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the keywarden HTTP server",
		Long:  "Open the secret store, start the HTTP API, and run until interrupted.",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen := viper.GetString("server.listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logger := newLogger(cfg.Log.Level, viper.GetBool("verbose"))
	slog.SetDefault(logger)

	reg := metric.NewRegistry()
	metrics := metric.NewStoreMetrics(reg)

	store, err := openStore(cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, store, reg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("keywarden starting",
		"listen", cfg.Server.Listen,
		"backend", cfg.Storage.Backend,
	)

	return srv.Start(ctx)
}
