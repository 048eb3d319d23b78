// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay starts the Aleutian streaming relay.
//
// The relay sits between chat clients and upstream model gateways. It
// normalizes streaming wire formats, coordinates credential refresh,
// circuit-breaks failing models, and persists finished turns to the
// conversation backend.
//
// # Usage
//
//	# Run with a config file
//	relay serve --config relay.yaml
//
//	# Environment variables override the file; see the config package
//	# for the ALEUTIAN_* set.
//	ALEUTIAN_RELAY_LISTEN=:9090 relay serve --config relay.yaml
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
)

var (
	flagConfig   string
	flagLogLevel string
	flagLogDir   string
	flagJSONLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Aleutian streaming relay",
	Long:  "Resilient streaming front end for AI model gateways.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.New(logging.Config{
			Level:   logging.ParseLevel(flagLogLevel),
			LogDir:  flagLogDir,
			Service: "relay",
			JSON:    flagJSONLogs,
		})
		defer logger.Close()
		slog.SetDefault(logger.Slog())

		cfg, err := config.Load(flagConfig)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return relay.Run(ctx, cfg, flagConfig)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagConfig, "config", "", "path to the relay config file (optional)")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for daily JSON log files (optional)")
	serveCmd.Flags().BoolVar(&flagJSONLogs, "json-logs", false, "emit JSON to stderr instead of text")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("relay: %v", err)
	}
}
