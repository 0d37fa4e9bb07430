// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command intent runs the intent resolution service and its operator tools.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/spf13/cobra"
)

// Global flag values, bound on the root command.
var (
	configPath string
	debug      bool
	serverURL  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "intent",
		Short:         "Hybrid intent classification with resilient LLM escalation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), cmd.Name() == "serve"))
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("INTENT_CONFIG"), "Path to a YAML config overlay (env INTENT_CONFIG)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newClassifyCmd(),
		newStatusCmd(),
		newCacheCmd(),
		newQueueCmd(),
	)
	return root
}

// newLogger returns a JSON handler for the server and a text handler for
// the operator commands.
func newLogger(w io.Writer, asJSON bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig reads defaults, the --config overlay and the environment.
func loadConfig(ctx context.Context) (*config.ServiceConfig, error) {
	return config.Load(ctx, configPath)
}

func loadTaxonomy(cfg *config.ServiceConfig) (*config.Taxonomy, error) {
	if cfg.TaxonomyPath == "" {
		return config.DefaultTaxonomy()
	}
	return config.LoadTaxonomy(cfg.TaxonomyPath)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
