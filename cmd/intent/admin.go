// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/matching"
	"github.com/AleutianAI/AleutianIntent/services/intent/queue"
	"github.com/AleutianAI/AleutianIntent/services/intent/semcache"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
	"github.com/spf13/cobra"
)

// The operator commands open the service's Badger directory directly.
// Badger allows one writer, so clear and export must run while the service
// is stopped; dump and dead-letters open it read-only.

var (
	dlqLimit    int
	exportDest  string
	exportTrim  bool
	exportLimit int
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the semantic response cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "dump",
			Short: "Print every cached response",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCache(cmd.Context(), true, func(c *semcache.Cache, now time.Time) error {
					return dumpCache(cmd.Context(), cmd.OutOrStdout(), c, now)
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached response (service must be stopped)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCache(cmd.Context(), false, func(c *semcache.Cache, _ time.Time) error {
					n, err := c.Clear(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entries.\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or export the dead-letter list",
	}

	deadLetters := &cobra.Command{
		Use:   "dead-letters",
		Short: "Print dead-lettered messages, oldest first, one JSON object per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd.Context(), true, func(q *queue.Queue) error {
				records, err := q.DeadLetters(cmd.Context(), dlqLimit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, rec := range records {
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	deadLetters.Flags().IntVar(&dlqLimit, "limit", 100, "Maximum records to print (0 for all)")

	export := &cobra.Command{
		Use:   "export",
		Short: "Write dead-lettered messages as NDJSON to a directory or GCS bucket",
		Example: `  intent queue export --dest file:///var/backups/intent
  intent queue export --dest gs://ops-bucket/intent/dlq --trim`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			exp, err := queue.NewExporter(ctx, exportDest)
			if err != nil {
				return err
			}
			defer exp.Close()
			return withQueue(ctx, !exportTrim, func(q *queue.Queue) error {
				where, n, err := q.ExportDeadLetters(ctx, exp, exportLimit, exportTrim)
				if err != nil {
					return err
				}
				if n == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No dead letters to export.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d dead letters to %s\n", n, where)
				return nil
			})
		},
	}
	export.Flags().StringVar(&exportDest, "dest", "", "Destination: file:///dir, /dir or gs://bucket/prefix")
	export.Flags().BoolVar(&exportTrim, "trim", false, "Remove exported records from the list (service must be stopped)")
	export.Flags().IntVar(&exportLimit, "limit", 0, "Maximum records to export (0 for all)")
	_ = export.MarkFlagRequired("dest")

	cmd.AddCommand(deadLetters, export)
	return cmd
}

// =============================================================================
// Store access
// =============================================================================

// openStore opens the configured Badger directory.
func openStore(ctx context.Context, readOnly bool) (*config.ServiceConfig, *kv.BadgerStore, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Dir == "" {
		return nil, nil, errors.New("store.dir is not set: the service is using an in-memory store with nothing to inspect")
	}
	if _, err := os.Stat(cfg.Store.Dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("store directory %s does not exist: the service has not written anything yet", cfg.Store.Dir)
	}
	store, err := kv.OpenBadgerStore(kv.BadgerOptions{Dir: cfg.Store.Dir, ReadOnly: readOnly, Logger: slog.Default()})
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func withCache(ctx context.Context, readOnly bool, fn func(*semcache.Cache, time.Time) error) error {
	cfg, store, err := openStore(ctx, readOnly)
	if err != nil {
		return err
	}
	defer store.Close()

	// The embedder is never called by dump or clear.
	embedder, err := matching.NewOllamaEmbedder(cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.Timeout)
	if err != nil {
		return err
	}
	cache, err := semcache.New(store, embedder, semcache.Options{
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		MaxSize:             cfg.Cache.MaxSize,
		TTL:                 cfg.Cache.TTL,
	})
	if err != nil {
		return err
	}
	return fn(cache, time.Now())
}

func withQueue(ctx context.Context, readOnly bool, fn func(*queue.Queue) error) error {
	cfg, store, err := openStore(ctx, readOnly)
	if err != nil {
		return err
	}
	defer store.Close()

	status, err := queue.NewStatusStore(store, queue.StatusOptions{
		ActiveTTL:   cfg.Queue.StatusActiveTTL,
		TerminalTTL: cfg.Queue.StatusTerminalTTL,
	})
	if err != nil {
		return err
	}
	q, err := queue.New(store, queue.OptionsFromConfig(cfg.Queue, status, slog.Default()))
	if err != nil {
		return err
	}
	return fn(q)
}

// dumpCache prints a human-readable summary of every live entry.
func dumpCache(ctx context.Context, w io.Writer, c *semcache.Cache, now time.Time) error {
	entries, err := c.Entries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "Cache is empty.")
		return nil
	}
	fmt.Fprintf(w, "%d cached responses\n\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(w, "[%d] %s\n", i+1, e.Query)
		fmt.Fprintf(w, "    action:     %s (%.2f)\n", e.Response.ActionCode, e.Response.Confidence)
		fmt.Fprintf(w, "    hits:       %d\n", e.HitCount)
		fmt.Fprintf(w, "    created:    %s\n", e.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "    expires in: %s\n", e.ExpiresAt.Sub(now).Round(time.Second))
		fmt.Fprintf(w, "    vector:     %d dims, key %.12s\n", len(e.Embedding), e.Key)
	}
	return nil
}
