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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianIntent/services/intent"
	"github.com/AleutianAI/AleutianIntent/services/intent/calibration"
	"github.com/AleutianAI/AleutianIntent/services/intent/config"
	"github.com/AleutianAI/AleutianIntent/services/intent/escalation"
	"github.com/AleutianAI/AleutianIntent/services/intent/hybrid"
	"github.com/AleutianAI/AleutianIntent/services/intent/matching"
	"github.com/AleutianAI/AleutianIntent/services/intent/queue"
	"github.com/AleutianAI/AleutianIntent/services/intent/semcache"
	"github.com/AleutianAI/AleutianIntent/services/intent/storage/kv"
	"github.com/AleutianAI/AleutianIntent/services/llm"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var traceStdout bool

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service and queue workers",
		RunE:  runServe,
	}
	cmd.Flags().BoolVar(&traceStdout, "trace-stdout", false, "Print spans to stdout")
	return cmd
}

// subsystems each get their own failover wrapper over the shared store so
// one failing path degrades alone.
var subsystems = []string{"hybrid", "calibration", "cache", "queue", "status"}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	gin.SetMode(cfg.Server.Mode)
	if debug {
		gin.SetMode(gin.DebugMode)
	}

	var spanOut io.Writer
	if traceStdout {
		spanOut = cmd.OutOrStdout()
	}
	shutdownTracing, err := setupTelemetry(ctx, cfg.Telemetry.ServiceName, spanOut)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	tax, err := loadTaxonomy(cfg)
	if err != nil {
		return err
	}

	primary, err := kv.OpenBadgerStore(kv.BadgerOptions{
		Dir:      cfg.Store.Dir,
		InMemory: cfg.Store.Dir == "",
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer primary.Close()

	stores := make(map[string]*kv.FailoverStore, len(subsystems))
	failovers := make([]*kv.FailoverStore, 0, len(subsystems))
	for _, name := range subsystems {
		fs := kv.NewFailoverStore(name, primary, cfg.Store.FailoverCooldown, logger)
		stores[name] = fs
		failovers = append(failovers, fs)
	}

	app, err := buildService(ctx, cfg, tax, stores, failovers, logger)
	if err != nil {
		return err
	}
	defer app.close()

	handlers := intent.NewHandlers(app.service, intent.WatchOptions{})
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: intent.NewRouter(cfg.Telemetry.ServiceName, handlers),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		primary.RunGC(gctx, cfg.Store.GCInterval)
		return nil
	})
	g.Go(func() error {
		app.ambiguous.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := app.index.Warm(gctx, tax); err != nil {
			logger.Warn("embedding index warm-up failed, keyword matching only until restart",
				slog.String("error", err.Error()))
		}
		return nil
	})
	if app.pool != nil {
		g.Go(func() error { return app.pool.Run(gctx) })
	}
	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.ServiceConfig) {
			if err := app.engine.Weights().Store(next.Hybrid.KeywordWeight, next.Hybrid.EmbeddingWeight); err != nil {
				logger.Warn("ignoring reloaded blend weights", slog.String("error", err.Error()))
				return
			}
			logger.Info("blend weights reloaded",
				slog.Float64("keyword", next.Hybrid.KeywordWeight),
				slog.Float64("embedding", next.Hybrid.EmbeddingWeight))
		}, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("intent service listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down intent service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	app.ambiguous.Wait()
	return err
}

// app holds the wired components of a running service.
type app struct {
	service   *intent.Service
	engine    *hybrid.Engine
	index     matching.VectorIndex
	ambiguous *hybrid.AmbiguousLog
	pool      *queue.Pool
	sink      *semcache.InfluxSink
}

func (a *app) close() {
	if a.sink != nil {
		_ = a.sink.Close()
	}
}

// buildService wires every component from cfg. Nothing here touches the
// network; the index is warmed by the caller.
func buildService(ctx context.Context, cfg *config.ServiceConfig, tax *config.Taxonomy, stores map[string]*kv.FailoverStore, failovers []*kv.FailoverStore, logger *slog.Logger) (*app, error) {
	a := &app{}

	embedder, err := matching.NewOllamaEmbedder(cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.Timeout)
	if err != nil {
		return nil, err
	}
	switch cfg.Embedding.Backend {
	case "weaviate":
		a.index, err = matching.NewWeaviateIndex(cfg.Weaviate.Host, cfg.Weaviate.Scheme, cfg.Weaviate.Class, embedder, logger)
	default:
		a.index, err = matching.NewMemoryIndex(embedder, stores["hybrid"], cfg.Embedding.IndexCacheTTL, logger)
	}
	if err != nil {
		return nil, err
	}

	keyword, err := matching.NewKeywordMatcher(tax)
	if err != nil {
		return nil, err
	}
	embedding, err := matching.NewEmbeddingMatcher(embedder, a.index, matching.EmbeddingMatcherOptions{
		MinChars:     cfg.Embedding.MinChars,
		TopK:         cfg.Embedding.TopK,
		QueryTimeout: cfg.Embedding.Timeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	cal, err := calibration.New(stores["calibration"], calibration.Options{
		MinSamples:            cfg.Calibration.MinSamples,
		MaxRecords:            cfg.Calibration.MaxRecords,
		RecordTTL:             cfg.Calibration.RecordTTL,
		StatsCacheTTL:         cfg.Calibration.StatsCacheTTL,
		DefaultThreshold:      cfg.Calibration.DefaultThreshold,
		LowAccuracy:           cfg.Calibration.LowAccuracy,
		LowAccuracyConfidence: cfg.Calibration.LowAccuracyConfidence,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}

	weights, err := hybrid.NewWeightStore(cfg.Hybrid.KeywordWeight, cfg.Hybrid.EmbeddingWeight)
	if err != nil {
		return nil, err
	}
	a.ambiguous, err = hybrid.NewAmbiguousLog(stores["hybrid"], cfg.Hybrid.AmbiguousLogSize,
		cfg.Hybrid.AmbiguousLogTTL, cfg.Hybrid.AmbiguousLogBuffer, logger)
	if err != nil {
		return nil, err
	}
	a.engine, err = hybrid.NewEngine(hybrid.EngineOptions{
		Keyword:   keyword,
		Embedding: embedding,
		Weights:   weights,
		Thresholds: hybrid.Thresholds{
			PriorityThreshold:      cfg.Hybrid.PriorityThreshold,
			MinAbsoluteConfidence:  cfg.Hybrid.MinAbsoluteConfidence,
			MinDifferenceThreshold: cfg.Hybrid.MinDifferenceThreshold,
		},
		Calibrator:   cal,
		AmbiguousLog: a.ambiguous,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	completer, err := llm.New(llm.Config{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.Model,
		BaseURL:   cfg.LLM.BaseURL,
		APIKeyEnv: cfg.LLM.APIKeyEnv,
	})
	if err != nil {
		return nil, err
	}

	ctrlOpts := escalation.ControllerOptions{
		Completer: completer,
		Taxonomy:  tax,
		Config:    cfg.Escalation,
		Logger:    logger,
	}
	var cache *semcache.Cache
	if cfg.Cache.Enabled {
		cacheOpts := semcache.Options{
			SimilarityThreshold: cfg.Cache.SimilarityThreshold,
			MaxSize:             cfg.Cache.MaxSize,
			TTL:                 cfg.Cache.TTL,
			MinQueryChars:       cfg.Cache.MinQueryChars,
			MinSingleWordChars:  cfg.Cache.MinSingleWordChars,
			LatencyWindow:       cfg.Cache.LatencyWindow,
			Logger:              logger,
		}
		if cfg.Influx.URL != "" {
			a.sink, err = semcache.NewInfluxSink(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket, logger)
			if err != nil {
				return nil, err
			}
			cacheOpts.Sink = a.sink
		}
		cache, err = semcache.New(stores["cache"], embedder, cacheOpts)
		if err != nil {
			return nil, err
		}
		ctrlOpts.Cache = cache
	}
	ctrl, err := escalation.NewController(ctrlOpts)
	if err != nil {
		return nil, err
	}

	status, err := queue.NewStatusStore(stores["status"], queue.StatusOptions{
		ActiveTTL:   cfg.Queue.StatusActiveTTL,
		TerminalTTL: cfg.Queue.StatusTerminalTTL,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	q, err := queue.New(stores["queue"], queue.OptionsFromConfig(cfg.Queue, status, logger))
	if err != nil {
		return nil, err
	}

	a.service, err = intent.NewService(intent.ServiceOptions{
		Engine:       a.engine,
		Controller:   ctrl,
		Cache:        cache,
		Calibrator:   cal,
		Queue:        q,
		Taxonomy:     tax,
		Stores:       failovers,
		MaxTextChars: cfg.Server.MaxTextChars,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Queue.Workers > 0 {
		a.pool, err = queue.NewPool(q, a.service.Processor(), cfg.Queue.Workers, cfg.Queue.DequeueTimeout, logger)
		if err != nil {
			return nil, err
		}
	}
	logger.InfoContext(ctx, "intent service wired",
		slog.Int("intents", tax.Len()),
		slog.String("taxonomy_version", tax.Version()),
		slog.String("llm_provider", completer.Provider()),
		slog.String("embedding_backend", cfg.Embedding.Backend),
		slog.Bool("cache", cache != nil),
		slog.Int("workers", cfg.Queue.Workers),
	)
	return a, nil
}
