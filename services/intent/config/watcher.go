// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk.
//
// Description:
//
//	Watches the file's directory (so atomic rename-on-save is seen), and on
//	a write or create of the file reloads it with Load. A valid result is
//	passed to the onReload callback; an invalid one is logged and ignored,
//	leaving the running configuration untouched.
//
// Thread Safety:
//
//	onReload is called from the watcher goroutine only, never concurrently
//	with itself.
type Watcher struct {
	path     string
	onReload func(*ServiceConfig)
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for path. Call Run to start it.
func NewWatcher(path string, onReload func(*ServiceConfig), logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("NewWatcher: path must not be empty")
	}
	if onReload == nil {
		return nil, fmt.Errorf("NewWatcher: onReload must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("NewWatcher: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("NewWatcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("NewWatcher: watching %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, onReload: onReload, logger: logger, fsw: fsw}, nil
}

// Run processes file events until ctx is cancelled, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload(ctx)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(ctx, w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping current configuration",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("config reloaded",
		slog.String("path", w.path),
		slog.Float64("keyword_weight", cfg.Hybrid.KeywordWeight),
		slog.Float64("embedding_weight", cfg.Hybrid.EmbeddingWeight),
	)
	w.onReload(cfg)
}
