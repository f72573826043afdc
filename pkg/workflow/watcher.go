// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchConfig configures hot-reload of the workflow set.
type WatchConfig struct {
	Enabled    bool
	DebounceMs int // default 500
	Logger     *zap.Logger
	OnReload   func(*Snapshot) // called after each debounced rescan
}

// Watcher rescans the loader when workflow files change on disk. fsnotify
// is not recursive, so the data root, each vault, its Workflows/ directory
// and their subfolders are watched individually; the watch list is
// refreshed after every rescan to pick up new vaults and folders.
type Watcher struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	config  WatchConfig
	logger  *zap.Logger

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
	stopMu  sync.Mutex
}

// NewWatcher creates a watcher over the loader's data root.
func NewWatcher(loader *Loader, config WatchConfig) (*Watcher, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.DebounceMs == 0 {
		config.DebounceMs = 500
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		loader:  loader,
		watcher: fsw,
		config:  config,
		logger:  config.Logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start registers the watch paths and begins the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.config.Enabled {
		w.logger.Info("Workflow hot-reload disabled")
		close(w.doneCh)
		return nil
	}

	if err := w.watcher.Add(w.loader.DataRoot()); err != nil {
		return fmt.Errorf("failed to watch data root: %w", err)
	}
	w.refreshWatches(w.loader.Snapshot())

	w.logger.Info("Started workflow watcher",
		zap.String("data_root", w.loader.DataRoot()),
		zap.Int("debounce_ms", w.config.DebounceMs))

	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.stopCh:
			w.logger.Info("Stopping workflow watcher")
			return

		case <-ctx.Done():
			w.logger.Info("Workflow watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)

	// Editor temp files churn constantly and never matter.
	if strings.HasPrefix(base, ".") && base != VaultIgnoreMarker {
		return
	}
	if strings.Contains(base, ".tmp") || strings.Contains(base, "~") {
		return
	}

	w.debounceRescan()
}

// debounceRescan coalesces rapid-fire events (editor saves touch a file
// several times) into a single rescan.
func (w *Watcher) debounceRescan() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	delay := time.Duration(w.config.DebounceMs) * time.Millisecond
	w.debounceTimer = time.AfterFunc(delay, w.rescan)
}

func (w *Watcher) rescan() {
	snap, err := w.loader.Rescan()
	if err != nil {
		w.logger.Error("Rescan after file change failed", zap.Error(err))
		return
	}
	w.refreshWatches(snap)
	if w.config.OnReload != nil {
		w.config.OnReload(snap)
	}
}

// refreshWatches (re-)adds every directory the current snapshot implies.
// Adding an already-watched path is a no-op; paths that vanished are
// dropped by fsnotify itself.
func (w *Watcher) refreshWatches(snap *Snapshot) {
	for _, vault := range snap.Vaults {
		vaultRoot := w.loader.VaultRoot(vault)
		w.addWatch(vaultRoot)
		w.addWatch(filepath.Join(vaultRoot, "Workflows"))
	}
	for _, wf := range snap.Workflows {
		w.addWatch(filepath.Dir(wf.AbsPath))
	}
}

func (w *Watcher) addWatch(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Debug("Failed to watch directory",
			zap.String("path", dir),
			zap.Error(err))
	}
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true

	if w.config.Enabled {
		close(w.stopCh)
		select {
		case <-w.doneCh:
		case <-time.After(5 * time.Second):
			w.logger.Warn("Workflow watcher stop timed out")
		}
	}

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()

	return w.watcher.Close()
}
