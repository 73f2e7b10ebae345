// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the burst of events an editor save emits.
const reloadDebounce = 500 * time.Millisecond

// Watcher monitors a config directory and triggers a full reload after
// YAML files change. Removing an overlay file also reloads, since the
// effective config falls back to defaults for what the file carried.
type Watcher struct {
	dir      string
	onChange func(*Config, string)
	logger   *zap.Logger

	fsw    *fsnotify.Watcher
	mu     sync.Mutex
	stopCh chan struct{}
}

// NewWatcher creates a config directory watcher. onChange receives the
// freshly merged config and the name of the file that triggered it.
func NewWatcher(dir string, onChange func(*Config, string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching. It returns once the directory is registered;
// reloads happen on a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw

	go w.loop(ctx)
	w.logger.Info("config watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop shuts the watcher down. Safe to call once.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func isConfigFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (w *Watcher) loop(ctx context.Context) {
	var debounce *time.Timer
	var trigger string

	stopTimer := func() {
		if debounce != nil {
			debounce.Stop()
		}
	}

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isConfigFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			trigger = filepath.Base(event.Name)
			w.logger.Debug("config file changed",
				zap.String("file", trigger),
				zap.String("op", event.Op.String()),
			)

			stopTimer()
			debounce = time.AfterFunc(reloadDebounce, func() {
				w.reload(trigger)
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			stopTimer()
			return

		case <-w.stopCh:
			stopTimer()
			return
		}
	}
}

func (w *Watcher) reload(trigger string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := LoadDir(w.dir)
	if err != nil {
		w.logger.Error("config reload failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("trigger", trigger))
	w.onChange(cfg, trigger)
}
