package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// ChangeFunc receives the previous and the freshly loaded configuration.
type ChangeFunc func(old, updated *Config)

// Watcher reloads the configuration file when it changes on disk
type Watcher struct {
	path      string
	cfg       *Config
	mu        sync.RWMutex
	watcher   *fsnotify.Watcher
	listeners []ChangeFunc
	logger    *slog.Logger
}

// NewWatcher loads path and prepares a watcher on its directory.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory and filter by name.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{
		path:    filepath.Clean(path),
		cfg:     cfg,
		watcher: fw,
		logger:  logger,
	}, nil
}

// Config returns the current configuration
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback invoked after every successful reload
func (w *Watcher) OnChange(fn ChangeFunc) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Start watches the file until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounce.C:
			old, updated, err := w.reload()
			if err != nil {
				// Keep serving the last good configuration.
				w.logger.Error("Failed to reload config", "error", err)
				continue
			}
			w.logger.Info("Config reloaded", "path", w.path)
			w.notify(old, updated)
		}
	}
}

func (w *Watcher) reload() (*Config, *Config, error) {
	updated, err := Load(w.path)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	old := w.cfg
	w.cfg = updated
	w.mu.Unlock()

	return old, updated, nil
}

func (w *Watcher) notify(old, updated *Config) {
	w.mu.RLock()
	listeners := append([]ChangeFunc(nil), w.listeners...)
	w.mu.RUnlock()

	for _, fn := range listeners {
		fn(old, updated)
	}
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
