package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file when it changes.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are seen too.
type Watcher struct {
	path   string
	fsw    *fsnotify.Watcher
	logger *slog.Logger
}

// NewWatcher starts watching path. Changes are delivered by Run.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, fsw: fsw, logger: logger}, nil
}

// Run calls apply with each valid reload until ctx is done. An edit that
// fails validation is logged and the previous configuration stays in
// effect.
func (w *Watcher) Run(ctx context.Context, apply func(*Config)) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload rejected", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			apply(cfg)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "path", w.path, "error", err)
		}
	}
}

// Close stops watching. Run returns once it observes the closed watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
