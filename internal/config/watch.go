package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	Path     string
	Debounce time.Duration
	Logger   zerolog.Logger
	// OnReload receives every successfully loaded config.
	OnReload func(*Config)
	// OnError receives load and validation failures; the previous config
	// stays in effect.
	OnError func(error)
}

// Watch is shorthand for a Watcher with default debounce and no logging.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	w := &Watcher{Path: path, Logger: zerolog.Nop(), OnReload: fn}
	return w.Run(ctx)
}

// Run blocks until ctx is done. The parent directory is watched so that
// atomic-rename saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.Path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	w.Logger.Info().
		Str("event", "config.watcher_started").
		Str("path", w.Path).
		Msg("watching config file for changes")

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	target := filepath.Clean(w.Path)
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.Logger.Debug().
					Str("event", "config.file_changed").
					Str("op", event.Op.String()).
					Msg("config file changed")
				timer.Reset(debounce)
			}

		case <-timer.C:
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.Path)
	if err != nil {
		w.Logger.Error().Err(err).Str("event", "config.reload_failed").Msg("config reload failed")
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}
	w.Logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	if w.OnReload != nil {
		w.OnReload(cfg)
	}
}
