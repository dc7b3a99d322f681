package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reapplies the logging level when the config file changes on disk.
// Structural settings (queue sizes, node inventory) require a restart and
// are deliberately not hot-reloaded. Returns immediately when path is empty.
func Watch(ctx context.Context, path string, onLevel func(level string)) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so the file can be replaced atomically
	// (rename over) without losing the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// Editors fire multiple events per save.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					reload(path, onLevel)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return nil
}

func reload(path string, onLevel func(string)) {
	cfg := Default()
	if err := loadFile(cfg, path); err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable config change")
		return
	}
	log.Info().Str("level", cfg.Logging.Level).Msg("Config file changed, applying log level")
	onLevel(cfg.Logging.Level)
}
