package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/etp/internal/logger"
)

// reloadDelay coalesces the burst of events an editor produces on save.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the config at path whenever it changes and passes the
// result to fn. Invalid files are logged and skipped. The parent
// directory is watched so atomic replace-by-rename is seen. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	log := logger.Global().WithPrefix("config")
	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error: %v", err)

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("Ignoring config change: %v", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				log.Warn("Ignoring invalid config: %v", err)
				continue
			}
			log.Info("Reloaded %s", abs)
			fn(cfg)
		}
	}
}
