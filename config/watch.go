package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadSettle = 200 * time.Millisecond

// Watch reloads the config file whenever it changes on disk and hands every
// successfully validated result to onChange. Invalid files are logged and
// ignored. The directory is watched instead of the file so that editors
// which replace the file by renaming are noticed too.
func Watch(ctx context.Context, cfile string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	abs, err := filepath.Abs(cfile)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		var settle <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					// writes come in bursts
					settle = time.After(reloadSettle)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Config watcher error", "error", err)
			case <-settle:
				settle = nil
				conf, err := ReadConfig(abs)
				if err != nil {
					slog.Error("Ignoring changed config file", "file", abs, "error", err)
					continue
				}
				slog.Info("Config file changed, reloaded", "file", abs)
				onChange(conf)
			}
		}
	}()
	return nil
}
