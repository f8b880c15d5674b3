package tools

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

// Watch re-runs discovery into the registry whenever a manifest in dir
// changes, debounced. Built-ins never change. Blocks until ctx is canceled.
func Watch(ctx context.Context, dir string, registry *Registry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watcherDebounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("tools.watch.error", "dir", dir, "error", err)
		case <-fire:
			defs, diags := Discover(dir)
			registry.ReplaceDiscovered(defs, diags)
			for _, d := range diags {
				slog.Warn("tools.discovery.diagnostic", "code", d.Code, "tool", d.Name, "message", d.Message)
			}
		}
	}
}
