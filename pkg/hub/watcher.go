package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchProtocolDir reloads the hub when tool-server definitions under dir
// are installed or removed. Events are debounced so a burst of file writes
// triggers a single reload. Blocks until ctx is cancelled.
func WatchProtocolDir(ctx context.Context, h *Hub, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	slog.Info("Watching protocol directory for tool changes", "dir", dir)

	const debounce = 2 * time.Second
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("Protocol directory changed", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Protocol directory watch error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			if err := h.Refresh(ctx); err != nil {
				slog.Warn("Hot reload failed", "error", err)
			} else {
				slog.Info("Hot reload complete", "tools", len(h.ListTools()))
			}
		}
	}
}
