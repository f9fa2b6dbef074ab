package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inercia/agentchat/internal/logging"
)

// WatchDebounce coalesces bursts of file events into a single reload.
const WatchDebounce = 100 * time.Millisecond

// Watch calls fn with the reloaded rooms every time the snapshot at path is
// rewritten, typically by another agentchat process. It blocks until ctx is
// done. The parent directory is watched because snapshots are replaced by
// rename.
func Watch(ctx context.Context, path string, fn func([]Room)) error {
	log := logging.Store()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Base(path)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(WatchDebounce)
			} else {
				debounce.Reset(WatchDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			rooms, err := LoadFile(path)
			if err != nil {
				log.Warn("failed to reload chat store", "path", path, "error", err)
				continue
			}
			fn(rooms)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("chat store watcher error", "error", err)
		}
	}
}
