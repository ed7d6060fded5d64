package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	followDebounce = 100 * time.Millisecond
	followPoll     = 2 * time.Second
)

// Follow calls fn for every entry appended to the transcript at path
// after Follow starts, until ctx is cancelled. When the file is cleared
// the count restarts from zero. File events are debounced; a slow poll
// covers filesystems where events are not delivered.
func Follow(ctx context.Context, path string, fn func(Entry)) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating transcript dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	// The directory is watched so that a cleared and recreated file keeps
	// producing events.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	l := NewLog(path, nil)
	entries, err := l.Entries()
	if err != nil {
		return err
	}
	seen := len(entries)

	emit := func() {
		entries, err := l.Entries()
		if err != nil {
			slog.Warn("follow: reading transcript failed", "path", path, "error", err)
			return
		}
		if len(entries) < seen {
			seen = 0
		}
		for _, e := range entries[seen:] {
			fn(e)
		}
		seen = len(entries)
	}

	debounce := time.NewTimer(followDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	poll := time.NewTicker(followPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(followDebounce)
		case <-debounce.C:
			emit()
		case <-poll.C:
			emit()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				emit()
				continue
			}
			slog.Warn("follow: watcher error", "path", path, "error", err)
		}
	}
}
