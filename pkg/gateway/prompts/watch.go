package prompts

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads c from path whenever the file changes, until ctx is done.
// A file that fails to parse is logged and the previous catalog stays active.
// The parent directory is watched so editors that replace the file are seen.
func Watch(ctx context.Context, c *Catalog, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()

		var (
			mu     sync.Mutex
			timer  *time.Timer
			closed bool
		)
		defer func() {
			mu.Lock()
			closed = true
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		reload := func() {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			next, err := LoadFile(path)
			if err != nil {
				logger.Warn("prompt catalog reload failed", "path", path, "error", err)
				return
			}
			c.Replace(next)
			logger.Info("prompt catalog reloaded", "path", path)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("prompt catalog watcher error", "error", err)
			}
		}
	}()

	return nil
}
