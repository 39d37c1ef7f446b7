package collector

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch polls a file source as soon as its file is written or recreated,
// in addition to the scheduled polls. It blocks until ctx is done.
// Directories are watched rather than files so rotation is picked up.
func (c *Collector) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("collector: create watcher: %w", err)
	}
	defer w.Close()

	byPath := c.watchedPaths()
	dirs := make(map[string]struct{})
	for p := range byPath {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			c.logger.Warn("watch directory failed", zap.String("dir", dir), zap.Error(err))
		}
	}
	c.logger.Info("file watcher started", zap.Int("files", len(byPath)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name, ok := byPath[filepath.Clean(ev.Name)]
			if !ok {
				continue
			}
			if _, err := c.Poll(ctx, name); err != nil {
				c.logger.Warn("poll on change failed", zap.String("source", name), zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (c *Collector) watchedPaths() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string)
	for name, src := range c.sources {
		if !src.direct() {
			out[src.absPath] = name
		}
	}
	return out
}
