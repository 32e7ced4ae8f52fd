package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/relabs-tech/baas/core/logger"
	"github.com/relabs-tech/baas/core/source"
)

// WatchLocal invalidates modules as soon as their descriptor file changes on disk,
// instead of waiting for the next modification check. It watches the base folder
// and every module folder in it until ctx is done.
func (c *Cache) WatchLocal(ctx context.Context, local *source.LocalFilesystem) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(local.BasePath); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	entries, err := os.ReadDir(local.BasePath)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("read directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && source.ValidModuleName(entry.Name()) {
			if err := watcher.Add(filepath.Join(local.BasePath, entry.Name())); err != nil {
				watcher.Close()
				return fmt.Errorf("watch directory: %w", err)
			}
		}
	}

	rlog := logger.FromContext(ctx)
	rlog.Infoln("watching descriptors in", local.BasePath)

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				c.handleEvent(ctx, watcher, local, event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				rlog.WithError(err).Errorln("descriptor watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (c *Cache) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, local *source.LocalFilesystem, event fsnotify.Event) {
	rlog := logger.FromContext(ctx)

	// a new module folder
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == filepath.Clean(local.BasePath) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				rlog.WithError(err).Errorln("cannot watch", event.Name)
			}
			c.Invalidate(filepath.Base(event.Name))
		}
		return
	}

	module, ok := local.ModuleFromPath(event.Name)
	if !ok {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		rlog.Debugln("descriptor changed:", event.Name, event.Op.String())
		c.Invalidate(module)
	}
}
