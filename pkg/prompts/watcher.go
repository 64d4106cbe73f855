package prompts

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/resviz/resviz/pkg/logger"
)

// Watch reloads the renderer whenever a file in one of its override
// directories changes. It blocks until ctx is done. Directories that do not
// exist are skipped; watching nothing returns immediately.
func (r *Renderer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := 0
	for _, dir := range r.overrideDirs {
		if err := watcher.Add(dir); err != nil {
			logger.G(ctx).WithError(err).WithField("dir", dir).Debug("skipping prompt override dir")
			continue
		}
		watched++
	}
	if watched == 0 {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				logger.G(ctx).WithError(err).Warn("prompt template reload failed, keeping previous set")
				continue
			}
			logger.G(ctx).WithField("file", event.Name).Info("prompt templates reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.G(ctx).WithError(err).Warn("prompt watcher error")
		}
	}
}
