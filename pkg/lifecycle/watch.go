package lifecycle

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/offsync/pkg/pool"
)

// watchManifest reloads the manifest after it changes. Events are debounced
// by ReloadDelay. Editors that replace the file are handled by re-adding
// the watch.
func (mg *Manager) watchManifest(ctx context.Context) {
	logger := mg.opts.Logger.With(zap.String("file", mg.opts.ManifestPath))
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create manifest watcher", zap.Error(err))
		return
	}
	defer watcher.Close()
	if err := watcher.Add(mg.opts.ManifestPath); err != nil {
		logger.Warn("failed to watch manifest", zap.Error(err))
	}

	timer := pool.GetTimer(mg.opts.ReloadDelay)
	defer pool.ReleaseTimer(timer)
	timer.Stop()
	needReWatch := false

	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				return
			}
			if e.Has(fsnotify.Chmod) {
				continue
			}
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			pool.ResetAndDrainTimer(timer, mg.opts.ReloadDelay)

		case <-timer.C:
			if needReWatch {
				needReWatch = false
				_ = watcher.Remove(mg.opts.ManifestPath)
				if err := watcher.Add(mg.opts.ManifestPath); err != nil {
					logger.Warn("failed to re-watch manifest", zap.Error(err))
				}
			}
			if err := mg.ReloadManifest(ctx); err != nil {
				logger.Error("failed to reload manifest", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("manifest watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}
