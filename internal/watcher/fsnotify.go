package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// Run watches the directories holding the list files until ctx ends. Parent
// directories are watched rather than the files so editors that replace a
// file on save keep triggering reloads.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dirs := map[string]struct{}{filepath.Dir(w.targetsPath): {}}
	if w.priorityPath != "" {
		dirs[filepath.Dir(w.priorityPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.logger.Info("watching target lists", zap.String("targets", w.targetsPath), zap.String("priority", w.priorityPath))

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&relevantOps == 0 || !w.watches(ev.Name) {
				continue
			}
			w.logger.Debug("list file event", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			debounce.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		case <-debounce.C:
			if err := w.Reload(); err != nil {
				w.logger.Warn("reload failed", zap.Error(err))
			}
		}
	}
}
