package updatemanager

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/updatenode/updatenode/client/internal/manifest"
)

// watchManifest triggers a run whenever the local manifest file is written,
// created or moved into place. Remote sources are not watched.
func (u *UpdateManager) watchManifest(ctx context.Context) error {
	if u.source == "" || manifest.IsRemote(u.source) {
		return nil
	}

	target := filepath.Clean(u.source)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	// editors replace files by rename, so the directory is watched
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer func() {
			if err := watcher.Close(); err != nil {
				log.Warnf("failed to close manifest watcher: %v", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					log.Debugf("manifest %s changed (%s)", target, event.Op)
					u.Trigger()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("manifest watcher error: %v", err)
			}
		}
	}()

	return nil
}
