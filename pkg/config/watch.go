package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/nexus-hub/nexus-core/pkg/log"
)

// Watch re-loads config.yaml whenever it changes on disk and hands the
// fresh Config to onChange, until ctx is canceled. Only the
// hot-reloadable tunables matter to callers; the listener address in a
// reloaded Config must be ignored (rebinding mid-flight is not
// supported).
//
// Editors commonly replace the file via rename, so both Write and
// Create events trigger a reload. A parse failure keeps the previous
// configuration and logs the error.
func Watch(ctx context.Context, dataDir string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: the file may not exist yet,
	// and rename-replace would otherwise drop the watch.
	if err := watcher.Add(dataDir); err != nil {
		return err
	}

	target := filepath.Join(dataDir, FileName)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			fresh, err := Load(dataDir)
			if err != nil {
				log.Warn("config: reload failed, keeping previous configuration:", err)
				continue
			}
			onChange(fresh)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config: watch error:", err)
		}
	}
}
