package utils

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// WatchFile calls onChange every time the file at path is written or replaced
// until ctx is done. The parent directory is watched so editors that rename
// over the original file are noticed as well.
func WatchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				log.WithField("file", event.Name).Info("Configuration file changed")
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warning("Configuration watcher failed")
			}
		}
	}()
	return nil
}
