package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and delivers validated
// configs to onChange. Invalid intermediate states are skipped; the
// last good config stays active. Returns when ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	if path == "" || onChange == nil {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	// Watch the directory: editors replace files rather than write
	// in place, which drops the watch on the inode.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				continue
			}
			onChange(cfg)
		case _, ok := <-w.Errors:
			if !ok {
				return nil
			}
		}
	}
}
