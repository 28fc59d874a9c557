package filestore

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the given trust files and calls onChange with the path of
// each one that is written, created or replaced. It runs until ctx is
// cancelled.
//
// The parent directories are watched rather than the files themselves,
// because Save replaces a file by rename and a file may not exist yet.
func Watch(ctx context.Context, logger *slog.Logger, paths []string, onChange func(path string)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	wanted := make(map[string]string, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		wanted[abs] = p
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			return err
		}
	}

	logger.Info("watching trust files for changes", "paths", paths)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			p, ok := wanted[abs]
			if !ok {
				continue
			}
			logger.Debug("trust file changed", "path", p, "op", event.Op.String())
			onChange(p)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("trust file watcher error", "error", err)
		}
	}
}
