package deid

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchDenylist reloads d from path whenever the file is written, created or
// renamed into place. It blocks until ctx is cancelled. A file that fails to
// parse leaves the previous terms in effect.
//
// The parent directory is watched rather than the file so editors that save
// through a temporary file and rename are picked up.
func WatchDenylist(ctx context.Context, path string, d *Denylist, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create denylist watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve denylist path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			terms, err := ReadDenylistFile(abs)
			if err != nil {
				logger.Warn().Err(err).Str("path", abs).Msg("denylist reload failed, keeping previous terms")
				continue
			}
			d.Replace(terms)
			logger.Info().Str("path", abs).Int("terms", len(terms)).Msg("denylist reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("denylist watcher error")
		}
	}
}
