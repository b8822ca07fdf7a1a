package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPolicy reloads the policy whenever the file at path changes. The
// directory is watched rather than the file so editors that save by
// renaming a temp file are picked up. A file that fails to parse is
// logged and the current policy stays in effect. It blocks until ctx is
// cancelled and then returns nil.
func (i *Interceptor) WatchPolicy(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving policy path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching policy directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				i.reloadPolicy(abs)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			i.logger.Warn("policy watcher error", slog.String("error", err.Error()))
		}
	}
}

func (i *Interceptor) reloadPolicy(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		i.logger.Warn("reading interceptor policy", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	// A truncate shows up before the new content does.
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}

	p, err := ParsePolicy(bytes.NewReader(data))
	if err != nil {
		i.logger.Warn("keeping current interceptor policy",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	i.SetPolicy(p)
	i.logger.Info("reloaded interceptor policy", slog.String("path", path), slog.Int("tools", len(p.Tools)))
}
