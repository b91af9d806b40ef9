package creds

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/linnemanlabs/go-core/log"
)

// Watch reloads the tenant file whenever it changes until ctx is done.
// The parent directory is watched so that atomic replaces (rename over the
// file) are seen as well as in-place writes.
func (r *Resolver) Watch(ctx context.Context, logger log.Logger) error {
	if r.path == "" {
		return errors.New("resolver has no backing file")
	}
	if logger == nil {
		logger = log.Nop()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tenant watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}

	target := filepath.Clean(r.path)
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := r.Reload(); err != nil {
					logger.Error(ctx, err, "tenant reload failed, keeping previous tenants", "path", r.path)
					continue
				}
				logger.Info(ctx, "tenants reloaded", "path", r.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn(ctx, "tenant watcher error", "error", err)
			}
		}
	}()
	return nil
}
