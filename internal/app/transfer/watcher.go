package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	zlog "github.com/rs/zerolog/log"
)

// Reconcile drops asset records whose file no longer exists and removes stray partial files.
// It should run before any download is started.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return 0, errors.Wrap(err, "failed to create downloads directory")
	}

	assets, err := e.store.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list assets")
	}

	dropped := 0
	for _, a := range assets {
		if _, err := os.Stat(a.Path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			zlog.Warn().Err(err).Msgf("transfer: cannot stat asset id=%s path=%s", a.ID(), a.Path)
			continue
		}
		if err := e.store.Delete(ctx, a.ID()); err != nil {
			return dropped, errors.Wrapf(err, "failed to drop asset %s", a.ID())
		}
		dropped++
		zlog.Info().Msgf("transfer: dropped record with missing file id=%s path=%s", a.ID(), a.Path)
	}

	if e.activeCount() == 0 {
		partials, _ := filepath.Glob(filepath.Join(e.dir, partialDirName, "*.part"))
		for _, p := range partials {
			removeQuietly(p)
		}
		if len(partials) > 0 {
			zlog.Info().Msgf("transfer: removed %d partial files", len(partials))
		}
	}
	return dropped, nil
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

// Watch drops asset records whose file is removed from the downloads directory
// by something other than the engine. It returns when ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create downloads directory")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(e.dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", e.dir)
	}
	zlog.Debug().Msgf("transfer: watching %s", e.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			e.handleRemoved(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			zlog.Warn().Err(err).Msg("transfer: watcher error")
		}
	}
}

// handleRemoved drops the record owning path if the file is really gone.
func (e *Engine) handleRemoved(ctx context.Context, path string) {
	base := filepath.Base(path)
	id := strings.TrimSuffix(base, filepath.Ext(base))
	if id == "" || strings.HasPrefix(base, ".") {
		return
	}
	// replaced by a fresh download
	if _, err := os.Stat(path); err == nil {
		return
	}

	a, ok, err := e.store.Lookup(ctx, id)
	if err != nil || !ok || filepath.Clean(a.Path) != filepath.Clean(path) {
		return
	}
	if err := e.store.Delete(ctx, id); err != nil {
		zlog.Warn().Err(err).Msgf("transfer: failed to drop asset id=%s", id)
		return
	}
	zlog.Info().Msgf("transfer: file removed externally id=%s path=%s", id, path)
	e.publish(Event{Type: EventDeleted, TrackID: id, Track: a.Track, Path: path})
}
