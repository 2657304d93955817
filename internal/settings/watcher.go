package settings

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	pkgerrors "github.com/pkg/errors"

	"github.com/lapsed/lapsed/internal/infrastructure/logging"
)

const watchDebounce = 250 * time.Millisecond

// Watcher reloads the settings store when the settings file changes on
// disk. It watches the parent directory rather than the file itself so
// atomic rename-into-place saves (the common editor pattern) keep working.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	logger  logging.Logger
	done    chan struct{}
}

// NewWatcher starts watching the directory containing the store's settings
// file. Returns an error when the watch cannot be established; the caller
// may treat that as non-fatal and run without live reload.
func NewWatcher(store *Store, logger logging.Logger) (*Watcher, error) {
	if store.path == "" {
		return nil, pkgerrors.New("settings store has no file to watch")
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "creating settings watcher")
	}
	dir := filepath.Dir(store.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, pkgerrors.Wrapf(err, "watching settings directory %s", dir)
	}

	w := &Watcher{
		store:   store,
		watcher: fsw,
		logger:  logger,
		done:    make(chan struct{}),
	}
	return w, nil
}

// Run processes filesystem events until ctx is cancelled. Event bursts
// (editors write, chmod, and rename in quick succession) collapse into a
// single reload.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)

	debounced := debounce.New(watchDebounce)
	target := filepath.Clean(w.store.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounced(w.store.Reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Settings watcher error", "error", err)
		}
	}
}

// Close stops the underlying filesystem watcher and waits for Run to
// return.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
