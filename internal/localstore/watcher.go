package localstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/feathernotes/feathersync/internal/notes"
)

const (
	// watchDebounceInterval is how often the watcher checks for pending
	// filesystem events, batching rapid editor writes into one trigger.
	watchDebounceInterval = 500 * time.Millisecond

	// watchQuietWindow is how long a document must stay untouched before
	// its change counts as settled.
	watchQuietWindow = 300 * time.Millisecond
)

// Watcher monitors the store directory and coalesces document changes
// into change notifications. The sync session registers itself as the
// callback so local edits trigger a pass. Writes performed by a sync pass
// fire events too; the callback is expected to tolerate redundant
// triggers.
type Watcher struct {
	store    *Store
	onChange func()
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher over the given store. onChange is invoked
// from the watch goroutine once per settled batch of changes.
func NewWatcher(store *Store, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		store:    store,
		onChange: onChange,
		logger:   logger,
	}
}

// Watch blocks until the context is cancelled, reporting settled changes
// through the callback. The store root and its subdirectories are watched
// recursively.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	dir := w.store.Dir()
	if err := w.addRecursive(dir); err != nil {
		return fmt.Errorf("watching store dir: %w", err)
	}

	w.logger.Info("store watcher started", slog.String("dir", dir))

	// Debounce: a document being written in bursts settles once it has
	// been quiet for the full window.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(watchDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				// New directories are watched recursively. Lstat so a
				// symlink pointing outside the store is never followed.
				info, err := os.Lstat(event.Name)
				if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
					_ = w.addRecursive(event.Name)
					continue
				}
			}

			if !isDocument(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// A vanished document is still a local change. The watch
				// itself is removed explicitly since not every platform
				// drops it automatically.
				pending[event.Name] = time.Now()
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			settled := 0

			for path, t := range pending {
				if now.Sub(t) < watchQuietWindow {
					continue
				}

				delete(pending, path)
				settled++
			}

			if settled > 0 {
				w.logger.Debug("local documents changed", slog.Int("count", settled))
				w.onChange()
			}
		}
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if shouldIgnore(path) {
			return filepath.SkipDir
		}

		// Skip symlinked directories so the watch never escapes the
		// store root.
		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

// shouldIgnore filters out hidden files and editor droppings before they
// reach the pending map.
func shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp") {
		return true
	}

	return false
}

// isDocument reports whether the path names a note or folder document.
// Foreign files living in the store directory never trigger syncs.
func isDocument(path string) bool {
	base := filepath.Base(path)
	if _, ok := notes.ParseNoteID(base); ok {
		return true
	}
	if _, ok := notes.ParseFolderID(base); ok {
		return true
	}

	return false
}
