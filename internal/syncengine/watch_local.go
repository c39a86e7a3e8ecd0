package syncengine

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind is the normalized shape of a filesystem or remote change
// notice (spec §4.5/§4.6).
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeModified
	ChangeDeleted
)

// Change is what watchers and pollers enqueue into the Batch Dispatcher.
// Watchers never perform I/O themselves; this is the message-passing
// boundary that breaks the reconciler/watcher reference cycle (spec §9).
type Change struct {
	RelPath string
	Kind    ChangeKind
}

// fsWatcher is the subset of *fsnotify.Watcher this package depends on,
// narrowed to an interface for test doubles (fsnotify exposes Events/Errors
// as public channel fields, not methods, so a thin adapter bridges them).
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct{ w *fsnotify.Watcher }

func (f *fsnotifyWrapper) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWrapper) Close() error                  { return f.w.Close() }
func (f *fsnotifyWrapper) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWrapper) Errors() <-chan error          { return f.w.Errors }

// LocalWatcher subscribes recursively to filesystem events under root and
// forwards filtered, path-translated changes to a sink function. Filtered
// paths are dropped. Directory events are not: a created directory is
// added to the watch and also reported to sink as ChangeCreated, and a
// removed or renamed directory is reported as ChangeDeleted.
type LocalWatcher struct {
	root    string
	filter  *Filter
	logger  *slog.Logger
	newWatcher func() (fsWatcher, error)
}

// NewLocalWatcher constructs a LocalWatcher. newWatcher is overridable in
// tests; production callers pass nil to get the real fsnotify watcher.
func NewLocalWatcher(root string, filter *Filter, logger *slog.Logger, newWatcher func() (fsWatcher, error)) *LocalWatcher {
	if newWatcher == nil {
		newWatcher = func() (fsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		}
	}

	return &LocalWatcher{root: root, filter: filter, logger: logger, newWatcher: newWatcher}
}

// Run subscribes to root and every existing subdirectory, then streams
// translated Change values to sink until ctx is cancelled. Events are
// handled one at a time on the calling goroutine; the stat and directory
// walk that add a new subdirectory to the watch run inline, before sink
// is called.
func (w *LocalWatcher) Run(ctx context.Context, sink func(Change)) error {
	watcher, err := w.newWatcher()
	if err != nil {
		return NewError(KindIOFailed, "watch_local", w.root, err)
	}
	defer watcher.Close()

	if err := w.addTree(watcher); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			w.handleEvent(watcher, ev, sink)
		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("local watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *LocalWatcher) addTree(watcher fsWatcher) error {
	return filepath.WalkDir(w.root, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort subscribe; missing dirs simply aren't watched
		}

		if !d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(w.root, absPath)
		if relErr == nil && rel != "." && !w.filter.ShouldSync(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}

		_ = watcher.Add(absPath)

		return nil
	})
}

func (w *LocalWatcher) handleEvent(watcher fsWatcher, ev fsnotify.Event, sink func(Change)) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}

	rel = filepath.ToSlash(rel)
	if !w.filter.ShouldSync(rel) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		// A created directory must be watched too, so nested creations are
		// observed without a restart.
		_ = watcher.Add(ev.Name)
		sink(Change{RelPath: rel, Kind: ChangeCreated})
	case ev.Has(fsnotify.Write):
		sink(Change{RelPath: rel, Kind: ChangeModified})
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		sink(Change{RelPath: rel, Kind: ChangeDeleted})
	}
}
