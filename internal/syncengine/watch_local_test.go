package syncengine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

type fakeFSWatcher struct {
	events chan fsnotify.Event
	errs   chan error
	added  []string
}

func (f *fakeFSWatcher) Add(name string) error {
	f.added = append(f.added, name)
	return nil
}
func (f *fakeFSWatcher) Close() error                  { close(f.events); close(f.errs); return nil }
func (f *fakeFSWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeFSWatcher) Errors() <-chan error          { return f.errs }

func TestLocalWatcherTranslatesEvents(t *testing.T) {
	root := t.TempDir()
	filt := NewFilter(nil, nil, nil, "", "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := &fakeFSWatcher{events: make(chan fsnotify.Event, 4), errs: make(chan error, 1)}
	lw := NewLocalWatcher(root, filt, logger, func() (fsWatcher, error) { return fake, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Change, 4)

	go func() {
		_ = lw.Run(ctx, func(c Change) { changes <- c })
	}()

	fake.events <- fsnotify.Event{Name: root + "/a.txt", Op: fsnotify.Write}

	select {
	case c := <-changes:
		if c.RelPath != "a.txt" || c.Kind != ChangeModified {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
}
