package syncengine

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcherCoalescesDuplicatePaths(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var calls atomic.Int32

	d := NewDispatcher(func(ctx context.Context, relPath string) error {
		calls.Add(1)
		return nil
	}, 20*time.Millisecond, 4, logger)

	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue("a.txt")
	d.Enqueue("a.txt")
	d.Enqueue("a.txt")

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestDispatcherDispatchesEachDistinctPath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seen := make(chan string, 10)

	d := NewDispatcher(func(ctx context.Context, relPath string) error {
		seen <- relPath
		return nil
	}, 10*time.Millisecond, 4, logger)

	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue("a.txt")
	d.Enqueue("b.txt")

	got := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case p := <-seen:
			got[p] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	require.True(t, got["a.txt"])
	require.True(t, got["b.txt"])
}
