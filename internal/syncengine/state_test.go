package syncengine

import (
	"context"
	"log/slog"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := OpenStore(context.Background(), dbPath, logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStoreFileStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertTask(ctx, "task1", "mirror", "two_way", true, true))

	_, ok, err := store.LoadFileState(ctx, "task1", "docs/a.txt")
	require.NoError(t, err)
	require.False(t, ok)

	now := time.Now().Truncate(time.Second)
	fs := FileState{
		TaskID:     "task1",
		RelPath:    "docs/a.txt",
		AMeta:      Meta{Size: 10, Mtime: now, Hash: "abc"},
		BMeta:      Meta{Size: 10, Mtime: now, Hash: "abc"},
		ASeenAt:    now,
		BSeenAt:    now,
		LastWinner: "a",
		LastSyncAt: now,
	}
	require.NoError(t, store.SaveFileState(ctx, fs))

	loaded, ok, err := store.LoadFileState(ctx, "task1", "docs/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", loaded.AMeta.Hash)
	require.Equal(t, int64(10), loaded.BMeta.Size)
	require.Equal(t, "a", loaded.LastWinner)
	require.True(t, now.Equal(loaded.ASeenAt))
}

func TestStoreIsEmptyAndGC(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertTask(ctx, "task1", "mirror", "two_way", true, true))

	empty, err := store.IsEmpty(ctx, "task1")
	require.NoError(t, err)
	require.True(t, empty)

	now := time.Now()
	require.NoError(t, store.SaveFileState(ctx, FileState{
		TaskID: "task1", RelPath: "gone.txt",
		ADeleted: true, BDeleted: true,
		ASeenAt: now, BSeenAt: now, LastSyncAt: now,
	}))

	empty, err = store.IsEmpty(ctx, "task1")
	require.NoError(t, err)
	require.False(t, empty)

	eligible, err := store.ListGCEligible(ctx, "task1")
	require.NoError(t, err)
	require.Equal(t, []string{"gone.txt"}, eligible)

	require.NoError(t, store.DeleteFileState(ctx, "task1", "gone.txt"))

	eligible, err = store.ListGCEligible(ctx, "task1")
	require.NoError(t, err)
	require.Empty(t, eligible)
}

func TestStoreAutoStartAndLogs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertTask(ctx, "task1", "mirror", "two_way", true, true))
	require.NoError(t, store.UpsertTask(ctx, "task2", "backup", "one_way", true, false))

	ids, err := store.AutoStartTaskIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"task1"}, ids)

	require.NoError(t, store.AppendLog(ctx, LogEntry{
		TaskID: "task1", EventType: "write", FilePath: "a.txt",
		Status: "success", SyncTime: time.Now(),
	}))

	logs, err := store.RecentLogs(ctx, "task1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "success", logs[0].Status)
}
