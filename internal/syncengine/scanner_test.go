package syncengine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestScanner(t *testing.T, root string) (*LocalEndpoint, *PollScanner) {
	t.Helper()
	return newTestScannerWithInterval(t, root, time.Hour)
}

func newTestScannerWithInterval(t *testing.T, root string, interval time.Duration) (*LocalEndpoint, *PollScanner) {
	t.Helper()

	ep := newTestEndpoint(t, root)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return ep, NewPollScanner(ep, interval, logger)
}

func noOtherSide(context.Context, string) (string, bool) { return "", false }

func TestPollScannerTickDetectsCreatedAndModified(t *testing.T) {
	base := t.TempDir()
	ep, scanner := newTestScanner(t, filepath.Join(base, "root"))
	ctx := context.Background()

	require.NoError(t, ep.Write(ctx, "a.txt", []byte("v1"), time.Now()))

	var changes []Change
	scanner.tick(ctx, noOtherSide, func(c Change) { changes = append(changes, c) })
	require.Len(t, changes, 1)
	require.Equal(t, ChangeCreated, changes[0].Kind)

	changes = nil
	require.NoError(t, ep.Write(ctx, "a.txt", []byte("v2-longer"), time.Now().Add(time.Second)))
	scanner.tick(ctx, noOtherSide, func(c Change) { changes = append(changes, c) })
	require.Len(t, changes, 1)
	require.Equal(t, ChangeModified, changes[0].Kind)
}

func TestPollScannerTickDetectsDeletion(t *testing.T) {
	base := t.TempDir()
	ep, scanner := newTestScanner(t, filepath.Join(base, "root"))
	ctx := context.Background()

	require.NoError(t, ep.Write(ctx, "gone.txt", []byte("v1"), time.Now()))

	scanner.tick(ctx, noOtherSide, func(Change) {})

	abs := filepath.Join(base, "root", "gone.txt")
	require.NoError(t, os.Remove(abs))

	var changes []Change
	scanner.tick(ctx, noOtherSide, func(c Change) { changes = append(changes, c) })
	require.Len(t, changes, 1)
	require.Equal(t, ChangeDeleted, changes[0].Kind)
}

// TestPollScannerCoarseMtimeCompensation covers spec §8 end-to-end scenario
// 6: a file whose size and mtime look unchanged across a tick, but whose
// other-side content hash has diverged, must still surface a synthetic
// Modified change. otherSide is consulted live, not from a cached Meta
// field, since immediately after a baseline the cache holds no hash at
// all.
func TestPollScannerCoarseMtimeCompensation(t *testing.T) {
	base := t.TempDir()
	ep, scanner := newTestScanner(t, filepath.Join(base, "root"))
	ctx := context.Background()

	mtime := time.Now()
	require.NoError(t, ep.Write(ctx, "stable.txt", []byte("unchanged-on-this-side"), mtime))

	// Baseline tick: establishes lastMeta with no prior entry, so it always
	// reports Created rather than consulting otherSide.
	scanner.tick(ctx, noOtherSide, func(Change) {})

	otherHash := Hash([]byte("content that differs on the other side"))
	otherSide := func(context.Context, string) (string, bool) { return otherHash, true }

	var changes []Change
	scanner.tick(ctx, otherSide, func(c Change) { changes = append(changes, c) })

	require.Len(t, changes, 1)
	require.Equal(t, "stable.txt", changes[0].RelPath)
	require.Equal(t, ChangeModified, changes[0].Kind)
}

func TestPollScannerCoarseMtimeCompensationSkipsWhenHashesMatch(t *testing.T) {
	base := t.TempDir()
	ep, scanner := newTestScanner(t, filepath.Join(base, "root"))
	ctx := context.Background()

	data := []byte("identical content")
	require.NoError(t, ep.Write(ctx, "same.txt", data, time.Now()))

	scanner.tick(ctx, noOtherSide, func(Change) {})

	matchingHash := Hash(data)
	otherSide := func(context.Context, string) (string, bool) { return matchingHash, true }

	var changes []Change
	scanner.tick(ctx, otherSide, func(c Change) { changes = append(changes, c) })

	require.Empty(t, changes)
}

func TestPollScannerRunSkipsTickWhileBusy(t *testing.T) {
	base := t.TempDir()
	ep, scanner := newTestScannerWithInterval(t, filepath.Join(base, "root"), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, ep.Write(ctx, "a.txt", []byte("v1"), time.Now()))

	var changes []Change
	busy := true
	skip := func() bool { return busy }

	done := make(chan error, 1)
	go func() {
		done <- scanner.Run(ctx, skip, noOtherSide, func(c Change) { changes = append(changes, c) })
	}()

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, changes, "no tick should have run while skip() returns true")

	busy = false
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.NotEmpty(t, changes, "a tick should have run once skip() returned false")
}
