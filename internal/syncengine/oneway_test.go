package syncengine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOneWaySyncerApplyCreateAndDelete(t *testing.T) {
	base := t.TempDir()
	source := newTestEndpoint(t, filepath.Join(base, "src"))
	target := newTestEndpoint(t, filepath.Join(base, "dst"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s := NewOneWaySyncer("t1", source, target, EOLKeep, logger)

	require.NoError(t, source.Write(ctx, "report.txt", []byte("Q1 results"), time.Now()))
	require.NoError(t, s.Apply(ctx, Change{RelPath: "report.txt", Kind: ChangeCreated}))

	data, err := target.Read(ctx, "report.txt")
	require.NoError(t, err)
	require.Equal(t, "Q1 results", string(data))

	require.NoError(t, source.MoveToTrash(ctx, "report.txt", NewTimestampToken(time.Now())))
	require.NoError(t, s.Apply(ctx, Change{RelPath: "report.txt", Kind: ChangeDeleted}))

	_, ok, err := target.Stat(ctx, "report.txt")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOneWaySyncerTailScanDetectsChanges(t *testing.T) {
	base := t.TempDir()
	source := newTestEndpoint(t, filepath.Join(base, "src"))
	target := newTestEndpoint(t, filepath.Join(base, "dst"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s := NewOneWaySyncer("t1", source, target, EOLKeep, logger)

	require.NoError(t, source.Write(ctx, "a.txt", []byte("v1"), time.Now()))

	var changes []Change
	require.NoError(t, s.TailScan(ctx, func(c Change) { changes = append(changes, c) }))
	require.Len(t, changes, 1)
	require.Equal(t, ChangeCreated, changes[0].Kind)

	changes = nil
	require.NoError(t, s.TailScan(ctx, func(c Change) { changes = append(changes, c) }))
	require.Empty(t, changes)
}

func TestOneWaySyncerFullSync(t *testing.T) {
	base := t.TempDir()
	source := newTestEndpoint(t, filepath.Join(base, "src"))
	target := newTestEndpoint(t, filepath.Join(base, "dst"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s := NewOneWaySyncer("t1", source, target, EOLKeep, logger)

	require.NoError(t, source.Write(ctx, "x.txt", []byte("x"), time.Now()))
	require.NoError(t, source.Write(ctx, "sub/y.txt", []byte("y"), time.Now()))

	require.NoError(t, s.FullSync(ctx))

	data, err := target.Read(ctx, "sub/y.txt")
	require.NoError(t, err)
	require.Equal(t, "y", string(data))
}
