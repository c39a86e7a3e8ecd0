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

func newTestEndpoint(t *testing.T, root string) *LocalEndpoint {
	t.Helper()

	require.NoError(t, os.MkdirAll(root, 0o755))

	filter := NewFilter(nil, nil, []string{".synctrash", ".syncbackup"}, "", "")

	return NewLocalEndpoint(root, filter, ".synctrash", ".syncbackup")
}

func newTestReconciler(t *testing.T) (*Reconciler, *LocalEndpoint, *LocalEndpoint) {
	t.Helper()

	base := t.TempDir()
	a := newTestEndpoint(t, filepath.Join(base, "a"))
	b := newTestEndpoint(t, filepath.Join(base, "b"))
	store := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, store.UpsertTask(context.Background(), "t1", "mirror", "two_way", true, true))

	return NewReconciler("t1", a, b, store, EOLKeep, logger), a, b
}

func TestReconcilerPropagatesNewFileAToB(t *testing.T) {
	r, a, b := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, "hello.txt", []byte("hi there"), time.Now()))

	meta, ok, err := a.Stat(ctx, "hello.txt")
	require.NoError(t, err)
	require.True(t, ok)

	var enqueued []string
	require.NoError(t, r.Observe(ctx, Notice{
		Side: SideA, RelPath: "hello.txt", Meta: meta, ObservedAt: time.Now(),
	}, func(p string) { enqueued = append(enqueued, p) }))

	require.Equal(t, []string{"hello.txt"}, enqueued)

	require.NoError(t, r.Reconcile(ctx, "hello.txt"))

	data, err := b.Read(ctx, "hello.txt")
	require.NoError(t, err)
	require.Equal(t, "hi there", string(data))
}

func TestReconcilerDeletePropagatesAsTrash(t *testing.T) {
	r, a, b := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, "doomed.txt", []byte("x"), time.Now()))
	meta, _, err := a.Stat(ctx, "doomed.txt")
	require.NoError(t, err)

	require.NoError(t, r.Observe(ctx, Notice{Side: SideA, RelPath: "doomed.txt", Meta: meta, ObservedAt: time.Now()}, func(string) {}))
	require.NoError(t, r.Reconcile(ctx, "doomed.txt"))

	_, ok, err := b.Stat(ctx, "doomed.txt")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.MoveToTrash(ctx, "doomed.txt", NewTimestampToken(time.Now())))

	require.NoError(t, r.Observe(ctx, Notice{Side: SideA, RelPath: "doomed.txt", Deleted: true, ObservedAt: time.Now().Add(time.Second)}, func(string) {}))
	require.NoError(t, r.Reconcile(ctx, "doomed.txt"))

	_, ok, err = b.Stat(ctx, "doomed.txt")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReconcilerBaselineSeedsOneSidedFiles(t *testing.T) {
	r, a, b := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, "only_a.txt", []byte("a-side"), time.Now()))
	require.NoError(t, b.Write(ctx, "only_b.txt", []byte("b-side"), time.Now()))

	var enqueued []string
	require.NoError(t, r.Baseline(ctx, func(p string) { enqueued = append(enqueued, p) }))
	require.ElementsMatch(t, []string{"only_a.txt", "only_b.txt"}, enqueued)

	for _, p := range enqueued {
		require.NoError(t, r.Reconcile(ctx, p))
	}

	dataA, err := b.Read(ctx, "only_a.txt")
	require.NoError(t, err)
	require.Equal(t, "a-side", string(dataA))

	dataB, err := a.Read(ctx, "only_b.txt")
	require.NoError(t, err)
	require.Equal(t, "b-side", string(dataB))
}

func TestReconcilerTieBreaksTowardSideA(t *testing.T) {
	r, a, b := newTestReconciler(t)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, "both.txt", []byte("from-a"), time.Now()))
	require.NoError(t, b.Write(ctx, "both.txt", []byte("from-b"), time.Now()))

	metaA, _, err := a.Stat(ctx, "both.txt")
	require.NoError(t, err)
	metaB, _, err := b.Stat(ctx, "both.txt")
	require.NoError(t, err)

	same := time.Now()
	require.NoError(t, r.Observe(ctx, Notice{Side: SideA, RelPath: "both.txt", Meta: metaA, ObservedAt: same}, func(string) {}))
	require.NoError(t, r.Observe(ctx, Notice{Side: SideB, RelPath: "both.txt", Meta: metaB, ObservedAt: same}, func(string) {}))

	require.NoError(t, r.Reconcile(ctx, "both.txt"))

	data, err := b.Read(ctx, "both.txt")
	require.NoError(t, err)
	require.Equal(t, "from-a", string(data))
}

// TestReconcilerAppliesConfiguredEOLPolicy applies the CRLF-to-LF
// expectation of spec §8 scenario 1 to two-way mode: a
// task configured with eol_policy=lf must normalize a CRLF source file to
// LF on the loser side, not just copy it byte-for-byte.
func TestReconcilerAppliesConfiguredEOLPolicy(t *testing.T) {
	base := t.TempDir()
	a := newTestEndpoint(t, filepath.Join(base, "a"))
	b := newTestEndpoint(t, filepath.Join(base, "b"))
	store := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	require.NoError(t, store.UpsertTask(ctx, "t1", "mirror", "two_way", true, true))
	r := NewReconciler("t1", a, b, store, EOLLF, logger)

	crlf := []byte("line one\r\nline two\r\n")
	require.NoError(t, a.Write(ctx, "notes.txt", crlf, time.Now()))

	meta, _, err := a.Stat(ctx, "notes.txt")
	require.NoError(t, err)
	require.NoError(t, r.Observe(ctx, Notice{Side: SideA, RelPath: "notes.txt", Meta: meta, ObservedAt: time.Now()}, func(string) {}))
	require.NoError(t, r.Reconcile(ctx, "notes.txt"))

	data, err := b.Read(ctx, "notes.txt")
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", string(data))
}
