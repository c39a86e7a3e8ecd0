package syncengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/text/unicode/norm"
)

func newTestLocalEndpoint(t *testing.T) (*LocalEndpoint, string) {
	t.Helper()
	root := t.TempDir()
	f := NewFilter(nil, nil, []string{".synctrash", ".syncbackup"}, "", "")

	return NewLocalEndpoint(root, f, ".synctrash", ".syncbackup"), root
}

func TestLocalEndpointWriteReadStat(t *testing.T) {
	ep, _ := newTestLocalEndpoint(t)
	ctx := context.Background()

	if err := ep.Write(ctx, "a/b.txt", []byte("hello"), time.Now()); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := ep.Read(ctx, "a/b.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}

	meta, ok, err := ep.Stat(ctx, "a/b.txt")
	if err != nil || !ok {
		t.Fatalf("stat: ok=%v err=%v", ok, err)
	}

	if meta.Size != 5 {
		t.Fatalf("expected size 5, got %d", meta.Size)
	}
}

func TestLocalEndpointMoveToTrash(t *testing.T) {
	ep, root := newTestLocalEndpoint(t)
	ctx := context.Background()

	if err := ep.Write(ctx, "f.txt", []byte("v"), time.Now()); err != nil {
		t.Fatalf("write: %v", err)
	}

	ts := "20260101_000000"
	if err := ep.MoveToTrash(ctx, "f.txt", ts); err != nil {
		t.Fatalf("move to trash: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "f.txt")); !os.IsNotExist(err) {
		t.Fatal("expected source to be gone")
	}

	if _, err := os.Stat(filepath.Join(root, ".synctrash", ts, "f.txt")); err != nil {
		t.Fatalf("expected trashed file: %v", err)
	}
}

func TestLocalEndpointCleanupExpiredTrash(t *testing.T) {
	ep, root := newTestLocalEndpoint(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -30).Format(tsLayout)
	dir := filepath.Join(root, ".synctrash", old)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := ep.Cleanup(ctx, 7, 7); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("expected expired trash root to be removed")
	}
}

func TestLocalEndpointIterateSkipsInternalDirs(t *testing.T) {
	ep, _ := newTestLocalEndpoint(t)
	ctx := context.Background()

	if err := ep.Write(ctx, "keep.txt", []byte("x"), time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := ep.Write(ctx, ".synctrash/2026/stale.txt", []byte("x"), time.Now()); err != nil {
		t.Fatal(err)
	}

	var seen []string
	err := ep.Iterate(ctx, func(e Entry) error {
		seen = append(seen, e.RelPath)
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}

	if len(seen) != 1 || seen[0] != "keep.txt" {
		t.Fatalf("expected only keep.txt, got %v", seen)
	}
}

// TestLocalEndpointIterateNormalizesFilenameForm covers a decomposed (NFD)
// filename, as HFS+ stores it on disk, coming back from Iterate in
// composed (NFC) form so it compares equal to the same logical name seen
// on a remote endpoint.
func TestLocalEndpointIterateNormalizesFilenameForm(t *testing.T) {
	ep, root := newTestLocalEndpoint(t)
	ctx := context.Background()

	composed := "café.txt" // "café.txt" as combining acute accent
	decomposed := norm.NFD.String(composed)

	if err := os.WriteFile(filepath.Join(root, decomposed), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	var seen []string
	err := ep.Iterate(ctx, func(e Entry) error {
		seen = append(seen, e.RelPath)
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}

	if len(seen) != 1 || seen[0] != norm.NFC.String(composed) {
		t.Fatalf("expected NFC-normalized name, got %v", seen)
	}
}
