package task

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirrorsync/mirrorsync/internal/config"
	"github.com/mirrorsync/mirrorsync/internal/syncengine"
)

func newTestManager(t *testing.T) (*Manager, string, string) {
	t.Helper()

	base := t.TempDir()
	srcDir := filepath.Join(base, "src")
	dstDir := filepath.Join(base, "dst")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.MkdirAll(dstDir, 0o755))

	dbPath := filepath.Join(base, "state.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := syncengine.OpenStore(context.Background(), dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := NewManager(store, config.EnvOverrides{}, logger)

	return m, srcDir, dstDir
}

func oneWayTestConfig(id, srcDir, dstDir string) config.TaskConfig {
	cfg := config.TaskConfig{
		ID:           id,
		Name:         "mirror-docs",
		Mode:         "one_way",
		Enabled:      true,
		AutoStart:    true,
		Source:       config.EndpointConfig{Type: "local", Path: srcDir},
		Target:       config.EndpointConfig{Type: "local", Path: dstDir},
		EOLPolicy:    "keep",
		PollInterval: "50ms",
		BatchDelay:   "20ms",
		TrashDir:     ".synctrash",
		BackupDir:    ".syncbackup",
		MaxWorkers:   4,
	}

	return cfg
}

func TestManagerAutoStartRunsInitialFullSync(t *testing.T) {
	m, srcDir, dstDir := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("hello"), 0o644))

	cfg := oneWayTestConfig("t1", srcDir, dstDir)
	require.NoError(t, m.AutoStart(ctx, []config.TaskConfig{cfg}))
	defer m.StopAll()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dstDir, "a.txt"))
		return err == nil && string(data) == "hello"
	}, 2*time.Second, 20*time.Millisecond)

	status, err := m.Status("t1")
	require.NoError(t, err)
	require.Equal(t, StateRunning, status.State)
}

func TestManagerStatusUnknownTask(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Status("missing")
	require.Error(t, err)
}

func TestManagerListReflectsRegisteredAndStopped(t *testing.T) {
	m, srcDir, dstDir := newTestManager(t)
	ctx := context.Background()

	cfg := oneWayTestConfig("t1", srcDir, dstDir)
	cfg.AutoStart = false

	require.NoError(t, m.Register(ctx, cfg))

	statuses := m.List()
	require.Len(t, statuses, 1)
	require.Equal(t, StateStopped, statuses[0].State)
}
