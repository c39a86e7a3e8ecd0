package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorsync/mirrorsync/internal/api"
	"github.com/mirrorsync/mirrorsync/internal/syncengine"
	"github.com/mirrorsync/mirrorsync/internal/task"
)

// defaultStateDBName is the file name of the daemon's SQLite state store.
// It lives next to the config file when --config is given, or in the
// working directory otherwise; the config file has no setting for it.
const defaultStateDBName = "mirrorsync.db"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the sync daemon: load config, start tasks, serve the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			return runDaemon(cmd.Context(), cc)
		},
	}
}

func runDaemon(ctx context.Context, cc *CLIContext) error {
	ctx = shutdownContext(ctx, cc.Logger)

	dbPath := defaultStateDBName
	if flagConfigPath != "" {
		dbPath = filepath.Join(filepath.Dir(flagConfigPath), defaultStateDBName)
	}

	store, err := syncengine.OpenStore(ctx, dbPath, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := task.NewManager(store, cc.Env, cc.Logger)

	if err := manager.AutoStart(ctx, cc.Cfg.Tasks); err != nil {
		return err
	}
	defer manager.StopAll()

	server := api.NewServer(manager, store, cc.Cfg.Server, cc.Env, cc.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	cc.Logger.Info("mirrorsync daemon running", slog.Int("tasks", len(cc.Cfg.Tasks)))

	return group.Wait()
}
