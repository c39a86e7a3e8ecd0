package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirrorsync/mirrorsync/internal/config"
)

// newTaskCmd builds the `task` command group: add/remove/list/start/stop/
// restart/sync, all of which talk to a running daemon's control plane
// rather than touching the SQLite state store directly (spec §4.15).
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage sync tasks on a running daemon",
	}

	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskRemoveCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskStartCmd())
	cmd.AddCommand(newTaskStopCmd())
	cmd.AddCommand(newTaskRestartCmd())
	cmd.AddCommand(newTaskSyncCmd())

	return cmd
}

type taskAddFlags struct {
	id, name, mode    string
	enabled, autoStart bool

	sourceType, sourcePath, sourceHost, sourceUser string
	targetType, targetPath, targetHost, targetUser string
	aType, aPath, aHost, aUser                     string
	bType, bPath, bHost, bUser                     string

	excludePatterns []string
}

func endpointFromFlags(typ, path, host, user string) config.EndpointConfig {
	return config.EndpointConfig{Type: typ, Path: path, Host: host, Username: user}
}

func newTaskAddCmd() *cobra.Command {
	f := &taskAddFlags{}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new sync task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			cfg := config.TaskConfig{
				ID:        f.id,
				Name:      f.name,
				Mode:      f.mode,
				Enabled:   f.enabled,
				AutoStart: f.autoStart,
				Filter:    config.FilterConfig{ExcludePatterns: f.excludePatterns},
			}

			switch f.mode {
			case "one_way":
				cfg.Source = endpointFromFlags(f.sourceType, f.sourcePath, f.sourceHost, f.sourceUser)
				cfg.Target = endpointFromFlags(f.targetType, f.targetPath, f.targetHost, f.targetUser)
			case "two_way":
				cfg.A = endpointFromFlags(f.aType, f.aPath, f.aHost, f.aUser)
				cfg.B = endpointFromFlags(f.bType, f.bPath, f.bHost, f.bUser)
			default:
				return fmt.Errorf("--mode must be one_way or two_way")
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			client := newAPIClient(cc)
			if err := client.createTask(cmd.Context(), cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "task %s registered\n", cfg.ID)

			return nil
		},
	}

	cmd.Flags().StringVar(&f.id, "id", "", "task id (required)")
	cmd.Flags().StringVar(&f.name, "name", "", "human-readable task name")
	cmd.Flags().StringVar(&f.mode, "mode", "", "one_way or two_way (required)")
	cmd.Flags().BoolVar(&f.enabled, "enabled", true, "task is eligible to run")
	cmd.Flags().BoolVar(&f.autoStart, "auto-start", false, "start automatically when the daemon boots")
	cmd.Flags().StringSliceVar(&f.excludePatterns, "exclude", nil, "glob patterns to exclude")

	cmd.Flags().StringVar(&f.sourceType, "source-type", "local", "one_way source endpoint type (local|remote)")
	cmd.Flags().StringVar(&f.sourcePath, "source-path", "", "one_way source path")
	cmd.Flags().StringVar(&f.sourceHost, "source-host", "", "one_way source SSH host")
	cmd.Flags().StringVar(&f.sourceUser, "source-user", "", "one_way source SSH username")

	cmd.Flags().StringVar(&f.targetType, "target-type", "local", "one_way target endpoint type (local|remote)")
	cmd.Flags().StringVar(&f.targetPath, "target-path", "", "one_way target path")
	cmd.Flags().StringVar(&f.targetHost, "target-host", "", "one_way target SSH host")
	cmd.Flags().StringVar(&f.targetUser, "target-user", "", "one_way target SSH username")

	cmd.Flags().StringVar(&f.aType, "a-type", "local", "two_way side A endpoint type (local|remote)")
	cmd.Flags().StringVar(&f.aPath, "a-path", "", "two_way side A path")
	cmd.Flags().StringVar(&f.aHost, "a-host", "", "two_way side A SSH host")
	cmd.Flags().StringVar(&f.aUser, "a-user", "", "two_way side A SSH username")

	cmd.Flags().StringVar(&f.bType, "b-type", "local", "two_way side B endpoint type (local|remote)")
	cmd.Flags().StringVar(&f.bPath, "b-path", "", "two_way side B path")
	cmd.Flags().StringVar(&f.bHost, "b-host", "", "two_way side B SSH host")
	cmd.Flags().StringVar(&f.bUser, "b-user", "", "two_way side B SSH username")

	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("mode")

	return cmd
}

func newTaskRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Stop and forget a sync task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := newAPIClient(cc).removeTask(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "task %s removed\n", args[0])

			return nil
		},
	}
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tasks and their current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			statuses, err := newAPIClient(cc).listTasks(cmd.Context())
			if err != nil {
				return err
			}

			return printStatuses(cmd, statuses)
		},
	}
}

func newTaskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a registered task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			return newAPIClient(cc).startTask(cmd.Context(), args[0])
		},
	}
}

func newTaskStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			return newAPIClient(cc).stopTask(cmd.Context(), args[0])
		},
	}
}

func newTaskRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id>",
		Short: "Restart a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			return newAPIClient(cc).restartTask(cmd.Context(), args[0])
		},
	}
}

func newTaskSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <id>",
		Short: "Force a full sync of a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			return newAPIClient(cc).syncTask(cmd.Context(), args[0])
		},
	}
}
