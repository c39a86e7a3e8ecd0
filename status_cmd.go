package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mirrorsync/mirrorsync/internal/task"
)

// newStatusCmd prints per-task status. With --id it reports a single task;
// otherwise it lists every task the daemon knows about. --json selects
// machine-readable output regardless of whether stdout is a terminal.
func newStatusCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print task status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			client := newAPIClient(cc)

			if taskID != "" {
				status, err := client.taskStatus(cmd.Context(), taskID)
				if err != nil {
					return err
				}

				return printStatuses(cmd, []task.Status{status})
			}

			statuses, err := client.listTasks(cmd.Context())
			if err != nil {
				return err
			}

			return printStatuses(cmd, statuses)
		},
	}

	cmd.Flags().StringVar(&taskID, "id", "", "report a single task by id")

	return cmd
}

// printStatuses renders statuses as JSON (when --json is set, or stdout
// isn't a terminal) or as an aligned table otherwise.
func printStatuses(cmd *cobra.Command, statuses []task.Status) error {
	if flagJSON || !isTerminal() {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(statuses)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tNAME\tMODE\tSTATE\tLAST ERROR")

	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.TaskID, s.Name, s.Mode, s.State, s.LastError)
	}

	return w.Flush()
}
