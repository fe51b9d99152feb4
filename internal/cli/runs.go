package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/redloop-ai/redloop/internal/config"
	"github.com/redloop-ai/redloop/internal/console"
	"github.com/redloop-ai/redloop/internal/runlog"
)

func newRunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs, or show one run round by round",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := runlog.Open(cfg.RunsDBPath())
			if err != nil {
				return err
			}
			defer store.Close()

			cons := console.New(cmd.OutOrStdout())
			if len(args) == 1 {
				return showRun(cmd, store, cons, args[0])
			}

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}
			cons.RunsTable(runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")

	return cmd
}

func showRun(cmd *cobra.Command, store *runlog.Store, cons *console.Console, id string) error {
	run, err := store.Run(cmd.Context(), id)
	if err != nil {
		return err
	}
	records, err := store.Records(cmd.Context(), id)
	if err != nil {
		return err
	}

	cons.RunsTable([]runlog.Run{*run})
	if len(records) > 0 {
		fmt.Fprintln(cmd.OutOrStdout())
		cons.RoundsTable(records)
	}
	if strings.TrimSpace(run.State) != "" {
		fmt.Fprintln(cmd.OutOrStdout())
		cons.StateUpdated(run.State)
	}
	return nil
}
