package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"boldprep/internal/journal"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded runs, or the stage events of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Journal.Path == "" {
				return fmt.Errorf("journal.path is not set")
			}
			ctx := cmd.Context()
			j, err := journal.Open(ctx, cfg.Journal.Path, logger)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				events, err := j.Events(ctx, args[0])
				if err != nil {
					return err
				}
				if len(events) == 0 {
					fmt.Fprintf(out, "No events recorded for run %s.\n", args[0])
					return nil
				}
				t := newTable(out, "STAGE", "STATUS", "ELAPSED", "ERROR")
				for _, e := range events {
					t.AppendRow([]any{e.Stage, e.Status, e.Elapsed, e.Error})
				}
				t.Render()
				return nil
			}

			runs, err := j.Runs(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			t := newTable(out, "ID", "STATE", "BOLD", "STARTED", "ERROR")
			for _, r := range runs {
				t.AppendRow([]any{r.ID, r.State, r.BoldFile, humanize.Time(r.StartedAt), r.Error})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")
	return cmd
}
