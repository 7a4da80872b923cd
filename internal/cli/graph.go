package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"boldprep/pkg/pipeline"
	"boldprep/pkg/resources"
)

func newGraphCmd() *cobra.Command {
	var boldFile string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the stages the configuration would run",
		Long: "graph builds and validates the workflow for the current configuration and lists its " +
			"atomic stages in execution order. With --bold the memory hints are derived from that series.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			est := resources.FromSize(0, 0)
			if boldFile != "" {
				var err error
				if est, err = resources.FromFile(boldFile); err != nil {
					return err
				}
			}
			w, err := pipeline.Build(cfg, est)
			if err != nil {
				return err
			}
			plan, err := w.Plan()
			if err != nil {
				return err
			}

			t := newTable(cmd.OutOrStdout(), "#", "STAGE", "MEMORY", "THREADS")
			alignRight(t, 1, 3, 4)
			for i, e := range plan {
				t.AppendRow([]any{i + 1, e.Path, humanize.IBytes(uint64(e.MemGB * (1 << 30))), e.Threads})
			}
			t.AppendFooter([]any{"", fmt.Sprintf("%d stages", len(plan)), "", ""})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&boldFile, "bold", "", "Series to derive memory hints from")
	return cmd
}
