package cli

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"boldprep/pkg/resources"
)

func newEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <bold.nii.gz>",
		Short: "Print the memory budgets derived from a series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			est, err := resources.FromFile(args[0])
			if err != nil {
				return err
			}
			logger.Debug("estimated resources", "bold_file", args[0], "estimate", est.String())

			gb := func(v float64) string { return humanize.IBytes(uint64(v * (1 << 30))) }
			t := newTable(cmd.OutOrStdout(), "BUDGET", "SIZE")
			alignRight(t, 2)
			t.AppendRow([]any{"volumes", humanize.Comma(int64(est.SeriesLength))})
			t.AppendRow([]any{"file", gb(est.FileSizeGB)})
			t.AppendRow([]any{"resampled", gb(est.ResampledGB)})
			t.AppendRow([]any{"large memory", gb(est.LargeMemGB)})
			t.Render()
			return nil
		},
	}
}
