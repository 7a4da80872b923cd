package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"boldprep/internal/journal"
	"boldprep/internal/logging"
	"boldprep/pkg/pipeline"
	"boldprep/pkg/workflow"
)

func newRunCmd() *cobra.Command {
	var (
		workDir   string
		space     string
		tr        float64
		gsr       bool
		snapshots bool
	)
	cmd := &cobra.Command{
		Use:   "run <bold.nii.gz>",
		Short: "Preprocess one BOLD series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("work-dir") {
				cfg.Output.WorkDir = workDir
			}
			if flags.Changed("space") {
				cfg.Resampling.Space = space
			}
			if flags.Changed("tr") {
				cfg.Processing.TR = tr
			}
			if flags.Changed("gsr") {
				cfg.Flags.ApplyGSR = gsr
			}
			if flags.Changed("snapshots") {
				cfg.Output.Snapshots = snapshots
			}

			boldFile, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx = logging.WithLogger(ctx, logger)

			var opts []workflow.RunOption
			var j *journal.Journal
			var runID string
			if cfg.Journal.Path != "" {
				j, err = journal.Open(ctx, cfg.Journal.Path, logger)
				if err != nil {
					return err
				}
				defer j.Close()
				runID, err = j.StartRun(ctx, pipeline.Name, boldFile, cfg.Output.WorkDir)
				if err != nil {
					return err
				}
				opts = append(opts, workflow.WithObserver(j), workflow.WithRunID(runID))
				logger.Info("run recorded", "run_id", runID, "journal", cfg.Journal.Path)
			}

			out, runErr := pipeline.Run(ctx, cfg, boldFile, opts...)
			if j != nil {
				// The run context may be cancelled; the final state is still recorded
				if err := j.FinishRun(context.WithoutCancel(ctx), runID, runErr); err != nil {
					logger.Warn("could not finish journal run", "run_id", runID, "error", err)
				}
			}
			if runErr != nil {
				return runErr
			}
			printOutputs(cmd, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&workDir, "work-dir", "", "Override output.workDir")
	cmd.Flags().StringVar(&space, "space", "", "Override resampling.space (native, anat)")
	cmd.Flags().Float64Var(&tr, "tr", 0, "Override processing.tr in seconds")
	cmd.Flags().BoolVar(&gsr, "gsr", false, "Override flags.applyGSR")
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "Override output.snapshots")
	return cmd
}

func printOutputs(cmd *cobra.Command, out workflow.Values) {
	names := make([]string, 0, len(out))
	for name := range out {
		names = append(names, name)
	}
	sort.Strings(names)

	t := newTable(cmd.OutOrStdout(), "OUTPUT", "VALUE")
	for _, name := range names {
		t.AppendRow([]any{name, fmt.Sprint(out[name])})
	}
	t.Render()
}
