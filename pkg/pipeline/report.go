package pipeline

import (
	"context"

	"boldprep/internal/logging"
	"boldprep/pkg/nifti"
	"boldprep/pkg/qc"
	"boldprep/pkg/resources"
	"boldprep/pkg/visualization"
	"boldprep/pkg/workflow"
)

// qcStage summarises the run: temporal SNR, framewise displacement, variance
// removed by each cleaning and brain mask overlap.
func qcStage(gsr bool) *workflow.Stage {
	inputs := []workflow.Port{
		port("resampled_bold", workflow.Series),
		port("resampled_ref", workflow.Volume),
		port("brain_mask", workflow.Volume),
		port("movpar_file", workflow.Table),
		port("cleaned_bold", workflow.Series),
		port("skip_vols", workflow.Scalar),
		optPort("GSR_cleaned_bold", workflow.Series),
	}
	return workflow.NewStage("qc", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		report, err := qc.Generate(qc.Inputs{
			ResampledPath:  in.Path("resampled_bold"),
			ReferencePath:  in.Path("resampled_ref"),
			BrainMaskPath:  in.Path("brain_mask"),
			MovparPath:     in.Path("movpar_file"),
			CleanedPath:    in.Path("cleaned_bold"),
			GSRCleanedPath: in.Path("GSR_cleaned_bold"),
			SkipVolumes:    in.Int("skip_vols"),
		})
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "qc.yaml")
		if err != nil {
			return nil, err
		}
		if err := qc.WriteReport(out, report); err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Info("quality report written",
			"tsnr", report.TSNR,
			"mean_fd_mm", report.MeanFD,
			"variance_removed", report.VarianceRemoved,
			"gsr", gsr)
		return workflow.Values{"qc_report": out}, nil
	},
		workflow.WithInputs(inputs...),
		workflow.WithOutputs(port("qc_report", workflow.Table)),
		workflow.WithMemGB(resources.MinMemGB),
	)
}

// snapshotStage renders the three orthogonal mid-slices of the resampled
// reference.
func snapshotStage() *workflow.Stage {
	return workflow.NewStage("snapshot", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		ref, err := nifti.ReadVolume(in.Path("ref_image"))
		if err != nil {
			return nil, err
		}
		dir, err := workflow.Dir(ctx)
		if err != nil {
			return nil, err
		}
		paths, err := visualization.Snapshot(ref, dir, "bold_ref")
		if err != nil {
			return nil, err
		}
		return workflow.Values{"snapshot": paths}, nil
	},
		workflow.WithInputs(port("ref_image", workflow.Volume)),
		workflow.WithOutputs(port("snapshot", workflow.List)),
		workflow.WithMemGB(resources.MinMemGB),
	)
}
