package pipeline

import (
	"context"

	"boldprep/internal/logging"
	"boldprep/pkg/config"
	"boldprep/pkg/motion"
	"boldprep/pkg/nifti"
	"boldprep/pkg/registration"
	"boldprep/pkg/resources"
	"boldprep/pkg/stc"
	"boldprep/pkg/transform"
	"boldprep/pkg/workflow"
)

// hmcWorkflow estimates one rigid transform per volume against the reference
// image with estimator and writes the transform set and the parameter table.
func hmcWorkflow(cfg *config.Config, est resources.Estimate, estimator motion.Estimator) *workflow.Workflow {
	w := workflow.New("bold_hmc_wf")
	w.DeclareInputs(port("bold_file", workflow.Series), port("ref_image", workflow.Volume))
	w.DeclareOutputs(port("xforms", workflow.TransformSet), port("movpar_file", workflow.Table))

	threads := cfg.Processing.Threads
	estimate := workflow.NewStage("motion_estimation", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		s, err := nifti.ReadSeries(in.Path("bold_file"))
		if err != nil {
			return nil, err
		}
		ref, err := nifti.ReadVolume(in.Path("ref_image"))
		if err != nil {
			return nil, err
		}
		res, err := estimator.Estimate(ctx, s, ref, motion.Options{
			Threads:      threads,
			Registration: registration.DefaultOptions(),
		})
		if err != nil {
			return nil, err
		}
		if err := res.Check(); err != nil {
			return nil, err
		}

		xforms, err := artifact(ctx, "xforms.yaml")
		if err != nil {
			return nil, err
		}
		movpar, err := artifact(ctx, "movpar.csv")
		if err != nil {
			return nil, err
		}
		if err := transform.WriteSet(xforms, res.Transforms); err != nil {
			return nil, err
		}
		if err := motion.WriteTable(movpar, res); err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Info("head motion estimated", "volumes", len(res.Transforms))
		return workflow.Values{"xforms": xforms, "movpar_file": movpar}, nil
	},
		workflow.WithInputs(port("bold_file", workflow.Series), port("ref_image", workflow.Volume)),
		workflow.WithOutputs(port("xforms", workflow.TransformSet), port("movpar_file", workflow.Table)),
		workflow.WithMemGB(resources.Budget(est.FileSizeGB)),
		workflow.WithThreads(threads),
	)

	w.Add(estimate)
	w.Connect("", "bold_file", "motion_estimation", "bold_file")
	w.Connect("", "ref_image", "motion_estimation", "ref_image")
	w.Connect("motion_estimation", "xforms", "", "xforms")
	w.Connect("motion_estimation", "movpar_file", "", "movpar_file")
	return w
}

// stcWorkflow shifts every slice of the steady-state volumes to the middle of
// the acquisition interval.
func stcWorkflow(order stc.Order) *workflow.Workflow {
	w := workflow.New("bold_stc_wf")
	w.DeclareInputs(port("bold_file", workflow.Series), port("skip_vols", workflow.Scalar))
	w.DeclareOutputs(port("stc_file", workflow.Series))

	correct := workflow.NewStage("slice_timing", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		s, err := nifti.ReadSeries(in.Path("bold_file"))
		if err != nil {
			return nil, err
		}
		corrected, err := stc.Correct(s, order, in.Int("skip_vols"))
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "stc.nii.gz")
		if err != nil {
			return nil, err
		}
		if err := nifti.WriteSeries(out, corrected); err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Debug("slice timing corrected", "order", string(order))
		return workflow.Values{"stc_file": out}, nil
	},
		workflow.WithInputs(port("bold_file", workflow.Series), port("skip_vols", workflow.Scalar)),
		workflow.WithOutputs(port("stc_file", workflow.Series)),
		workflow.WithMemGB(resources.MinMemGB),
	)

	w.Add(correct)
	w.Connect("", "bold_file", "slice_timing", "bold_file")
	w.Connect("", "skip_vols", "slice_timing", "skip_vols")
	w.Connect("slice_timing", "stc_file", "", "stc_file")
	return w
}
