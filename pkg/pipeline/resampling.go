package pipeline

import (
	"context"
	"fmt"

	"boldprep/internal/logging"
	"boldprep/internal/models"
	"boldprep/pkg/config"
	"boldprep/pkg/nifti"
	"boldprep/pkg/resample"
	"boldprep/pkg/resources"
	"boldprep/pkg/transform"
	"boldprep/pkg/workflow"
)

// resamplingWorkflow applies head motion and the shared chain to every volume
// in a single interpolation, merges the volumes back into a series carrying
// the header of the original input and computes its mean reference.
func resamplingWorkflow(cfg *config.Config, est resources.Estimate) *workflow.Workflow {
	w := workflow.New("bold_bold_trans_wf")
	w.DeclareInputs(
		port("name_source", workflow.Series),
		port("bold_file", workflow.Series),
		port("hmc_xforms", workflow.TransformSet),
		port("transforms_list", workflow.TransformList),
		port("inverses", workflow.List),
		port("ref_file", workflow.Volume),
	)
	w.DeclareOutputs(port("bold", workflow.Series), port("bold_ref", workflow.Volume))

	threads := cfg.Processing.Threads
	apply := workflow.NewStage("bold_transform", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		s, err := nifti.ReadSeries(in.Path("bold_file"))
		if err != nil {
			return nil, err
		}
		xforms, err := transform.ReadSet(in.Path("hmc_xforms"))
		if err != nil {
			return nil, err
		}
		chain, err := transform.LoadChain(in.Strings("transforms_list"), in.Bools("inverses"))
		if err != nil {
			return nil, &resample.TransformError{Artifact: "transform chain", Volume: -1, Reason: err.Error()}
		}
		ref, err := nifti.Probe(in.Path("ref_file"))
		if err != nil {
			return nil, err
		}

		vols, err := resample.ApplyPerVolume(ctx, resample.Request{
			Series:    s,
			Motion:    xforms,
			Chain:     chain,
			Reference: ref.Grid,
			Threads:   threads,
		})
		if err != nil {
			return nil, err
		}
		files, err := writeVolumes(ctx, vols)
		if err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Debug("volumes resampled", "volumes", len(files), "chain", len(chain))
		return workflow.Values{"out_files": files}, nil
	},
		workflow.WithInputs(
			port("bold_file", workflow.Series),
			port("hmc_xforms", workflow.TransformSet),
			port("transforms_list", workflow.TransformList),
			port("inverses", workflow.List),
			port("ref_file", workflow.Volume),
		),
		workflow.WithOutputs(port("out_files", workflow.List)),
		workflow.WithMemGB(est.ResampledGB),
		workflow.WithThreads(threads),
	)

	merge := workflow.NewStage("merge", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		source, err := nifti.Probe(in.Path("header_source"))
		if err != nil {
			return nil, err
		}
		files := in.Strings("in_files")
		vols := make([]*models.Volume, len(files))
		for i, f := range files {
			if vols[i], err = nifti.ReadVolume(f); err != nil {
				return nil, &resample.TransformError{Artifact: "merge", Volume: i, Reason: err.Error()}
			}
		}
		s, err := resample.Merge(vols, source)
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "bold.nii.gz")
		if err != nil {
			return nil, err
		}
		if err := nifti.WriteSeries(out, s); err != nil {
			return nil, err
		}
		return workflow.Values{"out_file": out}, nil
	},
		workflow.WithInputs(port("in_files", workflow.List), port("header_source", workflow.Series)),
		workflow.WithOutputs(port("out_file", workflow.Series)),
		workflow.WithMemGB(est.ResampledGB),
	)

	genRef := workflow.NewStage("gen_ref", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		s, err := nifti.ReadSeries(in.Path("bold"))
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "bold_ref.nii.gz")
		if err != nil {
			return nil, err
		}
		if err := nifti.WriteVolume(out, resample.MeanReference(s)); err != nil {
			return nil, err
		}
		return workflow.Values{"ref_image": out}, nil
	},
		workflow.WithInputs(port("bold", workflow.Series)),
		workflow.WithOutputs(port("ref_image", workflow.Volume)),
		workflow.WithMemGB(resources.Budget(est.FileSizeGB)),
	)

	w.Add(apply, merge, genRef)
	w.Connect("", "bold_file", "bold_transform", "bold_file")
	w.Connect("", "hmc_xforms", "bold_transform", "hmc_xforms")
	w.Connect("", "transforms_list", "bold_transform", "transforms_list")
	w.Connect("", "inverses", "bold_transform", "inverses")
	w.Connect("", "ref_file", "bold_transform", "ref_file")
	w.Connect("bold_transform", "out_files", "merge", "in_files")
	w.Connect("", "name_source", "merge", "header_source")
	w.Connect("merge", "out_file", "gen_ref", "bold")
	w.Connect("merge", "out_file", "", "bold")
	w.Connect("gen_ref", "ref_image", "", "bold_ref")
	return w
}

// writeVolumes stores each resampled volume as its own file in the stage
// directory, in temporal order.
func writeVolumes(ctx context.Context, vols []*models.Volume) ([]string, error) {
	files := make([]string, len(vols))
	for t, v := range vols {
		path, err := artifact(ctx, fmt.Sprintf("vol_%04d.nii.gz", t))
		if err != nil {
			return nil, err
		}
		if err := nifti.WriteVolume(path, v); err != nil {
			return nil, &resample.TransformError{Artifact: "series", Volume: t, Reason: err.Error()}
		}
		files[t] = path
	}
	return files, nil
}
