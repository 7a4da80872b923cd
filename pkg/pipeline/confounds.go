package pipeline

import (
	"context"

	"boldprep/internal/logging"
	"boldprep/pkg/config"
	"boldprep/pkg/confounds"
	"boldprep/pkg/masking"
	"boldprep/pkg/nifti"
	"boldprep/pkg/resources"
	"boldprep/pkg/transform"
	"boldprep/pkg/workflow"
)

// confoundsWorkflow brings the anatomical masks and labels onto the resampled
// series grid, skull-strips the series and regresses the confounds out of it,
// once without and optionally once with the global signal.
func confoundsWorkflow(cfg *config.Config, est resources.Estimate, resampler masking.Resampler) *workflow.Workflow {
	native := cfg.Resampling.Space == config.SpaceNative

	w := workflow.New("bold_confs_wf")
	w.DeclareInputs(
		port("bold", workflow.Series),
		port("ref_bold", workflow.Volume),
		port("movpar_file", workflow.Table),
		port("t1_mask", workflow.Volume),
		port("t1_labels", workflow.Volume),
		port("WM_mask", workflow.Volume),
		port("CSF_mask", workflow.Volume),
		port("tr", workflow.Scalar),
		optPort("itk_bold_to_anat", workflow.Transform),
	)
	outputs := []workflow.Port{
		port("cleaned_bold", workflow.Series),
		port("EPI_labels", workflow.Volume),
		port("confounds_csv", workflow.Table),
		port("brain_mask", workflow.Volume),
	}
	if cfg.Flags.ApplyGSR {
		outputs = append(outputs, port("GSR_cleaned_bold", workflow.Series))
	}
	w.DeclareOutputs(outputs...)

	masks := []struct{ stage, input string }{
		{"WM_mask_EPI", "WM_mask"},
		{"CSF_mask_EPI", "CSF_mask"},
		{"Brain_mask_EPI", "t1_mask"},
		{"prop_labels_EPI", "t1_labels"},
	}
	for _, m := range masks {
		w.Add(maskStage(m.stage, resampler))
		w.Connect("", m.input, m.stage, "mask")
		w.Connect("", "ref_bold", m.stage, "ref_EPI")
		if native {
			w.Connect("", "itk_bold_to_anat", m.stage, "transform")
			w.Set(m.stage, "inverse", true)
		}
	}

	opts := confounds.Options{
		HighPass: cfg.Confounds.HighPass,
		FWHM:     cfg.Confounds.SmoothingFWHM,
		Threads:  cfg.Processing.Threads,
	}
	w.Add(
		skullstripStage(est),
		regressionStage("confound_regression", opts, est, false),
	)
	w.Connect("", "bold", "skullstrip", "bold")
	w.Connect("Brain_mask_EPI", "EPI_mask", "skullstrip", "brain_mask")

	w.Connect("skullstrip", "skullstripped", "confound_regression", "bold")
	w.Connect("Brain_mask_EPI", "EPI_mask", "confound_regression", "brain_mask")
	w.Connect("WM_mask_EPI", "EPI_mask", "confound_regression", "WM_mask")
	w.Connect("CSF_mask_EPI", "EPI_mask", "confound_regression", "CSF_mask")
	w.Connect("", "movpar_file", "confound_regression", "movpar_file")
	w.Connect("", "tr", "confound_regression", "tr")

	if cfg.Flags.ApplyGSR {
		gsr := opts
		gsr.GSR = true
		w.Add(regressionStage("GSR_confound_regression", gsr, est, true))
		w.Connect("skullstrip", "skullstripped", "GSR_confound_regression", "bold")
		w.Connect("Brain_mask_EPI", "EPI_mask", "GSR_confound_regression", "brain_mask")
		w.Connect("confound_regression", "confounds_csv", "GSR_confound_regression", "confounds_csv")
		w.Connect("", "tr", "GSR_confound_regression", "tr")
		w.Connect("GSR_confound_regression", "cleaned_bold", "", "GSR_cleaned_bold")
	}

	w.Connect("confound_regression", "cleaned_bold", "", "cleaned_bold")
	w.Connect("confound_regression", "confounds_csv", "", "confounds_csv")
	w.Connect("prop_labels_EPI", "EPI_mask", "", "EPI_labels")
	w.Connect("Brain_mask_EPI", "EPI_mask", "", "brain_mask")
	return w
}

// maskStage moves an anatomical mask or label volume onto the EPI grid with r.
// The optional transform is inverted when the inverse flag is set.
func maskStage(name string, r masking.Resampler) *workflow.Stage {
	return workflow.NewStage(name, func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		var chain transform.Chain
		if in.Has("transform") {
			xfm, err := transform.ReadAffine(in.Path("transform"))
			if err != nil {
				return nil, err
			}
			chain = transform.Chain{{Affine: xfm, Inverse: in.Bool("inverse")}}
		}
		out, err := artifact(ctx, "EPI_mask.nii.gz")
		if err != nil {
			return nil, err
		}
		if err := masking.TransformFile(r, in.Path("mask"), in.Path("ref_EPI"), chain, out); err != nil {
			return nil, err
		}
		return workflow.Values{"EPI_mask": out}, nil
	},
		workflow.WithInputs(
			port("mask", workflow.Volume),
			port("ref_EPI", workflow.Volume),
			optPort("transform", workflow.Transform),
			optPort("inverse", workflow.Flag),
		),
		workflow.WithOutputs(port("EPI_mask", workflow.Volume)),
		workflow.WithMemGB(resources.MinMemGB),
	)
}

func skullstripStage(est resources.Estimate) *workflow.Stage {
	return workflow.NewStage("skullstrip", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		s, err := nifti.ReadSeries(in.Path("bold"))
		if err != nil {
			return nil, err
		}
		mask, err := nifti.ReadVolume(in.Path("brain_mask"))
		if err != nil {
			return nil, err
		}
		stripped, err := confounds.Skullstrip(s, mask)
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "bold_brain.nii.gz")
		if err != nil {
			return nil, err
		}
		if err := nifti.WriteSeries(out, stripped); err != nil {
			return nil, err
		}
		return workflow.Values{"skullstripped": out}, nil
	},
		workflow.WithInputs(port("bold", workflow.Series), port("brain_mask", workflow.Volume)),
		workflow.WithOutputs(port("skullstripped", workflow.Series)),
		workflow.WithMemGB(resources.Budget(est.FileSizeGB)),
	)
}

// regressionStage cleans the skull-stripped series. With reuse set the stage
// reads the confound table built by an earlier regression instead of the
// masks and the motion table.
func regressionStage(name string, opts confounds.Options, est resources.Estimate, reuse bool) *workflow.Stage {
	inputs := []workflow.Port{
		port("bold", workflow.Series),
		port("brain_mask", workflow.Volume),
		port("tr", workflow.Scalar),
	}
	outputs := []workflow.Port{port("cleaned_bold", workflow.Series)}
	if reuse {
		inputs = append(inputs, port("confounds_csv", workflow.Table))
	} else {
		inputs = append(inputs,
			port("movpar_file", workflow.Table),
			port("WM_mask", workflow.Volume),
			port("CSF_mask", workflow.Volume),
		)
		outputs = append(outputs, port("confounds_csv", workflow.Table))
	}

	return workflow.NewStage(name, func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		table, err := artifact(ctx, "confounds.csv")
		if err != nil {
			return nil, err
		}
		cleaned, err := artifact(ctx, "cleaned_bold.nii.gz")
		if err != nil {
			return nil, err
		}
		run := opts
		run.TR = in.Float("tr")
		res, err := confounds.Run(ctx, confounds.Inputs{
			SeriesPath: in.Path("bold"),
			BrainPath:  in.Path("brain_mask"),
			TablePath:  in.Path("confounds_csv"),
			MovparPath: in.Path("movpar_file"),
			WMPath:     in.Path("WM_mask"),
			CSFPath:    in.Path("CSF_mask"),
		}, run, table, cleaned)
		if err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Info("series cleaned", "gsr", run.GSR, "tr", run.TR)

		out := workflow.Values{"cleaned_bold": res.CleanedPath}
		if !reuse {
			out["confounds_csv"] = res.TablePath
		}
		return out, nil
	},
		workflow.WithInputs(inputs...),
		workflow.WithOutputs(outputs...),
		workflow.WithMemGB(est.LargeMemGB),
		workflow.WithThreads(opts.Threads),
	)
}
