package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"boldprep/internal/logging"
	"boldprep/pkg/bias"
	"boldprep/pkg/config"
	"boldprep/pkg/masking"
	"boldprep/pkg/nifti"
	"boldprep/pkg/reference"
	"boldprep/pkg/resources"
	"boldprep/pkg/workflow"
)

// artifact returns the path of a file named name in the directory of the
// stage executing under ctx
func artifact(ctx context.Context, name string) (string, error) {
	dir, err := workflow.Dir(ctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// referenceWorkflow validates the series, resolves its sampling interval and
// extracts the reference image from the steady-state volumes.
func referenceWorkflow(cfg *config.Config) *workflow.Workflow {
	w := workflow.New("bold_reference_wf")
	w.DeclareInputs(port("bold_file", workflow.Series))
	w.DeclareOutputs(
		port("bold_file", workflow.Series),
		port("ref_image", workflow.Volume),
		port("skip_vols", workflow.Scalar),
		port("tr", workflow.Scalar),
	)

	validate := workflow.NewStage("validate", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		v, err := reference.Validate(in.Path("bold_file"), cfg.Processing.TR)
		if err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Info("validated series", "volumes", v.Info.Frames, "tr", v.TR)
		return workflow.Values{"bold_file": in.Path("bold_file"), "tr": v.TR}, nil
	},
		workflow.WithInputs(port("bold_file", workflow.Series)),
		workflow.WithOutputs(port("bold_file", workflow.Series), port("tr", workflow.Scalar)),
		workflow.WithMemGB(resources.MinMemGB),
	)

	genRef := workflow.NewStage("gen_ref", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		s, err := nifti.ReadSeries(in.Path("bold_file"))
		if err != nil {
			return nil, err
		}
		skip := reference.NonSteadyState(s)
		ref, err := reference.Reference(s, skip)
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "ref_image.nii.gz")
		if err != nil {
			return nil, err
		}
		if err := nifti.WriteVolume(out, ref); err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Info("reference extracted", "skip_vols", skip)
		return workflow.Values{"ref_image": out, "skip_vols": skip}, nil
	},
		workflow.WithInputs(port("bold_file", workflow.Series)),
		workflow.WithOutputs(port("ref_image", workflow.Volume), port("skip_vols", workflow.Scalar)),
		workflow.WithMemGB(resources.MinMemGB),
	)

	w.Add(validate, genRef)
	w.Connect("", "bold_file", "validate", "bold_file")
	w.Connect("validate", "bold_file", "gen_ref", "bold_file")
	w.Connect("validate", "bold_file", "", "bold_file")
	w.Connect("validate", "tr", "", "tr")
	w.Connect("gen_ref", "ref_image", "", "ref_image")
	w.Connect("gen_ref", "skip_vols", "", "skip_vols")
	return w
}

// biasWorkflow corrects intensity inhomogeneity of the reference image, with
// an optional second pass.
func biasWorkflow(iterative bool) *workflow.Workflow {
	w := workflow.New("bias_cor_wf")
	w.DeclareInputs(port("ref_EPI", workflow.Volume), port("anat_mask", workflow.Volume))
	w.DeclareOutputs(port("corrected_EPI", workflow.Volume))

	w.Add(biasStage("bias_field", "ref_EPI"))
	w.Connect("", "ref_EPI", "bias_field", "ref_EPI")
	w.Connect("", "anat_mask", "bias_field", "anat_mask")

	last := "bias_field"
	if iterative {
		w.Add(biasStage("bias_field_iter", "corrected_EPI"))
		w.Connect("bias_field", "corrected_EPI", "bias_field_iter", "corrected_EPI")
		w.Connect("", "anat_mask", "bias_field_iter", "anat_mask")
		last = "bias_field_iter"
	}
	w.Connect(last, "corrected_EPI", "", "corrected_EPI")
	return w
}

// biasStage corrects the image bound to input. The anatomical mask, aligned
// to the image grid by world coordinates, selects the foreground when it
// overlaps the image; otherwise an intensity threshold does.
func biasStage(name, input string) *workflow.Stage {
	return workflow.NewStage(name, func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		img, err := nifti.ReadVolume(in.Path(input))
		if err != nil {
			return nil, err
		}
		anatMask, err := nifti.ReadVolume(in.Path("anat_mask"))
		if err != nil {
			return nil, err
		}
		mask, err := masking.Transform(anatMask, img.Grid, nil)
		if err != nil {
			return nil, err
		}
		if mask.Count() == 0 {
			logging.FromContext(ctx).Warn("anatomical mask does not overlap the image, thresholding instead")
			mask = nil
		}

		res, err := bias.Correct(img, mask, bias.Options{})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in.Path(input), err)
		}
		out, err := artifact(ctx, "corrected.nii.gz")
		if err != nil {
			return nil, err
		}
		field, err := artifact(ctx, "field.nii.gz")
		if err != nil {
			return nil, err
		}
		if err := nifti.WriteVolume(field, res.Field); err != nil {
			return nil, err
		}
		if err := nifti.WriteVolume(out, res.Corrected); err != nil {
			return nil, err
		}
		return workflow.Values{"corrected_EPI": out}, nil
	},
		workflow.WithInputs(port(input, workflow.Volume), port("anat_mask", workflow.Volume)),
		workflow.WithOutputs(port("corrected_EPI", workflow.Volume)),
		workflow.WithMemGB(resources.MinMemGB),
	)
}
