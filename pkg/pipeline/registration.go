package pipeline

import (
	"context"

	"boldprep/internal/logging"
	"boldprep/pkg/config"
	"boldprep/pkg/interpolation"
	"boldprep/pkg/nifti"
	"boldprep/pkg/registration"
	"boldprep/pkg/resources"
	"boldprep/pkg/transform"
	"boldprep/pkg/workflow"
)

// registrationWorkflow aligns the bias-corrected EPI reference to the
// anatomical image. The forward transform maps anatomical points to EPI
// points; with distortion correction enabled it is refined along the
// phase-encoding axis before anything downstream consumes it.
func registrationWorkflow(useSyN bool) *workflow.Workflow {
	w := workflow.New("bold_reg_wf")
	w.DeclareInputs(
		port("ref_bold_brain", workflow.Volume),
		port("anat_preproc", workflow.Volume),
		port("anat_mask", workflow.Volume),
	)
	w.DeclareOutputs(
		port("itk_bold_to_anat", workflow.Transform),
		port("itk_anat_to_bold", workflow.Transform),
		port("output_warped_bold", workflow.Volume),
	)

	coreg := workflow.NewStage("EPI_coreg", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		epi, err := nifti.ReadVolume(in.Path("ref_bold_brain"))
		if err != nil {
			return nil, err
		}
		anat, err := nifti.ReadVolume(in.Path("anat_preproc"))
		if err != nil {
			return nil, err
		}
		res, err := registration.Align(anat, epi, registration.NCC, registration.DefaultOptions())
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "bold_to_anat.yaml")
		if err != nil {
			return nil, err
		}
		if err := transform.WriteAffine(out, res.Affine); err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Info("EPI coregistered", "cost", res.Cost, "params", res.Params)
		return workflow.Values{"itk_bold_to_anat": out}, nil
	},
		workflow.WithInputs(port("ref_bold_brain", workflow.Volume), port("anat_preproc", workflow.Volume)),
		workflow.WithOutputs(port("itk_bold_to_anat", workflow.Transform)),
		workflow.WithMemGB(resources.MinMemGB),
	)

	invert := workflow.NewStage("invert_xfm", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		xfm, err := transform.ReadAffine(in.Path("itk_bold_to_anat"))
		if err != nil {
			return nil, err
		}
		inv, err := xfm.Inverse()
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "anat_to_bold.yaml")
		if err != nil {
			return nil, err
		}
		if err := transform.WriteAffine(out, inv); err != nil {
			return nil, err
		}
		return workflow.Values{"itk_anat_to_bold": out}, nil
	},
		workflow.WithInputs(port("itk_bold_to_anat", workflow.Transform)),
		workflow.WithOutputs(port("itk_anat_to_bold", workflow.Transform)),
		workflow.WithMemGB(resources.MinMemGB),
	)

	warp := workflow.NewStage("warp_ref", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		epi, err := nifti.ReadVolume(in.Path("ref_bold_brain"))
		if err != nil {
			return nil, err
		}
		anat, err := nifti.ReadVolume(in.Path("anat_preproc"))
		if err != nil {
			return nil, err
		}
		xfm, err := transform.ReadAffine(in.Path("itk_bold_to_anat"))
		if err != nil {
			return nil, err
		}
		warped, err := interpolation.Resample(epi, anat.Grid, xfm, interpolation.Trilinear)
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "ref_bold_anat.nii.gz")
		if err != nil {
			return nil, err
		}
		if err := nifti.WriteVolume(out, warped); err != nil {
			return nil, err
		}
		return workflow.Values{"output_warped_bold": out}, nil
	},
		workflow.WithInputs(
			port("ref_bold_brain", workflow.Volume),
			port("anat_preproc", workflow.Volume),
			port("itk_bold_to_anat", workflow.Transform),
		),
		workflow.WithOutputs(port("output_warped_bold", workflow.Volume)),
		workflow.WithMemGB(resources.MinMemGB),
	)

	w.Add(coreg)
	w.Connect("", "ref_bold_brain", "EPI_coreg", "ref_bold_brain")
	w.Connect("", "anat_preproc", "EPI_coreg", "anat_preproc")

	forward := "EPI_coreg"
	if useSyN {
		w.Add(distortionStage())
		w.Connect("", "ref_bold_brain", "SyN_SDC", "ref_bold_brain")
		w.Connect("", "anat_mask", "SyN_SDC", "anat_mask")
		w.Connect("EPI_coreg", "itk_bold_to_anat", "SyN_SDC", "itk_bold_to_anat")
		forward = "SyN_SDC"
	}

	w.Add(invert, warp)
	w.Connect(forward, "itk_bold_to_anat", "invert_xfm", "itk_bold_to_anat")
	w.Connect("", "ref_bold_brain", "warp_ref", "ref_bold_brain")
	w.Connect("", "anat_preproc", "warp_ref", "anat_preproc")
	w.Connect(forward, "itk_bold_to_anat", "warp_ref", "itk_bold_to_anat")

	w.Connect(forward, "itk_bold_to_anat", "", "itk_bold_to_anat")
	w.Connect("invert_xfm", "itk_anat_to_bold", "", "itk_anat_to_bold")
	w.Connect("warp_ref", "output_warped_bold", "", "output_warped_bold")
	return w
}

func distortionStage() *workflow.Stage {
	return workflow.NewStage("SyN_SDC", func(ctx context.Context, in workflow.Values) (workflow.Values, error) {
		epi, err := nifti.ReadVolume(in.Path("ref_bold_brain"))
		if err != nil {
			return nil, err
		}
		mask, err := nifti.ReadVolume(in.Path("anat_mask"))
		if err != nil {
			return nil, err
		}
		xfm, err := transform.ReadAffine(in.Path("itk_bold_to_anat"))
		if err != nil {
			return nil, err
		}
		corrected, err := registration.CorrectDistortion(epi, mask, xfm, registration.PhaseEncodingAxis)
		if err != nil {
			return nil, err
		}
		out, err := artifact(ctx, "bold_to_anat_sdc.yaml")
		if err != nil {
			return nil, err
		}
		if err := transform.WriteAffine(out, corrected); err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Debug("distortion correction applied", "axis", registration.PhaseEncodingAxis)
		return workflow.Values{"itk_bold_to_anat": out}, nil
	},
		workflow.WithInputs(
			port("ref_bold_brain", workflow.Volume),
			port("anat_mask", workflow.Volume),
			port("itk_bold_to_anat", workflow.Transform),
		),
		workflow.WithOutputs(port("itk_bold_to_anat", workflow.Transform)),
		workflow.WithMemGB(resources.MinMemGB),
	)
}

// transformsStage selects the shared transform chain and the output grid of
// the one-shot resampling. Native space keeps the EPI reference grid and no
// shared transform; anatomical space pulls through the coregistration onto
// the anatomical grid.
func transformsStage(space string) *workflow.Stage {
	return workflow.NewStage("transforms", func(_ context.Context, in workflow.Values) (workflow.Values, error) {
		if space == config.SpaceAnat {
			return workflow.Values{
				"transforms_list": []string{in.Path("itk_bold_to_anat")},
				"inverses":        []bool{false},
				"ref_file":        in.Path("anat_preproc"),
			}, nil
		}
		return workflow.Values{
			"transforms_list": []string{},
			"inverses":        []bool{},
			"ref_file":        in.Path("ref_image"),
		}, nil
	},
		workflow.WithInputs(
			port("itk_bold_to_anat", workflow.Transform),
			port("anat_preproc", workflow.Volume),
			port("ref_image", workflow.Volume),
		),
		workflow.WithOutputs(
			port("transforms_list", workflow.TransformList),
			port("inverses", workflow.List),
			port("ref_file", workflow.Volume),
		),
		workflow.WithMemGB(resources.MinMemGB),
	)
}
