// Package pipeline assembles the BOLD preprocessing workflow from
// configuration: reference extraction, bias correction, head motion
// estimation, optional slice timing correction, registration to the
// anatomical image, one-shot resampling, confound regression and quality
// control.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"boldprep/internal/logging"
	"boldprep/pkg/config"
	"boldprep/pkg/resources"
	"boldprep/pkg/stc"
	"boldprep/pkg/workflow"
)

// Name is the name of the root workflow
const Name = "main_wf"

// Port constructors
var (
	port    = workflow.In
	optPort = workflow.Opt
)

// Build constructs and validates the main workflow for cfg. The estimate
// annotates stages with memory hints. Invalid configuration is reported as a
// *workflow.ConfigurationError before any graph is built.
func Build(cfg *config.Config, est resources.Estimate, opts ...Option) (*workflow.Workflow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &workflow.ConfigurationError{Workflow: Name, Problems: strings.Split(err.Error(), "\n")}
	}
	order, err := stc.ParseOrder(cfg.Processing.SliceOrder)
	if err != nil {
		return nil, &workflow.ConfigurationError{Workflow: Name, Problems: []string{err.Error()}}
	}
	native := cfg.Resampling.Space == config.SpaceNative
	b := defaultBackends()
	for _, opt := range opts {
		opt(&b)
	}

	w := workflow.New(Name)
	w.DeclareInputs(
		port("bold_file", workflow.Series),
		port("anat_preproc", workflow.Volume),
		port("anat_mask", workflow.Volume),
		port("anat_labels", workflow.Volume),
		port("WM_mask", workflow.Volume),
		port("CSF_mask", workflow.Volume),
	)
	outputs := []workflow.Port{
		port("bold_file", workflow.Series),
		port("bold_ref", workflow.Volume),
		port("skip_vols", workflow.Scalar),
		port("hmc_xforms", workflow.TransformSet),
		port("hmc_movpar_file", workflow.Table),
		port("itk_bold_to_anat", workflow.Transform),
		port("itk_anat_to_bold", workflow.Transform),
		port("output_warped_bold", workflow.Volume),
		port("resampled_bold", workflow.Series),
		port("resampled_ref_bold", workflow.Volume),
		port("cleaned_bold", workflow.Series),
		port("EPI_labels", workflow.Volume),
		port("confounds_csv", workflow.Table),
		port("qc_report", workflow.Table),
	}
	if cfg.Flags.ApplyGSR {
		outputs = append(outputs, port("GSR_cleaned_bold", workflow.Series))
	}
	if cfg.Output.Snapshots {
		outputs = append(outputs, port("snapshot", workflow.List))
	}
	w.DeclareOutputs(outputs...)

	w.Add(
		referenceWorkflow(cfg),
		biasWorkflow(cfg.Flags.IterativeN4),
		hmcWorkflow(cfg, est, b.motion),
	)
	if cfg.Flags.ApplySTC {
		w.Add(stcWorkflow(order))
	}
	w.Add(
		workflow.Identity("boldbuffer", port("bold_file", workflow.Series)),
		registrationWorkflow(cfg.Flags.UseSyN),
		transformsStage(cfg.Resampling.Space),
		resamplingWorkflow(cfg, est),
		confoundsWorkflow(cfg, est, b.masks),
		qcStage(cfg.Flags.ApplyGSR),
	)
	if cfg.Output.Snapshots {
		w.Add(snapshotStage())
	}

	// Reference and bias correction
	w.Connect("", "bold_file", "bold_reference_wf", "bold_file")
	w.Connect("bold_reference_wf", "ref_image", "bias_cor_wf", "ref_EPI")
	w.Connect("", "anat_mask", "bias_cor_wf", "anat_mask")

	// Head motion
	w.Connect("bold_reference_wf", "ref_image", "bold_hmc_wf", "ref_image")
	w.Connect("bold_reference_wf", "bold_file", "bold_hmc_wf", "bold_file")

	// Slice timing feeds the buffer when enabled
	if cfg.Flags.ApplySTC {
		w.Connect("bold_reference_wf", "bold_file", "bold_stc_wf", "bold_file")
		w.Connect("bold_reference_wf", "skip_vols", "bold_stc_wf", "skip_vols")
		w.Connect("bold_stc_wf", "stc_file", "boldbuffer", "bold_file")
	} else {
		w.Connect("bold_reference_wf", "bold_file", "boldbuffer", "bold_file")
	}

	// Registration
	w.Connect("bias_cor_wf", "corrected_EPI", "bold_reg_wf", "ref_bold_brain")
	w.Connect("", "anat_preproc", "bold_reg_wf", "anat_preproc")
	w.Connect("", "anat_mask", "bold_reg_wf", "anat_mask")

	w.Connect("bold_reg_wf", "itk_bold_to_anat", "transforms", "itk_bold_to_anat")
	w.Connect("", "anat_preproc", "transforms", "anat_preproc")
	w.Connect("bold_reference_wf", "ref_image", "transforms", "ref_image")

	// One-shot resampling
	w.Connect("boldbuffer", "bold_file", "bold_bold_trans_wf", "bold_file")
	w.Connect("", "bold_file", "bold_bold_trans_wf", "name_source")
	w.Connect("bold_hmc_wf", "xforms", "bold_bold_trans_wf", "hmc_xforms")
	w.Connect("transforms", "transforms_list", "bold_bold_trans_wf", "transforms_list")
	w.Connect("transforms", "inverses", "bold_bold_trans_wf", "inverses")
	w.Connect("transforms", "ref_file", "bold_bold_trans_wf", "ref_file")

	// Confounds
	w.Connect("", "anat_mask", "bold_confs_wf", "t1_mask")
	w.Connect("", "anat_labels", "bold_confs_wf", "t1_labels")
	w.Connect("", "WM_mask", "bold_confs_wf", "WM_mask")
	w.Connect("", "CSF_mask", "bold_confs_wf", "CSF_mask")
	w.Connect("bold_bold_trans_wf", "bold", "bold_confs_wf", "bold")
	w.Connect("bold_bold_trans_wf", "bold_ref", "bold_confs_wf", "ref_bold")
	w.Connect("bold_hmc_wf", "movpar_file", "bold_confs_wf", "movpar_file")
	w.Connect("bold_reference_wf", "tr", "bold_confs_wf", "tr")
	if native {
		w.Connect("bold_reg_wf", "itk_bold_to_anat", "bold_confs_wf", "itk_bold_to_anat")
	}

	// Quality control
	w.Connect("bold_bold_trans_wf", "bold", "qc", "resampled_bold")
	w.Connect("bold_bold_trans_wf", "bold_ref", "qc", "resampled_ref")
	w.Connect("bold_confs_wf", "brain_mask", "qc", "brain_mask")
	w.Connect("bold_hmc_wf", "movpar_file", "qc", "movpar_file")
	w.Connect("bold_confs_wf", "cleaned_bold", "qc", "cleaned_bold")
	w.Connect("bold_reference_wf", "skip_vols", "qc", "skip_vols")
	if cfg.Flags.ApplyGSR {
		w.Connect("bold_confs_wf", "GSR_cleaned_bold", "qc", "GSR_cleaned_bold")
	}
	if cfg.Output.Snapshots {
		w.Connect("bold_bold_trans_wf", "bold_ref", "snapshot", "ref_image")
	}

	// Outputs
	w.Connect("", "bold_file", "", "bold_file")
	w.Connect("bold_reference_wf", "ref_image", "", "bold_ref")
	w.Connect("bold_reference_wf", "skip_vols", "", "skip_vols")
	w.Connect("bold_hmc_wf", "xforms", "", "hmc_xforms")
	w.Connect("bold_hmc_wf", "movpar_file", "", "hmc_movpar_file")
	w.Connect("bold_reg_wf", "itk_bold_to_anat", "", "itk_bold_to_anat")
	w.Connect("bold_reg_wf", "itk_anat_to_bold", "", "itk_anat_to_bold")
	w.Connect("bold_reg_wf", "output_warped_bold", "", "output_warped_bold")
	w.Connect("bold_bold_trans_wf", "bold", "", "resampled_bold")
	w.Connect("bold_bold_trans_wf", "bold_ref", "", "resampled_ref_bold")
	w.Connect("bold_confs_wf", "cleaned_bold", "", "cleaned_bold")
	w.Connect("bold_confs_wf", "EPI_labels", "", "EPI_labels")
	w.Connect("bold_confs_wf", "confounds_csv", "", "confounds_csv")
	w.Connect("qc", "qc_report", "", "qc_report")
	if cfg.Flags.ApplyGSR {
		w.Connect("bold_confs_wf", "GSR_cleaned_bold", "", "GSR_cleaned_bold")
	}
	if cfg.Output.Snapshots {
		w.Connect("snapshot", "snapshot", "", "snapshot")
	}

	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Inputs maps the configured template assets and the BOLD series onto the
// main workflow inputs. Unset templates are a *workflow.ConfigurationError.
func Inputs(cfg *config.Config, boldFile string) (workflow.Values, error) {
	problems := cfg.TemplateProblems()
	if boldFile == "" {
		problems = append(problems, "no BOLD series given")
	}
	if len(problems) > 0 {
		return nil, &workflow.ConfigurationError{Workflow: Name, Problems: problems}
	}
	return workflow.Values{
		"bold_file":    boldFile,
		"anat_preproc": cfg.Templates.Anat,
		"anat_mask":    cfg.Templates.Mask,
		"anat_labels":  cfg.Templates.Labels,
		"WM_mask":      cfg.Templates.WM,
		"CSF_mask":     cfg.Templates.CSF,
	}, nil
}

// Run estimates resources for boldFile, builds the workflow and executes it
// under cfg.Output.WorkDir. Extra options, such as an observer, are applied
// after the configured ones.
func Run(ctx context.Context, cfg *config.Config, boldFile string, opts ...workflow.RunOption) (workflow.Values, error) {
	est, err := resources.FromFile(boldFile)
	if err != nil {
		return nil, fmt.Errorf("estimate resources: %w", err)
	}
	w, err := Build(cfg, est)
	if err != nil {
		return nil, err
	}
	values, err := Inputs(cfg, boldFile)
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("starting pipeline",
		"bold_file", boldFile,
		"volumes", est.SeriesLength,
		"estimate", est.String(),
		"space", cfg.Resampling.Space)

	runOpts := append([]workflow.RunOption{
		workflow.WithWorkers(cfg.Processing.Workers),
		workflow.WithWorkDir(cfg.Output.WorkDir),
	}, opts...)
	return w.Execute(ctx, values, runOpts...)
}
