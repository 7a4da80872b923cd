package qc

import (
	"fmt"

	"boldprep/pkg/bias"
	"boldprep/pkg/confounds"
	"boldprep/pkg/nifti"
)

// Inputs names the artifacts a report is computed from
type Inputs struct {
	ResampledPath string
	ReferencePath string
	BrainMaskPath string
	MovparPath    string
	CleanedPath   string

	// GSRCleanedPath is optional
	GSRCleanedPath string

	SkipVolumes int
}

// Generate computes a report from the artifacts on disk.
func Generate(in Inputs) (*Report, error) {
	resampled, err := nifti.ReadSeries(in.ResampledPath)
	if err != nil {
		return nil, fmt.Errorf("read resampled series: %w", err)
	}
	brain, err := nifti.ReadVolume(in.BrainMaskPath)
	if err != nil {
		return nil, fmt.Errorf("read brain mask: %w", err)
	}
	ref, err := nifti.ReadVolume(in.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("read reference: %w", err)
	}
	params, err := confounds.ReadMotionParams(in.MovparPath)
	if err != nil {
		return nil, err
	}

	r := &Report{Volumes: resampled.Len(), SkipVolumes: in.SkipVolumes}
	if r.TSNR, err = TSNR(resampled, brain); err != nil {
		return nil, err
	}

	fd := FramewiseDisplacement(params, HeadRadius)
	if len(fd) > 1 {
		var sum float64
		for _, d := range fd[1:] {
			sum += d
			r.MaxFD = max(r.MaxFD, d)
		}
		r.MeanFD = sum / float64(len(fd)-1)
	}

	cleaned, err := nifti.ReadSeries(in.CleanedPath)
	if err != nil {
		return nil, fmt.Errorf("read cleaned series: %w", err)
	}
	if r.VarianceRemoved, err = VarianceRemoved(resampled, cleaned, brain); err != nil {
		return nil, err
	}
	if in.GSRCleanedPath != "" {
		gsr, err := nifti.ReadSeries(in.GSRCleanedPath)
		if err != nil {
			return nil, fmt.Errorf("read GSR-cleaned series: %w", err)
		}
		v, err := VarianceRemoved(resampled, gsr, brain)
		if err != nil {
			return nil, err
		}
		r.GSRVarianceRemoved = &v
	}

	r.MaskSurfaceDistance = SurfaceDistance(brain, bias.Foreground(ref))
	return r, nil
}
