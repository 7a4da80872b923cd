// Package masking moves mask and label volumes into the grid of a reference
// image with label-preserving interpolation.
package masking

import (
	"fmt"

	"boldprep/internal/models"
	"boldprep/pkg/interpolation"
	"boldprep/pkg/nifti"
	"boldprep/pkg/transform"
)

// AlignmentError reports a reference that cannot receive a mask
type AlignmentError struct {
	Artifact string
	Reason   string
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("cannot align mask to %s: %s", e.Artifact, e.Reason)
}

// Resampler is the mask and label resampling capability. xfm maps
// reference world points into mask world points.
type Resampler interface {
	Resample(mask *models.Volume, ref models.Grid, xfm models.Affine) (*models.Volume, error)
}

// NearestNeighbour resamples without blending, so label values survive
type NearestNeighbour struct{}

// Resample implements Resampler.
func (NearestNeighbour) Resample(mask *models.Volume, ref models.Grid, xfm models.Affine) (*models.Volume, error) {
	return interpolation.Resample(mask, ref, xfm, interpolation.Nearest)
}

// Transform resamples mask onto ref with nearest-neighbour interpolation.
// A non-empty chain maps reference points into mask space, inverse flags
// honoured; an empty chain aligns the two grids through their world
// coordinates alone.
func Transform(mask *models.Volume, ref models.Grid, chain transform.Chain) (*models.Volume, error) {
	return TransformWith(NearestNeighbour{}, mask, ref, chain)
}

// TransformWith is Transform with a caller-supplied resampler. A nil r means
// NearestNeighbour.
func TransformWith(r Resampler, mask *models.Volume, ref models.Grid, chain transform.Chain) (*models.Volume, error) {
	if r == nil {
		r = NearestNeighbour{}
	}
	if err := checkReference(ref); err != nil {
		return nil, err
	}
	xfm, err := chain.Compose()
	if err != nil {
		return nil, fmt.Errorf("compose mask transform: %w", err)
	}
	return r.Resample(mask, ref, xfm)
}

func checkReference(ref models.Grid) error {
	for i, d := range ref.Dims {
		if d <= 0 {
			return &AlignmentError{Artifact: "reference", Reason: fmt.Sprintf("dimension %d has %d voxels", i, d)}
		}
	}
	if ref.Len() == 0 {
		return &AlignmentError{Artifact: "reference", Reason: "grid has zero voxels"}
	}
	return nil
}

// TransformFile reads a mask and a reference image, aligns the mask with r
// and writes it to outPath. The reference must be a 3-D image; a 4-D image is
// accepted only when it holds a single volume.
func TransformFile(r Resampler, maskPath, refPath string, chain transform.Chain, outPath string) error {
	info, err := nifti.Probe(refPath)
	if err != nil {
		return err
	}
	if info.NDim < 3 || info.Frames != 1 {
		return &AlignmentError{Artifact: refPath, Reason: fmt.Sprintf("expected a 3-D grid, got %d dimensions with %d volumes", info.NDim, info.Frames)}
	}
	if err := checkReference(info.Grid); err != nil {
		err.(*AlignmentError).Artifact = refPath
		return err
	}

	mask, err := nifti.ReadVolume(maskPath)
	if err != nil {
		return fmt.Errorf("read mask: %w", err)
	}
	aligned, err := TransformWith(r, mask, info.Grid, chain)
	if err != nil {
		return err
	}
	return nifti.WriteVolume(outPath, aligned)
}
