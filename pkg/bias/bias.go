// Package bias estimates and removes smooth multiplicative intensity
// inhomogeneity from a reference image.
package bias

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"boldprep/internal/models"
	"boldprep/pkg/signal"
)

// DefaultFWHM is the width in mm of the Gaussian used to estimate the field
const DefaultFWHM = 30.0

// Options configures bias correction
type Options struct {
	// FWHM of the smoothing kernel in mm
	FWHM float64

	// Iterative runs a second estimation pass on the first pass output
	Iterative bool
}

// Result holds the corrected image and the combined field
type Result struct {
	Corrected *models.Volume
	Field     *models.Volume
}

// Correct divides img by a smooth field estimated inside mask. The field is
// a normalised convolution of the masked image, scaled to unit mean over the
// mask; outside the mask it is one. A nil mask selects every voxel above
// half the mean positive intensity.
//
// Parameters:
//   - img: The image to correct; it is not modified
//   - mask: Foreground mask on the image grid, or nil
//   - opts: Kernel width and number of passes
//
// Returns:
//   - The corrected image and the field it was divided by
func Correct(img, mask *models.Volume, opts Options) (*Result, error) {
	if mask == nil {
		mask = Foreground(img)
	} else if !mask.SameGrid(img.Grid) {
		return nil, fmt.Errorf("bias correction: mask grid differs from the image grid")
	}
	if mask.Count() == 0 {
		return nil, fmt.Errorf("bias correction: mask selects zero voxels")
	}
	fwhm := opts.FWHM
	if fwhm <= 0 {
		fwhm = DefaultFWHM
	}

	passes := 1
	if opts.Iterative {
		passes = 2
	}
	corrected := img.Clone()
	total := models.NewVolume(img.Grid)
	for i := range total.Data {
		total.Data[i] = 1
	}
	for p := 0; p < passes; p++ {
		field, err := estimate(corrected, mask, fwhm)
		if err != nil {
			return nil, err
		}
		floats.Div(corrected.Data, field.Data)
		floats.Mul(total.Data, field.Data)
	}
	return &Result{Corrected: corrected, Field: total}, nil
}

func estimate(img, mask *models.Volume, fwhm float64) (*models.Volume, error) {
	field := signal.SmoothMasked(img, mask, fwhm)

	var sum float64
	var n int
	for i, m := range mask.Data {
		if m > 0 {
			sum += field.Data[i]
			n++
		}
	}
	mean := sum / float64(n)
	if mean <= 0 {
		return nil, fmt.Errorf("bias correction: non-positive foreground mean %g", mean)
	}
	for i, m := range mask.Data {
		v := field.Data[i] / mean
		if m <= 0 || v <= 0 {
			v = 1
		}
		field.Data[i] = v
	}
	return field, nil
}

// Foreground returns a binary mask of the voxels above half the mean
// positive intensity.
func Foreground(img *models.Volume) *models.Volume {
	var sum float64
	var n int
	for _, v := range img.Data {
		if v > 0 {
			sum += v
			n++
		}
	}
	mask := models.NewVolume(img.Grid)
	if n == 0 {
		return mask
	}
	threshold := 0.5 * sum / float64(n)
	for i, v := range img.Data {
		if v > threshold {
			mask.Data[i] = 1
		}
	}
	return mask
}
