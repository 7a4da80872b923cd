package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"boldprep/internal/models"
)

// PhaseEncodingAxis is the world axis along which EPI distortion is corrected
const PhaseEncodingAxis = 1

// CorrectDistortion refines an anatomy-to-EPI mapping with a scaling along
// the phase-encoding axis, so that the foreground extent of the EPI reference
// matches the extent of the anatomical brain mask seen through the mapping.
//
// Parameters:
//   - epiRef: EPI reference volume
//   - anatMask: Brain mask in anatomical space
//   - anatToEPI: Mapping from anatomical points to EPI points
//   - axis: Phase-encoding world axis (0, 1 or 2)
//
// Returns:
//   - The refined mapping, anatomical points to distorted EPI points
func CorrectDistortion(epiRef, anatMask *models.Volume, anatToEPI models.Affine, axis int) (models.Affine, error) {
	if axis < 0 || axis > 2 {
		return models.Affine{}, fmt.Errorf("invalid phase-encoding axis %d", axis)
	}

	epiLo, epiHi, ok := extent(epiRef, foregroundThreshold(epiRef), models.Identity(), axis)
	if !ok {
		return models.Affine{}, fmt.Errorf("EPI reference has no foreground")
	}
	anatLo, anatHi, ok := extent(anatMask, 0, anatToEPI, axis)
	if !ok {
		return models.Affine{}, fmt.Errorf("anatomical mask is empty")
	}
	if anatHi-anatLo <= 0 || epiHi-epiLo <= 0 {
		return models.Affine{}, fmt.Errorf("degenerate extent along axis %d", axis)
	}

	scale := (epiHi - epiLo) / (anatHi - anatLo)
	epiCenter := (epiHi + epiLo) / 2
	anatCenter := (anatHi + anatLo) / 2

	d := models.Identity()
	d[axis][axis] = scale
	d[axis][3] = epiCenter - scale*anatCenter
	return d.Mul(anatToEPI), nil
}

// foregroundThreshold is half the mean of the positive voxels
func foregroundThreshold(v *models.Volume) float64 {
	var positive []float64
	for _, val := range v.Data {
		if val > 0 {
			positive = append(positive, val)
		}
	}
	if len(positive) == 0 {
		return 0
	}
	return 0.5 * stat.Mean(positive, nil)
}

// extent returns the range along axis of the world coordinates, mapped
// through xfm, of the voxels of v above threshold
func extent(v *models.Volume, threshold float64, xfm models.Affine, axis int) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for i, val := range v.Data {
		if val <= threshold {
			continue
		}
		x, y, z := v.Coords(i)
		p := xfm.Apply(v.World(x, y, z))
		lo = math.Min(lo, p[axis])
		hi = math.Max(hi, p[axis])
		ok = true
	}
	return lo, hi, ok
}
