package signal

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"boldprep/internal/models"
)

// fwhmToSigma converts a full width at half maximum to a Gaussian sigma
var fwhmToSigma = 1 / math.Sqrt(8*math.Ln2)

// minSigma is the kernel width in voxels below which smoothing along an axis
// is a no-op
const minSigma = 1e-3

// GaussianKernel returns a normalised 1D Gaussian kernel with the given sigma
// in voxels, truncated at four sigma.
func GaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(4 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// Smooth applies a separable Gaussian filter of the given FWHM (mm) to v and
// returns the result. Voxels beyond the grid edge take the value of the
// nearest edge voxel.
func Smooth(v *models.Volume, fwhm float64) *models.Volume {
	out := v.Clone()
	if fwhm <= 0 {
		return out
	}
	buf := make([]float64, len(v.Data))
	for axis := 0; axis < 3; axis++ {
		sigma := fwhm * fwhmToSigma / v.VoxelSize[axis]
		if sigma < minSigma || v.Dims[axis] < 2 {
			continue
		}
		convolveAxis(out, buf, axis, GaussianKernel(sigma))
		copy(out.Data, buf)
	}
	return out
}

// SmoothMasked smooths only the voxels inside mask, normalising by the
// smoothed mask so that background values do not leak into the foreground.
// Voxels outside the mask are zero in the result.
func SmoothMasked(v, mask *models.Volume, fwhm float64) *models.Volume {
	masked := v.Clone()
	weights := models.NewVolume(v.Grid)
	for i := range masked.Data {
		if mask.Data[i] > 0 {
			weights.Data[i] = 1
		} else {
			masked.Data[i] = 0
		}
	}
	num := Smooth(masked, fwhm)
	den := Smooth(weights, fwhm)
	for i := range num.Data {
		if mask.Data[i] > 0 && den.Data[i] > 0 {
			num.Data[i] /= den.Data[i]
		} else {
			num.Data[i] = 0
		}
	}
	return num
}

func convolveAxis(v *models.Volume, dst []float64, axis int, kernel []float64) {
	radius := len(kernel) / 2
	n := v.Dims[axis]
	var pos [3]int
	for i := range v.Data {
		pos[0], pos[1], pos[2] = v.Coords(i)
		c := pos[axis]
		var sum float64
		for k, w := range kernel {
			j := c + k - radius
			if j < 0 {
				j = 0
			} else if j >= n {
				j = n - 1
			}
			pos[axis] = j
			sum += w * v.Data[v.Index(pos[0], pos[1], pos[2])]
		}
		dst[i] = sum
	}
}
