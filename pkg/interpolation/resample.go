package interpolation

import (
	"fmt"
	"math"

	"boldprep/internal/models"
)

// Method selects how values are sampled between voxel centres
type Method int

const (
	// Nearest picks the value of the closest voxel. It never invents values,
	// so it is the only method suitable for masks and label maps.
	Nearest Method = iota
	// Trilinear blends the eight surrounding voxels.
	Trilinear
)

func (m Method) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Trilinear:
		return "trilinear"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// edgeTolerance lets points that fall a hair outside the grid (rounding in the
// affine chain) still sample the border voxel
const edgeTolerance = 1e-6

// Resample pulls the values of src onto the reference grid.
//
// For every voxel of ref, its world coordinate is mapped through xfm into the
// world space of src, converted to a src voxel coordinate and sampled there.
// Points outside src are filled with zero.
//
// Parameters:
//   - src: The volume to resample
//   - ref: The target grid
//   - xfm: World-to-world mapping from the reference space into the source space
//   - method: Nearest or Trilinear
//
// Returns:
//   - A new volume on ref, or an error if the source affine is singular
func Resample(src *models.Volume, ref models.Grid, xfm models.Affine, method Method) (*models.Volume, error) {
	srcInv, err := src.Affine.Inverse()
	if err != nil {
		return nil, fmt.Errorf("source grid: %w", err)
	}

	// One affine takes a reference voxel index straight to a source voxel coordinate
	m := srcInv.Mul(xfm).Mul(ref.Affine)

	out := models.NewVolume(ref)
	for z := 0; z < ref.Dims[2]; z++ {
		for y := 0; y < ref.Dims[1]; y++ {
			for x := 0; x < ref.Dims[0]; x++ {
				p := m.Apply([3]float64{float64(x), float64(y), float64(z)})
				out.Data[ref.Index(x, y, z)] = Sample(src, p, method)
			}
		}
	}
	return out, nil
}

// Sample returns the value of v at the continuous voxel coordinate p.
// Coordinates outside the grid yield zero.
func Sample(v *models.Volume, p [3]float64, method Method) float64 {
	if method == Nearest {
		x := int(math.Round(p[0]))
		y := int(math.Round(p[1]))
		z := int(math.Round(p[2]))
		if !inside(v.Dims, x, y, z) {
			return 0
		}
		return v.At(x, y, z)
	}
	return trilinear(v, p)
}

// InGrid reports whether the continuous voxel coordinate p lies within the
// span of voxel centres of a grid with the given dimensions.
func InGrid(dims [3]int, p [3]float64) bool {
	for i, d := range dims {
		if p[i] < -edgeTolerance || p[i] > float64(d-1)+edgeTolerance {
			return false
		}
	}
	return true
}

func inside(dims [3]int, x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < dims[0] && y < dims[1] && z < dims[2]
}

func trilinear(v *models.Volume, p [3]float64) float64 {
	if !InGrid(v.Dims, p) {
		return 0
	}
	var lo, hi [3]int
	var frac [3]float64
	for i := 0; i < 3; i++ {
		c := math.Max(0, math.Min(p[i], float64(v.Dims[i]-1)))
		f := math.Floor(c)
		lo[i] = int(f)
		hi[i] = lo[i] + 1
		if hi[i] > v.Dims[i]-1 {
			hi[i] = v.Dims[i] - 1
		}
		frac[i] = c - f
	}

	c000 := v.At(lo[0], lo[1], lo[2])
	c100 := v.At(hi[0], lo[1], lo[2])
	c010 := v.At(lo[0], hi[1], lo[2])
	c110 := v.At(hi[0], hi[1], lo[2])
	c001 := v.At(lo[0], lo[1], hi[2])
	c101 := v.At(hi[0], lo[1], hi[2])
	c011 := v.At(lo[0], hi[1], hi[2])
	c111 := v.At(hi[0], hi[1], hi[2])

	// Interpolate along x, then y, then z
	c00 := c000*(1-frac[0]) + c100*frac[0]
	c10 := c010*(1-frac[0]) + c110*frac[0]
	c01 := c001*(1-frac[0]) + c101*frac[0]
	c11 := c011*(1-frac[0]) + c111*frac[0]

	c0 := c00*(1-frac[1]) + c10*frac[1]
	c1 := c01*(1-frac[1]) + c11*frac[1]

	return c0*(1-frac[2]) + c1*frac[2]
}
