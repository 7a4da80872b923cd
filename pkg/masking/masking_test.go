package masking

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boldprep/internal/models"
	"boldprep/pkg/nifti"
	"boldprep/pkg/transform"
)

// cube returns a label volume with label inside a centred cube of half-width r
func cube(grid models.Grid, r int, label float64) *models.Volume {
	v := models.NewVolume(grid)
	cx, cy, cz := grid.Dims[0]/2, grid.Dims[1]/2, grid.Dims[2]/2
	for i := range v.Data {
		x, y, z := grid.Coords(i)
		if abs(x-cx) <= r && abs(y-cy) <= r && abs(z-cz) <= r {
			v.Data[i] = label
		}
	}
	return v
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestIdentityResamplingOntoCoarserGrid(t *testing.T) {
	fine := models.NewGrid([3]int{20, 20, 20}, [3]float64{1, 1, 1})
	coarse := models.NewGrid([3]int{10, 10, 10}, [3]float64{2, 2, 2})
	mask := cube(fine, 5, 3)

	out, err := Transform(mask, coarse, nil)
	require.NoError(t, err)
	assert.Equal(t, coarse.Dims, out.Dims)
	assert.Greater(t, out.Count(), 0)
	for _, v := range out.Data {
		assert.Contains(t, []float64{0, 3}, v)
	}
}

func TestTransformHonoursInverseFlag(t *testing.T) {
	grid := models.NewGrid([3]int{16, 16, 16}, [3]float64{1, 1, 1})
	mask := cube(grid, 2, 1)
	shift := transform.Translation([3]float64{3, 0, 0})

	forward, err := Transform(mask, grid, transform.Chain{{Affine: shift}})
	require.NoError(t, err)
	inverse, err := Transform(mask, grid, transform.Chain{{Affine: shift, Inverse: true}})
	require.NoError(t, err)

	// Pulling through +3 moves the cube to lower x, the inverse to higher x
	assert.Equal(t, 1.0, forward.At(5, 8, 8))
	assert.Equal(t, 0.0, forward.At(10, 8, 8))
	assert.Equal(t, 1.0, inverse.At(11, 8, 8))
	assert.Equal(t, 0.0, inverse.At(6, 8, 8))
	assert.Equal(t, mask.Count(), forward.Count())
}

func TestZeroVoxelReference(t *testing.T) {
	mask := cube(models.NewGrid([3]int{4, 4, 4}, [3]float64{1, 1, 1}), 1, 1)
	_, err := Transform(mask, models.NewGrid([3]int{4, 0, 4}, [3]float64{1, 1, 1}), nil)

	var alignErr *AlignmentError
	require.ErrorAs(t, err, &alignErr)
	assert.Contains(t, alignErr.Reason, "dimension 1")
}

func TestTransformFile(t *testing.T) {
	dir := t.TempDir()
	grid := models.NewGrid([3]int{8, 8, 8}, [3]float64{2, 2, 2})
	maskPath := filepath.Join(dir, "wm.nii.gz")
	refPath := filepath.Join(dir, "ref.nii.gz")
	outPath := filepath.Join(dir, "out", "WM_mask_EPI.nii.gz")
	require.NoError(t, nifti.WriteVolume(maskPath, cube(grid, 2, 1)))
	require.NoError(t, nifti.WriteVolume(refPath, models.NewVolume(grid)))

	require.NoError(t, TransformFile(nil, maskPath, refPath, nil, outPath))
	out, err := nifti.ReadVolume(outPath)
	require.NoError(t, err)
	assert.Equal(t, 125, out.Count())

	// A multi-volume reference is not a 3-D grid
	seriesPath := filepath.Join(dir, "bold.nii")
	require.NoError(t, nifti.WriteSeries(seriesPath, models.NewSeries(grid, 3, 1)))
	err = TransformFile(nil, maskPath, seriesPath, nil, outPath)
	var alignErr *AlignmentError
	require.ErrorAs(t, err, &alignErr)
	assert.Equal(t, seriesPath, alignErr.Artifact)
}

// dilating grows every labelled voxel into its six neighbours
type dilating struct {
	calls int
	xfm   models.Affine
}

func (d *dilating) Resample(mask *models.Volume, ref models.Grid, xfm models.Affine) (*models.Volume, error) {
	d.calls++
	d.xfm = xfm
	out := models.NewVolume(ref)
	for i, v := range mask.Data {
		if v == 0 {
			continue
		}
		x, y, z := mask.Coords(i)
		for _, o := range [][3]int{{0, 0, 0}, {1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}} {
			nx, ny, nz := x+o[0], y+o[1], z+o[2]
			if nx >= 0 && ny >= 0 && nz >= 0 && nx < ref.Dims[0] && ny < ref.Dims[1] && nz < ref.Dims[2] {
				out.Set(nx, ny, nz, v)
			}
		}
	}
	return out, nil
}

func TestTransformWithCustomResampler(t *testing.T) {
	grid := models.NewGrid([3]int{8, 8, 8}, [3]float64{1, 1, 1})
	mask := models.NewVolume(grid)
	mask.Set(4, 4, 4, 2)
	shift := transform.Translation([3]float64{1, 0, 0})

	r := &dilating{}
	out, err := TransformWith(r, mask, grid, transform.Chain{{Affine: shift, Inverse: true}})
	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 7, out.Count())
	got := r.xfm.Apply([3]float64{4, 0, 0})
	assert.InDeltaSlice(t, []float64{3, 0, 0}, got[:], 1e-9, "chain composed before resampling")

	// The reference is checked before the resampler sees anything
	_, err = TransformWith(r, mask, models.NewGrid([3]int{0, 8, 8}, [3]float64{1, 1, 1}), nil)
	var alignErr *AlignmentError
	require.ErrorAs(t, err, &alignErr)
	assert.Equal(t, 1, r.calls)

	nearest, err := TransformWith(nil, mask, grid, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, nearest.Count())
}
