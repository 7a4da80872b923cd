package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine is a 4x4 homogeneous matrix mapping voxel or world coordinates
// (in millimetres) to world coordinates.
type Affine [4][4]float64

// Identity returns the identity affine.
func Identity() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// ScaleAffine returns a diagonal voxel-to-world affine for the given voxel size.
func ScaleAffine(voxelSize [3]float64) Affine {
	a := Identity()
	for i := 0; i < 3; i++ {
		a[i][i] = voxelSize[i]
	}
	return a
}

// Apply maps a point through the affine.
func (a Affine) Apply(p [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = a[i][0]*p[0] + a[i][1]*p[1] + a[i][2]*p[2] + a[i][3]
	}
	return out
}

// Mul returns a*b, the affine that applies b first and then a.
func (a Affine) Mul(b Affine) Affine {
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += a[i][k] * b[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Inverse returns the inverse affine or an error if the matrix is singular.
func (a Affine) Inverse() (Affine, error) {
	m := mat.NewDense(4, 4, a.flat())
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Affine{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	var out Affine
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return out, nil
}

// Equal reports whether two affines agree element-wise within tol.
func (a Affine) Equal(b Affine, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(a[i][j]-b[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func (a Affine) flat() []float64 {
	out := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		out = append(out, a[i][:]...)
	}
	return out
}

// Grid describes the voxel lattice shared by a volume or all frames of a series.
type Grid struct {
	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize [3]float64

	// Affine maps voxel indices to world coordinates in mm
	Affine Affine
}

// NewGrid creates a grid with a diagonal affine derived from the voxel size.
func NewGrid(dims [3]int, voxelSize [3]float64) Grid {
	return Grid{Dims: dims, VoxelSize: voxelSize, Affine: ScaleAffine(voxelSize)}
}

// Len returns the number of voxels in the grid.
func (g Grid) Len() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Index returns the flat index of voxel (x, y, z); x varies fastest.
func (g Grid) Index(x, y, z int) int {
	return x + g.Dims[0]*(y+g.Dims[1]*z)
}

// Coords is the inverse of Index.
func (g Grid) Coords(idx int) (x, y, z int) {
	x = idx % g.Dims[0]
	y = (idx / g.Dims[0]) % g.Dims[1]
	z = idx / (g.Dims[0] * g.Dims[1])
	return x, y, z
}

// World returns the world coordinate of the centre of voxel (x, y, z).
func (g Grid) World(x, y, z int) [3]float64 {
	return g.Affine.Apply([3]float64{float64(x), float64(y), float64(z)})
}

// Center returns the world coordinate of the grid centre.
func (g Grid) Center() [3]float64 {
	return g.Affine.Apply([3]float64{
		float64(g.Dims[0]-1) / 2,
		float64(g.Dims[1]-1) / 2,
		float64(g.Dims[2]-1) / 2,
	})
}

// SameGrid reports whether two grids have identical dimensions and
// (within a small tolerance) identical affines.
func (g Grid) SameGrid(o Grid) bool {
	return g.Dims == o.Dims && g.Affine.Equal(o.Affine, 1e-4)
}

// Volume is a single 3D image stored as a flat array, x fastest.
type Volume struct {
	Grid

	// Data holds one value per voxel
	Data []float64
}

// NewVolume allocates a zero-filled volume on the given grid.
func NewVolume(g Grid) *Volume {
	return &Volume{Grid: g, Data: make([]float64, g.Len())}
}

// At returns the value of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set sets the value of voxel (x, y, z).
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[v.Index(x, y, z)] = val
}

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{Grid: v.Grid, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Count returns the number of voxels with a value greater than zero.
func (v *Volume) Count() int {
	n := 0
	for _, val := range v.Data {
		if val > 0 {
			n++
		}
	}
	return n
}

// Series is a 4D time series: a sequence of frames on a common grid.
type Series struct {
	Grid

	// Frames holds one flat voxel array per time point
	Frames [][]float64

	// TR is the repetition time (sampling interval) in seconds
	TR float64
}

// NewSeries allocates a zero-filled series with n frames.
func NewSeries(g Grid, n int, tr float64) *Series {
	frames := make([][]float64, n)
	for i := range frames {
		frames[i] = make([]float64, g.Len())
	}
	return &Series{Grid: g, Frames: frames, TR: tr}
}

// Len returns the number of frames (volumes) in the series.
func (s *Series) Len() int {
	return len(s.Frames)
}

// Volume returns frame t as a Volume sharing the series storage.
func (s *Series) Volume(t int) *Volume {
	return &Volume{Grid: s.Grid, Data: s.Frames[t]}
}

// TimeCourse copies the time course of voxel idx into dst (allocated if nil).
func (s *Series) TimeCourse(idx int, dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(s.Frames))
	}
	for t, frame := range s.Frames {
		dst[t] = frame[idx]
	}
	return dst
}

// SetTimeCourse writes a time course back into voxel idx.
func (s *Series) SetTimeCourse(idx int, tc []float64) {
	for t, frame := range s.Frames {
		frame[idx] = tc[t]
	}
}
