package interpolation

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"boldprep/internal/models"
)

// Point3D represents a world-space point in mm
type Point3D struct {
	X, Y, Z float64
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points3D
type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// BoundaryPoints returns the world coordinates of foreground voxels (value > 0)
// that touch the background along one of the six face neighbours or sit on
// the edge of the grid.
func BoundaryPoints(v *models.Volume) Points3D {
	var pts Points3D
	offsets := [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}
	for z := 0; z < v.Dims[2]; z++ {
		for y := 0; y < v.Dims[1]; y++ {
			for x := 0; x < v.Dims[0]; x++ {
				if v.At(x, y, z) <= 0 {
					continue
				}
				edge := false
				for _, o := range offsets {
					nx, ny, nz := x+o[0], y+o[1], z+o[2]
					if !inside(v.Dims, nx, ny, nz) || v.At(nx, ny, nz) <= 0 {
						edge = true
						break
					}
				}
				if edge {
					w := v.World(x, y, z)
					pts = append(pts, Point3D{w[0], w[1], w[2]})
				}
			}
		}
	}
	return pts
}

// MeanSurfaceDistance computes the symmetric mean distance in mm between two
// point sets, using a KD-tree per set for the nearest neighbour searches.
//
// Parameters:
//   - a, b: Point sets, typically mask boundaries from BoundaryPoints
//
// Returns:
//   - The average of both directed mean distances, or NaN if either set is empty
func MeanSurfaceDistance(a, b Points3D) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.NaN()
	}
	return (directedMean(a, b) + directedMean(b, a)) / 2
}

func directedMean(from, to Points3D) float64 {
	// kdtree.New reorders its input, so build from a copy
	tree := kdtree.New(append(Points3D(nil), to...), false)
	var sum float64
	for _, p := range from {
		_, d2 := tree.Nearest(p)
		sum += math.Sqrt(d2)
	}
	return sum / float64(len(from))
}
