// Package registration estimates rigid alignments between volumes and a
// template-driven correction for susceptibility distortion.
package registration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"boldprep/internal/models"
	"boldprep/pkg/interpolation"
	"boldprep/pkg/transform"
)

// Cost selects the similarity measure minimised by Align
type Cost int

const (
	// SSD is the mean squared intensity difference, for images of the same
	// modality such as volumes of one series.
	SSD Cost = iota
	// NCC is the negative normalised cross-correlation, for images whose
	// intensities are related only linearly.
	NCC
)

// Options tunes the optimiser
type Options struct {
	// MaxSamples bounds the number of fixed-image voxels visited per cost
	// evaluation
	MaxSamples int

	// MaxEvaluations bounds the number of cost evaluations
	MaxEvaluations int

	// RotationScale is the rotation in radians per optimiser unit; translations
	// are optimised directly in mm
	RotationScale float64
}

// DefaultOptions returns the options used by the pipeline stages.
func DefaultOptions() Options {
	return Options{MaxSamples: 4000, MaxEvaluations: 600, RotationScale: 0.02}
}

// Result is a rigid alignment of a moving volume onto a fixed one
type Result struct {
	// Params is [tx, ty, tz, rx, ry, rz] in mm and radians, about Center
	Params [6]float64

	// Center is the rotation centre in fixed-space world coordinates
	Center [3]float64

	// Affine maps fixed-space points to moving-space points
	Affine models.Affine

	// Cost is the final value of the similarity measure
	Cost float64
}

// minOverlap is the fraction of fixed samples that must land inside the
// moving grid for a cost evaluation to count
const minOverlap = 0.25

// sampler holds the precomputed fixed-image samples shared by every cost
// evaluation
type sampler struct {
	points [][3]float64 // world coordinates
	values []float64
	moving *models.Volume
	movInv models.Affine
	cost   Cost

	// fixed and warped values of the samples inside the moving grid
	fixedIn  []float64
	warpedIn []float64
}

func newSampler(fixed, moving *models.Volume, cost Cost, maxSamples int) (*sampler, error) {
	movInv, err := moving.Affine.Inverse()
	if err != nil {
		return nil, fmt.Errorf("moving grid: %w", err)
	}

	// Regular stride over the fixed grid keeps the sample count bounded
	stride := 1
	if maxSamples > 0 {
		for fixed.Len()/(stride*stride*stride) > maxSamples {
			stride++
		}
	}
	s := &sampler{moving: moving, movInv: movInv, cost: cost}
	for z := 0; z < fixed.Dims[2]; z += stride {
		for y := 0; y < fixed.Dims[1]; y += stride {
			for x := 0; x < fixed.Dims[0]; x += stride {
				s.points = append(s.points, fixed.World(x, y, z))
				s.values = append(s.values, fixed.At(x, y, z))
			}
		}
	}
	if len(s.points) == 0 {
		return nil, errors.New("fixed volume has no voxels")
	}
	s.fixedIn = make([]float64, 0, len(s.points))
	s.warpedIn = make([]float64, 0, len(s.points))
	return s, nil
}

// evaluate scores xfm over the samples that map inside the moving grid.
// Too little overlap scores worse than any real alignment.
func (s *sampler) evaluate(xfm models.Affine) float64 {
	m := s.movInv.Mul(xfm)
	s.fixedIn = s.fixedIn[:0]
	s.warpedIn = s.warpedIn[:0]
	for i, p := range s.points {
		q := m.Apply(p)
		if !interpolation.InGrid(s.moving.Dims, q) {
			continue
		}
		s.fixedIn = append(s.fixedIn, s.values[i])
		s.warpedIn = append(s.warpedIn, interpolation.Sample(s.moving, q, interpolation.Trilinear))
	}
	n := len(s.fixedIn)
	enough := n >= 2 && float64(n) >= minOverlap*float64(len(s.points))

	switch s.cost {
	case NCC:
		if !enough {
			return 1
		}
		r := stat.Correlation(s.fixedIn, s.warpedIn, nil)
		if math.IsNaN(r) {
			return 0
		}
		return -r
	default:
		if !enough {
			return math.MaxFloat64
		}
		var sum float64
		for i, v := range s.fixedIn {
			d := v - s.warpedIn[i]
			sum += d * d
		}
		return sum / float64(n)
	}
}

// Centroid returns the intensity-weighted centre of the positive voxels of v
// in world coordinates, or the grid centre if v has none.
func Centroid(v *models.Volume) [3]float64 {
	var c [3]float64
	var total float64
	for i, val := range v.Data {
		if val <= 0 {
			continue
		}
		x, y, z := v.Coords(i)
		w := v.World(x, y, z)
		for k := 0; k < 3; k++ {
			c[k] += val * w[k]
		}
		total += val
	}
	if total == 0 {
		return v.Center()
	}
	for k := range c {
		c[k] /= total
	}
	return c
}

// Align finds the rigid transform that best maps fixed-space points onto the
// corresponding points of moving. The search starts from the translation
// that superimposes the two centroids and is refined with Nelder-Mead.
//
// Parameters:
//   - fixed: The target volume, whose grid defines the output space
//   - moving: The volume being aligned
//   - cost: SSD or NCC
//   - opts: Optimiser settings
//
// Returns:
//   - The alignment, or an error if either grid is unusable
func Align(fixed, moving *models.Volume, cost Cost, opts Options) (*Result, error) {
	s, err := newSampler(fixed, moving, cost, opts.MaxSamples)
	if err != nil {
		return nil, err
	}
	if opts.RotationScale <= 0 {
		opts.RotationScale = DefaultOptions().RotationScale
	}

	center := Centroid(fixed)
	cm := Centroid(moving)

	toParams := func(x []float64) [6]float64 {
		return [6]float64{x[0], x[1], x[2], x[3] * opts.RotationScale, x[4] * opts.RotationScale, x[5] * opts.RotationScale}
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return s.evaluate(transform.Rigid(toParams(x), center))
		},
	}
	x0 := []float64{cm[0] - center[0], cm[1] - center[1], cm[2] - center[2], 0, 0, 0}

	settings := &optimize.Settings{FuncEvaluations: opts.MaxEvaluations}
	method := &optimize.NelderMead{SimplexSize: 1}
	res, err := optimize.Minimize(problem, x0, settings, method)

	best := x0
	bestCost := problem.Func(x0)
	if res != nil && res.F <= bestCost {
		best, bestCost = res.X, res.F
	} else if err != nil && res == nil {
		return nil, fmt.Errorf("rigid alignment: %w", err)
	}

	params := toParams(best)
	return &Result{
		Params: params,
		Center: center,
		Affine: transform.Rigid(params, center),
		Cost:   bestCost,
	}, nil
}
