package confounds

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"boldprep/internal/models"
	"boldprep/pkg/signal"
)

// Options configures a regression
type Options struct {
	// GSR includes the global signal among the regressed columns
	GSR bool

	// TR is the sampling interval in seconds
	TR float64

	// HighPass is the high-pass cutoff in Hz; zero disables filtering
	HighPass float64

	// FWHM is the width in mm of the Gaussian applied to the residual
	FWHM float64

	// Threads bounds the number of goroutines cleaning voxels
	Threads int
}

// SelectColumns returns the indices of the regressed columns: all nine with
// global-signal regression, every column but the global signal without.
func SelectColumns(gsr bool) []int {
	cols := make([]int, 0, len(Columns))
	for i := range Columns {
		if i == GlobalSignal && !gsr {
			continue
		}
		cols = append(cols, i)
	}
	return cols
}

// Regress cleans a series of the selected confound columns.
//
// Each voxel time course is detrended and high-passed; the confound columns
// go through the same steps and are standardised. The confounds are then
// removed by least squares, the residual is standardised (constant voxels
// stay zero) and every volume is smoothed with a Gaussian of opts.FWHM.
//
// Parameters:
//   - ctx: Cancels the voxel workers
//   - series: The input series; it is not modified
//   - m: Confound matrix with one row per volume
//   - opts: Column subset, sampling interval, filter and smoothing settings
//
// Returns:
//   - The cleaned series, or a *RegressionError when the inputs are invalid
func Regress(ctx context.Context, series *models.Series, m *Matrix, opts Options) (*models.Series, error) {
	n := series.Len()
	if m.Rows() != n {
		return nil, &RegressionError{
			Artifact: "confound matrix",
			Reason:   fmt.Sprintf("%d rows for %d volumes", m.Rows(), n),
		}
	}
	if opts.TR <= 0 {
		return nil, &RegressionError{Artifact: "series", Reason: fmt.Sprintf("sampling interval must be positive, got %g", opts.TR)}
	}
	if _, err := signal.NewHighPass(n, opts.TR, opts.HighPass); err != nil {
		return nil, &RegressionError{Artifact: "series", Reason: err.Error()}
	}

	design, err := designMatrix(m, SelectColumns(opts.GSR), opts)
	if err != nil {
		return nil, err
	}

	voxels := series.Grid.Len()
	data := mat.NewDense(n, voxels, nil)
	for t, frame := range series.Frames {
		data.SetRow(t, frame)
	}

	// Detrend and filter voxel time courses in parallel column blocks
	if err := forEachColumnBlock(ctx, voxels, opts.Threads, func(lo, hi int) error {
		hp, err := signal.NewHighPass(n, opts.TR, opts.HighPass)
		if err != nil {
			return err
		}
		tc := make([]float64, n)
		for v := lo; v < hi; v++ {
			mat.Col(tc, v, data)
			signal.Detrend(tc)
			hp.Apply(tc)
			data.SetCol(v, tc)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	residual, err := signal.RemoveConfounds(data, design)
	if err != nil {
		return nil, &RegressionError{Artifact: "confound matrix", Reason: err.Error()}
	}

	if err := forEachColumnBlock(ctx, voxels, opts.Threads, func(lo, hi int) error {
		tc := make([]float64, n)
		for v := lo; v < hi; v++ {
			mat.Col(tc, v, residual)
			signal.Standardize(tc)
			residual.SetCol(v, tc)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	out := &models.Series{Grid: series.Grid, Frames: make([][]float64, n), TR: opts.TR}
	for t := 0; t < n; t++ {
		frame := &models.Volume{Grid: series.Grid, Data: mat.Row(nil, t, residual)}
		out.Frames[t] = signal.Smooth(frame, opts.FWHM).Data
	}
	return out, nil
}

// designMatrix prepares the selected columns: detrended, high-passed and
// standardised. Columns that end up constant carry no information and are
// dropped.
func designMatrix(m *Matrix, cols []int, opts Options) (mat.Matrix, error) {
	n := m.Rows()
	hp, err := signal.NewHighPass(n, opts.TR, opts.HighPass)
	if err != nil {
		return nil, &RegressionError{Artifact: "series", Reason: err.Error()}
	}
	var kept [][]float64
	for _, c := range cols {
		col := m.Column(c)
		signal.Detrend(col)
		hp.Apply(col)
		if signal.Standardize(col) {
			kept = append(kept, col)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	x := mat.NewDense(n, len(kept), nil)
	for j, col := range kept {
		x.SetCol(j, col)
	}
	return x, nil
}

// forEachColumnBlock splits [0, total) into contiguous blocks and runs fn on
// each with at most threads goroutines
func forEachColumnBlock(ctx context.Context, total, threads int, fn func(lo, hi int) error) error {
	if threads < 1 {
		threads = 1
	}
	block := (total + threads - 1) / threads
	if block < 1 {
		block = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	for lo := 0; lo < total; lo += block {
		hi := min(lo+block, total)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}

// Skullstrip zeroes every voxel outside the brain mask.
func Skullstrip(series *models.Series, mask *models.Volume) (*models.Series, error) {
	if !series.SameGrid(mask.Grid) {
		return nil, &RegressionError{Artifact: "brain mask", Reason: "mask grid differs from the series grid"}
	}
	out := models.NewSeries(series.Grid, series.Len(), series.TR)
	for t, frame := range series.Frames {
		for i, v := range frame {
			if mask.Data[i] > 0 {
				out.Frames[t][i] = v
			}
		}
	}
	return out, nil
}
