package signal

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ridge is added to the diagonal of the normal equations when the design
// matrix is too ill-conditioned for QR
const ridge = 1e-6

// RemoveConfounds returns the residual of y after projecting out the columns
// of x by least squares.
//
// Parameters:
//   - y: Data matrix, one row per time point and one column per voxel
//   - x: Design matrix, one row per time point and one column per confound
//
// Returns:
//   - y - x*b where b minimises ||y - x*b||, or an error for mismatched rows
func RemoveConfounds(y, x mat.Matrix) (*mat.Dense, error) {
	ry, cy := y.Dims()
	res := mat.NewDense(ry, cy, nil)
	res.Copy(y)
	if x == nil {
		return res, nil
	}
	rx, cx := x.Dims()
	if cx == 0 {
		return res, nil
	}
	if rx != ry {
		return nil, fmt.Errorf("design matrix has %d rows but data has %d", rx, ry)
	}
	if rx < cx {
		return nil, fmt.Errorf("design matrix with %d confounds needs at least as many time points, got %d", cx, rx)
	}

	beta, err := solve(x, y)
	if err != nil {
		return nil, err
	}

	var fitted mat.Dense
	fitted.Mul(x, beta)
	res.Sub(res, &fitted)
	return res, nil
}

// solve finds b minimising ||y - x*b|| using QR, falling back to regularised
// normal equations when x is near-singular
func solve(x, y mat.Matrix) (*mat.Dense, error) {
	var qr mat.QR
	qr.Factorize(x)

	var beta mat.Dense
	if err := qr.SolveTo(&beta, false, y); err == nil {
		return &beta, nil
	}

	// Collinear confounds: solve (x'x + λI) b = x'y instead
	_, cx := x.Dims()
	var xtx, xty mat.Dense
	xtx.Mul(x.T(), x)
	for i := 0; i < cx; i++ {
		xtx.Set(i, i, xtx.At(i, i)+ridge)
	}
	xty.Mul(x.T(), y)

	var fallback mat.Dense
	if err := fallback.Solve(&xtx, &xty); err != nil {
		return nil, fmt.Errorf("confound design matrix is singular: %w", err)
	}
	return &fallback, nil
}
