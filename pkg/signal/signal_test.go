package signal

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"boldprep/internal/models"
)

// TestDetrend verifies that mean and linear trend are removed exactly
func TestDetrend(t *testing.T) {
	x := make([]float64, 20)
	for i := range x {
		x[i] = 5 + 0.3*float64(i)
	}
	Detrend(x)
	for i, v := range x {
		if math.Abs(v) > 1e-9 {
			t.Fatalf("Sample %d: expected 0, got %f", i, v)
		}
	}

	y := []float64{1, -1, 1, -1}
	Detrend(y)
	if math.Abs(stat.Mean(y, nil)) > 1e-12 {
		t.Errorf("Expected zero mean, got %f", stat.Mean(y, nil))
	}
}

// TestStandardize checks unit variance and the constant case
func TestStandardize(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	if !Standardize(x) {
		t.Fatal("Expected a non-constant time course")
	}
	mean, std := stat.PopMeanStdDev(x, nil)
	if math.Abs(mean) > 1e-12 || math.Abs(std-1) > 1e-12 {
		t.Errorf("Expected mean 0 and std 1, got %f and %f", mean, std)
	}

	c := []float64{3, 3, 3}
	if Standardize(c) {
		t.Error("Expected a constant time course to be reported")
	}
	for _, v := range c {
		if v != 0 {
			t.Errorf("Expected constant time course to become zero, got %f", v)
		}
	}
}

// TestHighPass verifies that slow drifts are removed and fast signals kept
func TestHighPass(t *testing.T) {
	const n = 100
	const tr = 1.0
	slow := make([]float64, n)
	fast := make([]float64, n)
	for i := range slow {
		slow[i] = math.Sin(2 * math.Pi * 0.02 * float64(i) * tr)
		fast[i] = math.Sin(2 * math.Pi * 0.2 * float64(i) * tr)
	}

	h, err := NewHighPass(n, tr, 0.05)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	original := append([]float64(nil), fast...)
	h.Apply(slow)
	h.Apply(fast)

	_, slowStd := stat.PopMeanStdDev(slow, nil)
	if slowStd > 1e-9 {
		t.Errorf("Expected slow drift to be removed, std %f", slowStd)
	}
	for i := range fast {
		if math.Abs(fast[i]-original[i]) > 1e-9 {
			t.Fatalf("Sample %d: fast signal changed from %f to %f", i, original[i], fast[i])
		}
	}
}

// TestHighPassRejectsBadParameters covers the validation branches
func TestHighPassRejectsBadParameters(t *testing.T) {
	cases := []struct {
		n          int
		tr, cutoff float64
	}{
		{0, 1, 0.01},
		{10, 0, 0.01},
		{10, 1, -1},
		{10, 1, 0.5},
	}
	for _, c := range cases {
		if _, err := NewHighPass(c.n, c.tr, c.cutoff); err == nil {
			t.Errorf("Expected error for n=%d tr=%g cutoff=%g", c.n, c.tr, c.cutoff)
		}
	}
}

// TestRemoveConfounds verifies that an injected regressor is removed
func TestRemoveConfounds(t *testing.T) {
	const n = 30
	x := mat.NewDense(n, 2, nil)
	y := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		a := math.Sin(float64(i))
		b := math.Cos(0.7 * float64(i))
		x.Set(i, 0, a)
		x.Set(i, 1, b)
		y.Set(i, 0, 3*a-2*b)
		y.Set(i, 1, a+float64(i%3))
	}
	res, err := RemoveConfounds(y, x)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i := 0; i < n; i++ {
		if math.Abs(res.At(i, 0)) > 1e-9 {
			t.Fatalf("Row %d: expected fully explained voxel, got %f", i, res.At(i, 0))
		}
	}

	// Residual must be orthogonal to every regressor
	var proj mat.Dense
	proj.Mul(x.T(), res)
	if mat.Norm(&proj, 2) > 1e-8 {
		t.Errorf("Residual not orthogonal to confounds: %f", mat.Norm(&proj, 2))
	}

	if _, err := RemoveConfounds(y, mat.NewDense(n-1, 2, nil)); err == nil {
		t.Error("Expected error for mismatched rows")
	}
}

// TestRemoveConfoundsCollinear exercises the regularised fallback
func TestRemoveConfoundsCollinear(t *testing.T) {
	const n = 20
	x := mat.NewDense(n, 2, nil)
	y := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		v := float64(i%5) - 2
		x.Set(i, 0, v)
		x.Set(i, 1, 2*v)
		y.Set(i, 0, v)
	}
	res, err := RemoveConfounds(y, x)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if mat.Norm(res, 2) > 1e-4 {
		t.Errorf("Expected collinear regressor to be removed, residual norm %f", mat.Norm(res, 2))
	}
}

// TestSmooth verifies mass conservation and the identity for tiny kernels
func TestSmooth(t *testing.T) {
	v := models.NewVolume(models.NewGrid([3]int{21, 21, 21}, [3]float64{2, 2, 2}))
	v.Set(10, 10, 10, 1)

	wide := Smooth(v, 6)
	var sum float64
	for _, val := range wide.Data {
		sum += val
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("Expected smoothing to conserve mass, got %f", sum)
	}
	if wide.At(10, 10, 10) >= 1 || wide.At(11, 10, 10) <= 0 {
		t.Error("Expected the peak to spread to its neighbours")
	}

	narrow := Smooth(v, 0.3)
	if math.Abs(narrow.At(10, 10, 10)-1) > 1e-6 {
		t.Errorf("Expected sub-voxel FWHM to leave the peak intact, got %f", narrow.At(10, 10, 10))
	}
}

// TestSmoothMasked verifies that background values never leak in
func TestSmoothMasked(t *testing.T) {
	grid := models.NewGrid([3]int{8, 8, 8}, [3]float64{1, 1, 1})
	v := models.NewVolume(grid)
	mask := models.NewVolume(grid)
	for i := range v.Data {
		x, _, _ := grid.Coords(i)
		if x < 4 {
			v.Data[i] = 10
			mask.Data[i] = 1
		} else {
			v.Data[i] = 1000
		}
	}
	out := SmoothMasked(v, mask, 4)
	for i, val := range out.Data {
		if mask.Data[i] > 0 && math.Abs(val-10) > 1e-9 {
			t.Fatalf("Voxel %d: expected 10, got %f", i, val)
		}
		if mask.Data[i] == 0 && val != 0 {
			t.Fatalf("Voxel %d: expected background zero, got %f", i, val)
		}
	}
}
