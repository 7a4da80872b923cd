package motion

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boldprep/internal/models"
	"boldprep/pkg/registration"
)

// drifting builds a series of Gaussian blobs whose centre moves along x by
// step mm per volume
func drifting(n int, step float64) (*models.Series, *models.Volume) {
	grid := models.NewGrid([3]int{16, 16, 16}, [3]float64{2, 2, 2})
	s := models.NewSeries(grid, n, 2)
	for t := 0; t < n; t++ {
		c := [3]float64{15 + step*float64(t), 15, 15}
		for i := range s.Frames[t] {
			x, y, z := grid.Coords(i)
			w := grid.World(x, y, z)
			d2 := (w[0]-c[0])*(w[0]-c[0]) + (w[1]-c[1])*(w[1]-c[1]) + (w[2]-c[2])*(w[2]-c[2])
			s.Frames[t][i] = 100 * math.Exp(-d2/(2*25))
		}
	}
	return s, s.Volume(0).Clone()
}

func fastOptions() Options {
	return Options{Threads: 4, Registration: registration.Options{MaxSamples: 2000, MaxEvaluations: 800, RotationScale: 0.02}}
}

func TestEstimateOneTransformPerVolume(t *testing.T) {
	for _, discard := range []int{0, 2} {
		series, ref := drifting(6, 0.5)
		opts := fastOptions()
		opts.Discard = discard

		res, err := Estimate(context.Background(), series, ref, opts)
		require.NoError(t, err)
		assert.Len(t, res.Transforms, 6)
		assert.Len(t, res.Params, 6-discard)

		// The last volume moved 2.5 mm along x from the reference
		last := res.Params[len(res.Params)-1]
		assert.InDelta(t, 2.5, last[0], 0.2)
		assert.InDelta(t, 0, last[1], 0.2)
	}
}

func TestEstimateRejectsShortSeries(t *testing.T) {
	series, ref := drifting(1, 0)
	_, err := Estimate(context.Background(), series, ref, fastOptions())
	var estErr *EstimationError
	require.ErrorAs(t, err, &estErr)
	assert.Contains(t, estErr.Reason, "at least 2 volumes")
}

func TestEstimateRejectsMismatchedReference(t *testing.T) {
	series, _ := drifting(3, 0)
	other := models.NewVolume(models.NewGrid([3]int{8, 8, 8}, [3]float64{2, 2, 2}))
	_, err := Estimate(context.Background(), series, other, fastOptions())
	var estErr *EstimationError
	require.ErrorAs(t, err, &estErr)
	assert.Equal(t, "reference", estErr.Artifact)
}

func TestCheckDetectsDivergentCounts(t *testing.T) {
	res := &Result{Transforms: make([]models.Affine, 5), Params: make([][6]float64, 4)}
	var estErr *EstimationError
	require.ErrorAs(t, res.Check(), &estErr)

	res.Discard = 1
	assert.NoError(t, res.Check())
}

func TestTableRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "movpar.csv")
	res := &Result{
		Transforms: make([]models.Affine, 3),
		Params:     [][6]float64{{1, 2, 3, 0.1, 0.2, 0.3}, {-1, -2, -3, -0.1, -0.2, -0.3}},
		Discard:    1,
	}
	require.NoError(t, WriteTable(path, res))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "volume,0,1,2,3,4,5\n1,1,2,3,0.1,0.2,0.3\n2,-1,-2,-3,-0.1,-0.2,-0.3\n", string(data))

	rows, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, res.Params, rows)
}

func TestReadTableUsesLastSixFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ants.csv")
	content := "MetricPre,MetricPost,a,b,c,d,e,f\n0.5,0.4,1,2,3,4,5,6\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	rows, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, [][6]float64{{1, 2, 3, 4, 5, 6}}, rows)
}
