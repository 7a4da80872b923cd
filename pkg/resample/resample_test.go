package resample

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boldprep/internal/models"
	"boldprep/pkg/nifti"
	"boldprep/pkg/transform"
)

func ramp(n int) *models.Series {
	grid := models.NewGrid([3]int{6, 6, 6}, [3]float64{1, 1, 1})
	s := models.NewSeries(grid, n, 1.5)
	for t := range s.Frames {
		for i := range s.Frames[t] {
			x, _, _ := grid.Coords(i)
			s.Frames[t][i] = float64(x + 10*t)
		}
	}
	return s
}

func TestApplyPerVolumeComposesMotionWithChain(t *testing.T) {
	s := ramp(3)
	motion := []models.Affine{
		models.Identity(),
		transform.Translation([3]float64{1, 0, 0}),
		transform.Translation([3]float64{2, 0, 0}),
	}
	shared := transform.Chain{{Affine: transform.Translation([3]float64{-1, 0, 0})}}

	vols, err := ApplyPerVolume(context.Background(), Request{
		Series: s, Motion: motion, Chain: shared, Reference: s.Grid, Threads: 2,
	})
	require.NoError(t, err)
	require.Len(t, vols, 3)

	// Volume t samples the input at x - 1 + t
	assert.InDelta(t, 2.0, vols[0].At(3, 0, 0), 1e-9)
	assert.InDelta(t, 13.0, vols[1].At(3, 0, 0), 1e-9)
	assert.InDelta(t, 24.0, vols[2].At(3, 0, 0), 1e-9)
}

func TestApplyPerVolumeRejectsMotionCountMismatch(t *testing.T) {
	s := ramp(3)
	_, err := ApplyPerVolume(context.Background(), Request{
		Series: s, Motion: make([]models.Affine, 2), Reference: s.Grid,
	})
	var xfmErr *TransformError
	require.ErrorAs(t, err, &xfmErr)
}

type flaky struct {
	failOn int
	calls  atomic.Int32
}

func (f *flaky) Apply(vol *models.Volume, chain transform.Chain, ref models.Grid) (*models.Volume, error) {
	if int(f.calls.Add(1)) == f.failOn {
		return nil, errors.New("backend crashed")
	}
	return Trilinear{}.Apply(vol, chain, ref)
}

func TestApplyPerVolumeAbortsOnFailure(t *testing.T) {
	s := ramp(8)
	vols, err := ApplyPerVolume(context.Background(), Request{
		Series: s, Reference: s.Grid, Threads: 1, Applier: &flaky{failOn: 3},
	})
	assert.Nil(t, vols)
	var xfmErr *TransformError
	require.ErrorAs(t, err, &xfmErr)
	assert.Contains(t, xfmErr.Reason, "backend crashed")
}

func TestMergeCopiesHeader(t *testing.T) {
	s := ramp(4)
	vols := make([]*models.Volume, 4)
	for i := range vols {
		vols[i] = s.Volume(i).Clone()
	}
	merged, err := Merge(vols, &nifti.Info{NDim: 4, Grid: s.Grid, Frames: 4, TR: 2.5})
	require.NoError(t, err)
	assert.Equal(t, 4, merged.Len())
	assert.Equal(t, 2.5, merged.TR)
	assert.Equal(t, s.Frames[3], merged.Frames[3])

	_, err = Merge(vols, &nifti.Info{Frames: 5})
	var xfmErr *TransformError
	assert.ErrorAs(t, err, &xfmErr)
}

func TestMeanReference(t *testing.T) {
	s := ramp(3)
	ref := MeanReference(s)
	// x + 10*mean(0, 1, 2)
	assert.InDelta(t, 12.0, ref.At(2, 1, 1), 1e-12)
}
