package nifti

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boldprep/internal/models"
)

func testSeries() *models.Series {
	grid := models.NewGrid([3]int{4, 3, 2}, [3]float64{2, 2, 3})
	grid.Affine[0][3] = -4
	grid.Affine[1][3] = 10
	s := models.NewSeries(grid, 5, 1.5)
	for t := range s.Frames {
		for i := range s.Frames[t] {
			s.Frames[t][i] = float64(t*100 + i)
		}
	}
	return s
}

func TestSeriesRoundTrip(t *testing.T) {
	for _, name := range []string{"bold.nii", "bold.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			want := testSeries()
			require.NoError(t, WriteSeries(path, want))

			got, err := ReadSeries(path)
			require.NoError(t, err)
			assert.Equal(t, want.Dims, got.Dims)
			assert.Equal(t, want.Len(), got.Len())
			assert.InDelta(t, want.TR, got.TR, 1e-6)
			assert.True(t, want.SameGrid(got.Grid))
			for tt := range want.Frames {
				assert.InDeltaSlice(t, want.Frames[tt], got.Frames[tt], 1e-3)
			}

			info, err := Probe(path)
			require.NoError(t, err)
			assert.Equal(t, 4, info.NDim)
			assert.Equal(t, 5, info.Frames)
		})
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.nii.gz")
	vol := testSeries().Volume(2)
	require.NoError(t, WriteVolume(path, vol))

	got, err := ReadVolume(path)
	require.NoError(t, err)
	assert.InDeltaSlice(t, vol.Data, got.Data, 1e-3)

	info, err := Probe(path)
	require.NoError(t, err)
	assert.Equal(t, 3, info.NDim)
	assert.Equal(t, 1, info.Frames)
	assert.Zero(t, info.TR)
}

func TestReadVolumeRejectsSeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bold.nii")
	require.NoError(t, WriteSeries(path, testSeries()))
	_, err := ReadVolume(path)
	assert.Error(t, err)
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	require.NoError(t, os.WriteFile(path, make([]byte, 400), 0644))
	_, err := ReadSeries(path)
	assert.Error(t, err)
}
