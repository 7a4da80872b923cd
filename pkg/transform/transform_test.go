package transform

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boldprep/internal/models"
)

func TestRigidKeepsCenterUnderRotation(t *testing.T) {
	center := [3]float64{10, 20, 30}
	a := Rigid([6]float64{0, 0, 0, 0.1, -0.2, 0.3}, center)
	got := a.Apply(center)
	for i := range got {
		assert.InDelta(t, center[i], got[i], 1e-9)
	}
}

func TestRigidTranslation(t *testing.T) {
	a := Rigid([6]float64{1, -2, 3, 0, 0, 0}, [3]float64{})
	got := a.Apply([3]float64{5, 5, 5})
	assert.InDeltaSlice(t, []float64{6, 3, 8}, got[:], 1e-12)
}

func TestRigidRotationAboutZ(t *testing.T) {
	a := Rigid([6]float64{0, 0, 0, 0, 0, math.Pi / 2}, [3]float64{})
	got := a.Apply([3]float64{1, 0, 0})
	assert.InDeltaSlice(t, []float64{0, 1, 0}, got[:], 1e-12)
}

func TestChainInverseLaw(t *testing.T) {
	a := Rigid([6]float64{1, 2, 3, 0.05, 0.1, -0.02}, [3]float64{4, 4, 4})
	chain := Chain{{Affine: a}, {Affine: a, Inverse: true}}
	composed, err := chain.Compose()
	require.NoError(t, err)
	assert.True(t, composed.Equal(models.Identity(), 1e-9))
}

func TestChainOrder(t *testing.T) {
	// The last step applies first: T1(T2(p)).
	scale := models.ScaleAffine([3]float64{2, 2, 2})
	shift := Translation([3]float64{1, 0, 0})
	composed, err := Chain{{Affine: shift}, {Affine: scale}}.Compose()
	require.NoError(t, err)
	got := composed.Apply([3]float64{1, 1, 1})
	assert.InDeltaSlice(t, []float64{3, 2, 2}, got[:], 1e-12)

	prepended := Chain{{Affine: scale}}.Prepend(Step{Affine: shift})
	composed2, err := prepended.Compose()
	require.NoError(t, err)
	assert.True(t, composed.Equal(composed2, 1e-12))
}

func TestFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := Rigid([6]float64{1, 2, 3, 0.1, 0.2, 0.3}, [3]float64{1, 1, 1})

	single := filepath.Join(dir, "xfm.yaml")
	require.NoError(t, WriteAffine(single, a))
	got, err := ReadAffine(single)
	require.NoError(t, err)
	assert.True(t, a.Equal(got, 1e-12))

	set := filepath.Join(dir, "xforms.yaml")
	require.NoError(t, WriteSet(set, []models.Affine{a, models.Identity()}))
	gotSet, err := ReadSet(set)
	require.NoError(t, err)
	require.Len(t, gotSet, 2)
	assert.True(t, gotSet[1].Equal(models.Identity(), 0))

	_, err = ReadAffine(set)
	assert.Error(t, err)

	chain, err := LoadChain([]string{single}, []bool{true})
	require.NoError(t, err)
	assert.True(t, chain[0].Inverse)

	_, err = LoadChain([]string{single}, []bool{true, false})
	assert.Error(t, err)
}
