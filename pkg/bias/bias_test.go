package bias

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/stat"

	"boldprep/internal/models"
)

// biased returns a sphere of constant intensity multiplied by a linear gain
// along x
func biased() (*models.Volume, *models.Volume) {
	grid := models.NewGrid([3]int{24, 24, 24}, [3]float64{2, 2, 2})
	img := models.NewVolume(grid)
	mask := models.NewVolume(grid)
	c := grid.Center()
	for i := range img.Data {
		x, y, z := grid.Coords(i)
		w := grid.World(x, y, z)
		d := math.Sqrt((w[0]-c[0])*(w[0]-c[0]) + (w[1]-c[1])*(w[1]-c[1]) + (w[2]-c[2])*(w[2]-c[2]))
		if d < 18 {
			gain := 0.7 + 0.6*float64(x)/23
			img.Data[i] = 100 * gain
			mask.Data[i] = 1
		}
	}
	return img, mask
}

func foregroundCV(v, mask *models.Volume) float64 {
	var vals []float64
	for i, m := range mask.Data {
		if m > 0 {
			vals = append(vals, v.Data[i])
		}
	}
	mean, std := stat.MeanStdDev(vals, nil)
	return std / mean
}

func TestCorrectReducesInhomogeneity(t *testing.T) {
	img, mask := biased()
	before := foregroundCV(img, mask)

	res, err := Correct(img, mask, Options{FWHM: 12})
	if err != nil {
		t.Fatalf("Correct failed: %v", err)
	}
	after := foregroundCV(res.Corrected, mask)
	if after >= before/2 {
		t.Errorf("coefficient of variation %.4f not reduced enough from %.4f", after, before)
	}

	for i, m := range mask.Data {
		if m == 0 && res.Field.Data[i] != 1 {
			t.Fatalf("field outside mask at %d is %g, expected 1", i, res.Field.Data[i])
		}
	}
}

func TestCorrectIterativeFieldIsProduct(t *testing.T) {
	img, mask := biased()
	res, err := Correct(img, mask, Options{FWHM: 12, Iterative: true})
	if err != nil {
		t.Fatalf("Correct failed: %v", err)
	}
	for i := range img.Data {
		want := img.Data[i] / res.Field.Data[i]
		if math.Abs(res.Corrected.Data[i]-want) > 1e-9*math.Max(1, math.Abs(want)) {
			t.Fatalf("voxel %d: corrected %g, image/field %g", i, res.Corrected.Data[i], want)
		}
	}
}

func TestCorrectRejectsEmptyMask(t *testing.T) {
	img, _ := biased()
	if _, err := Correct(img, models.NewVolume(img.Grid), Options{}); err == nil {
		t.Error("expected an error for an empty mask")
	}
	other := models.NewVolume(models.NewGrid([3]int{4, 4, 4}, [3]float64{1, 1, 1}))
	if _, err := Correct(img, other, Options{}); err == nil {
		t.Error("expected an error for a mismatched mask grid")
	}
}

func TestForeground(t *testing.T) {
	img, mask := biased()
	fg := Foreground(img)
	if fg.Count() != mask.Count() {
		t.Errorf("foreground has %d voxels, expected %d", fg.Count(), mask.Count())
	}
}
