package stc

import (
	"math"
	"testing"

	"boldprep/internal/models"
)

func TestSliceTimes(t *testing.T) {
	tests := []struct {
		order Order
		want  []float64
	}{
		{Ascending, []float64{0, 0.25, 0.5, 0.75}},
		{Descending, []float64{0.75, 0.5, 0.25, 0}},
		{Interleaved, []float64{0, 0.5, 0.25, 0.75}},
	}
	for _, tt := range tests {
		got, err := SliceTimes(4, tt.order)
		if err != nil {
			t.Fatalf("%s: %v", tt.order, err)
		}
		for i := range tt.want {
			if math.Abs(got[i]-tt.want[i]) > 1e-12 {
				t.Errorf("%s slice %d: got %g, want %g", tt.order, i, got[i], tt.want[i])
			}
		}
	}
	if _, err := SliceTimes(4, "spiral"); err == nil {
		t.Error("expected an error for an unknown order")
	}
}

func TestParseOrder(t *testing.T) {
	if _, err := ParseOrder("interleaved"); err != nil {
		t.Errorf("ParseOrder(interleaved): %v", err)
	}
	if _, err := ParseOrder("random"); err == nil {
		t.Error("expected an error for an unknown order")
	}
}

// linearInTime samples f(tau) = tau at each slice's acquisition time
func linearInTime(n int, order Order) *models.Series {
	grid := models.NewGrid([3]int{2, 2, 4}, [3]float64{3, 3, 3})
	s := models.NewSeries(grid, n, 2)
	times, _ := SliceTimes(4, order)
	for t := range s.Frames {
		for i := range s.Frames[t] {
			_, _, z := grid.Coords(i)
			s.Frames[t][i] = float64(t) + times[z]
		}
	}
	return s
}

func TestCorrectAlignsSlicesToMidTR(t *testing.T) {
	for _, order := range []Order{Ascending, Descending, Interleaved} {
		s := linearInTime(6, order)
		out, err := Correct(s, order, 0)
		if err != nil {
			t.Fatalf("%s: %v", order, err)
		}
		for vol := 1; vol < 5; vol++ {
			for i, v := range out.Frames[vol] {
				if want := float64(vol) + 0.5; math.Abs(v-want) > 1e-12 {
					t.Fatalf("%s volume %d voxel %d: got %g, want %g", order, vol, i, v, want)
				}
			}
		}
	}
}

func TestCorrectCopiesSkippedVolumes(t *testing.T) {
	s := linearInTime(6, Ascending)
	s.Frames[0][0] = 1000
	out, err := Correct(s, Ascending, 2)
	if err != nil {
		t.Fatal(err)
	}
	for vol := 0; vol < 2; vol++ {
		for i := range s.Frames[vol] {
			if out.Frames[vol][i] != s.Frames[vol][i] {
				t.Fatalf("volume %d voxel %d changed", vol, i)
			}
		}
	}
	// Volume 2 may not borrow from the skipped volume 1
	for i, v := range out.Frames[2] {
		if v < 2 {
			t.Errorf("voxel %d of volume 2 interpolated from a skipped volume: %g", i, v)
		}
	}
	if out.Len() != s.Len() || out.TR != s.TR {
		t.Errorf("shape changed: %d volumes TR %g", out.Len(), out.TR)
	}
}
