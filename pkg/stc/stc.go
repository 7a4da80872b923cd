// Package stc corrects the acquisition time offset between slices of a BOLD
// series.
package stc

import (
	"fmt"

	"boldprep/internal/models"
)

// Order is a slice acquisition order along the third axis
type Order string

const (
	Ascending   Order = "ascending"
	Descending  Order = "descending"
	Interleaved Order = "interleaved"
)

// ParseOrder validates a slice order name.
func ParseOrder(s string) (Order, error) {
	switch o := Order(s); o {
	case Ascending, Descending, Interleaved:
		return o, nil
	}
	return "", fmt.Errorf("unknown slice order %q", s)
}

// SliceTimes returns the acquisition time of every slice as a fraction of
// the TR, in [0, 1). Interleaved acquires even slices first, then odd ones.
func SliceTimes(n int, order Order) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("slice count must be positive, got %d", n)
	}
	seq := make([]int, 0, n)
	switch order {
	case Ascending:
		for z := 0; z < n; z++ {
			seq = append(seq, z)
		}
	case Descending:
		for z := n - 1; z >= 0; z-- {
			seq = append(seq, z)
		}
	case Interleaved:
		for z := 0; z < n; z += 2 {
			seq = append(seq, z)
		}
		for z := 1; z < n; z += 2 {
			seq = append(seq, z)
		}
	default:
		return nil, fmt.Errorf("unknown slice order %q", order)
	}
	times := make([]float64, n)
	for k, z := range seq {
		times[z] = float64(k) / float64(n)
	}
	return times, nil
}

// Correct shifts every slice to the mid-TR reference time by linear
// interpolation between neighbouring volumes. The first skip volumes are
// copied unchanged and do not take part in the interpolation. Samples
// needed beyond the ends of the series are clamped to the nearest volume.
//
// Parameters:
//   - s: The series to correct; it is not modified
//   - order: Slice acquisition order along the third axis
//   - skip: Number of leading non-steady-state volumes
//
// Returns:
//   - The corrected series with the same grid, length and TR
func Correct(s *models.Series, order Order, skip int) (*models.Series, error) {
	if skip < 0 || skip > s.Len() {
		return nil, fmt.Errorf("slice timing: cannot skip %d of %d volumes", skip, s.Len())
	}
	times, err := SliceTimes(s.Dims[2], order)
	if err != nil {
		return nil, err
	}

	out := &models.Series{Grid: s.Grid, Frames: make([][]float64, s.Len()), TR: s.TR}
	for t := 0; t < skip; t++ {
		out.Frames[t] = append([]float64(nil), s.Frames[t]...)
	}
	last := s.Len() - 1
	plane := s.Dims[0] * s.Dims[1]
	for t := skip; t <= last; t++ {
		frame := make([]float64, len(s.Frames[t]))
		for z := 0; z < s.Dims[2]; z++ {
			// The slice value at mid-TR lies shift volumes after its sample
			shift := 0.5 - times[z]
			a, b, w := t, t+1, shift
			if shift < 0 {
				a, b, w = t, t-1, -shift
			}
			if b < skip || b > last {
				b = a
			}
			lo, hi := z*plane, (z+1)*plane
			fa, fb := s.Frames[a][lo:hi], s.Frames[b][lo:hi]
			for i := range fa {
				frame[lo+i] = (1-w)*fa[i] + w*fb[i]
			}
		}
		out.Frames[t] = frame
	}
	return out, nil
}
