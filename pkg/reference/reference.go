// Package reference validates BOLD series and builds the reference image used
// by motion correction and registration.
package reference

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"boldprep/internal/models"
	"boldprep/pkg/nifti"
)

// outlierZ is the modified z-score above which a leading volume is treated as
// non-steady-state
const outlierZ = 3.5

// madScale converts a median absolute deviation into a standard deviation
// estimate for normally distributed data
const madScale = 0.6745

// Validated describes an input series that passed validation
type Validated struct {
	Info *nifti.Info

	// TR is the resolved sampling interval in seconds
	TR float64
}

// Validate checks that path is a 4-D series with at least two volumes and
// resolves its sampling interval: tr when positive, the header value
// otherwise.
func Validate(path string, tr float64) (*Validated, error) {
	info, err := nifti.Probe(path)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	if info.NDim != 4 {
		return nil, fmt.Errorf("validate %s: expected a 4-D series, got %d dimensions", path, info.NDim)
	}
	if info.Frames < 2 {
		return nil, fmt.Errorf("validate %s: expected at least 2 volumes, got %d", path, info.Frames)
	}
	resolved := tr
	if resolved <= 0 {
		resolved = info.TR
	}
	if resolved <= 0 {
		return nil, fmt.Errorf("validate %s: sampling interval is neither configured nor present in the header", path)
	}
	return &Validated{Info: info, TR: resolved}, nil
}

// GlobalMeans returns the mean intensity of every volume.
func GlobalMeans(s *models.Series) []float64 {
	out := make([]float64, s.Len())
	for t, frame := range s.Frames {
		out[t] = stat.Mean(frame, nil)
	}
	return out
}

// NonSteadyState counts the leading volumes whose global mean is a robust
// outlier. Each mean is scored against the median of all volumes using the
// median absolute deviation, and counting stops at the first volume scoring
// at or below 3.5.
func NonSteadyState(s *models.Series) int {
	means := GlobalMeans(s)
	if len(means) < 3 {
		return 0
	}
	med := median(means)
	dev := make([]float64, len(means))
	for i, m := range means {
		dev[i] = math.Abs(m - med)
	}
	mad := median(dev)

	count := 0
	for _, m := range means {
		var z float64
		switch {
		case mad > 0:
			z = madScale * (m - med) / mad
		case m != med:
			z = math.Inf(1)
		}
		if math.Abs(z) <= outlierZ {
			break
		}
		count++
	}
	// Keep at least two volumes for the reference
	return min(count, len(means)-2)
}

// Reference returns the temporal mean of the volumes after skip.
func Reference(s *models.Series, skip int) (*models.Volume, error) {
	if skip < 0 || skip >= s.Len() {
		return nil, fmt.Errorf("reference: cannot skip %d of %d volumes", skip, s.Len())
	}
	ref := models.NewVolume(s.Grid)
	for _, frame := range s.Frames[skip:] {
		for i, v := range frame {
			ref.Data[i] += v
		}
	}
	scale := 1 / float64(s.Len()-skip)
	for i := range ref.Data {
		ref.Data[i] *= scale
	}
	return ref, nil
}

func median(x []float64) float64 {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
