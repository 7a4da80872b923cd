// Package qc computes quality-control metrics for a preprocessed BOLD run and
// persists them as a YAML report.
package qc

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"boldprep/internal/fsutil"
	"boldprep/internal/models"
	"boldprep/pkg/interpolation"
)

// HeadRadius is the sphere radius in mm used to convert rotations into
// displacements
const HeadRadius = 50.0

// Report holds the quality metrics of one run.
type Report struct {
	// Volumes is the number of volumes in the resampled series
	Volumes int `yaml:"volumes"`

	// SkipVolumes is the number of leading non-steady-state volumes
	SkipVolumes int `yaml:"skip_volumes"`

	// TSNR is the median over brain voxels of the temporal mean divided by
	// the temporal standard deviation. Higher is better.
	TSNR float64 `yaml:"tsnr"`

	// MeanFD and MaxFD summarise framewise displacement in mm
	MeanFD float64 `yaml:"mean_fd_mm"`
	MaxFD  float64 `yaml:"max_fd_mm"`

	// VarianceRemoved is the mean fraction of each brain voxel's variance
	// explained away by confound regression, in [0, 1]
	VarianceRemoved float64 `yaml:"variance_removed"`

	// GSRVarianceRemoved is the same fraction for the GSR-cleaned series,
	// when one was produced
	GSRVarianceRemoved *float64 `yaml:"gsr_variance_removed,omitempty"`

	// MaskSurfaceDistance is the mean distance in mm between the brain mask
	// boundary and the boundary of the EPI reference foreground. Lower values
	// indicate better registration.
	MaskSurfaceDistance float64 `yaml:"mask_surface_distance_mm"`
}

// brainVoxels returns the indices of voxels with mask value above zero
func brainVoxels(mask *models.Volume) []int {
	var idx []int
	for i, v := range mask.Data {
		if v > 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// TSNR returns the median temporal SNR over mask voxels. Voxels with zero
// temporal deviation are ignored.
func TSNR(s *models.Series, mask *models.Volume) (float64, error) {
	if !s.SameGrid(mask.Grid) {
		return 0, fmt.Errorf("tSNR: mask grid differs from the series grid")
	}
	tc := make([]float64, s.Len())
	var values []float64
	for _, i := range brainVoxels(mask) {
		s.TimeCourse(i, tc)
		mean, std := stat.MeanStdDev(tc, nil)
		if std > 0 {
			values = append(values, mean/std)
		}
	}
	if len(values) == 0 {
		return 0, nil
	}
	sort.Float64s(values)
	return stat.Quantile(0.5, stat.Empirical, values, nil), nil
}

// FramewiseDisplacement returns the Power framewise displacement of every
// row of a motion table: the sum of absolute translation differences plus
// the arc length of the rotation differences on a sphere of the given
// radius. The first row is zero.
func FramewiseDisplacement(params [][6]float64, radius float64) []float64 {
	fd := make([]float64, len(params))
	for t := 1; t < len(params); t++ {
		var d float64
		for j := 0; j < 3; j++ {
			d += math.Abs(params[t][j] - params[t-1][j])
		}
		for j := 3; j < 6; j++ {
			d += radius * math.Abs(params[t][j]-params[t-1][j])
		}
		fd[t] = d
	}
	return fd
}

// VarianceRemoved returns one minus the mean squared correlation between the
// input and cleaned time course of each mask voxel. Voxels constant in either
// series count as fully removed.
func VarianceRemoved(input, cleaned *models.Series, mask *models.Volume) (float64, error) {
	if !input.SameGrid(cleaned.Grid) || !input.SameGrid(mask.Grid) {
		return 0, fmt.Errorf("variance removed: series and mask grids differ")
	}
	if input.Len() != cleaned.Len() {
		return 0, fmt.Errorf("variance removed: %d input volumes, %d cleaned", input.Len(), cleaned.Len())
	}
	idx := brainVoxels(mask)
	if len(idx) == 0 {
		return 0, fmt.Errorf("variance removed: mask selects zero voxels")
	}
	a := make([]float64, input.Len())
	b := make([]float64, input.Len())
	var kept float64
	for _, i := range idx {
		input.TimeCourse(i, a)
		cleaned.TimeCourse(i, b)
		if r := stat.Correlation(a, b, nil); !math.IsNaN(r) {
			kept += r * r
		}
	}
	return 1 - kept/float64(len(idx)), nil
}

// SurfaceDistance returns the mean symmetric distance in mm between the
// boundaries of two masks.
func SurfaceDistance(a, b *models.Volume) float64 {
	return interpolation.MeanSurfaceDistance(interpolation.BoundaryPoints(a), interpolation.BoundaryPoints(b))
}

// WriteReport persists a report as YAML.
func WriteReport(path string, r *Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode QC report: %w", err)
	}
	return fsutil.WriteFile(path, data)
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read QC report: %w", err)
	}
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse QC report %s: %w", path, err)
	}
	return &r, nil
}
