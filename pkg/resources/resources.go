// Package resources derives advisory memory budgets for pipeline stages from
// the size and length of the input series.
package resources

import (
	"fmt"
	"math"
	"os"

	"github.com/dustin/go-humanize"

	"boldprep/pkg/nifti"
)

// MinMemGB is the budget given to stages without an estimate of their own
const MinMemGB = 0.01

const bytesPerGB = 1 << 30

// Estimate holds the memory hints derived from one input series
type Estimate struct {
	// SeriesLength is the number of volumes in the series
	SeriesLength int

	// FileSizeGB is the on-disk size of the series
	FileSizeGB float64

	// ResampledGB budgets the per-volume transform and merge
	ResampledGB float64

	// LargeMemGB budgets the stages that hold the whole series as a matrix
	LargeMemGB float64
}

// FromSize computes the estimate for a series of size bytes with length volumes.
// Every budget is non-decreasing in size, and a series shorter than 100 volumes
// is budgeted as if it had 100.
func FromSize(size int64, length int) Estimate {
	gb := float64(size) / bytesPerGB
	return Estimate{
		SeriesLength: length,
		FileSizeGB:   gb,
		ResampledGB:  4 * gb,
		LargeMemGB:   gb * (math.Max(float64(length)/100, 1) + 4),
	}
}

// FromFile stats and probes a series file.
func FromFile(path string) (Estimate, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Estimate{}, fmt.Errorf("stat series: %w", err)
	}
	info, err := nifti.Probe(path)
	if err != nil {
		return Estimate{}, err
	}
	return FromSize(st.Size(), info.Frames), nil
}

// Budget returns gb, or MinMemGB when gb is smaller.
func Budget(gb float64) float64 {
	return math.Max(gb, MinMemGB)
}

// String formats the estimate for humans.
func (e Estimate) String() string {
	return fmt.Sprintf("%d volumes, file %s, resampled %s, large-memory %s",
		e.SeriesLength, bytes(e.FileSizeGB), bytes(e.ResampledGB), bytes(e.LargeMemGB))
}

func bytes(gb float64) string {
	return humanize.IBytes(uint64(gb * bytesPerGB))
}
