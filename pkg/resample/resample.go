// Package resample applies per-volume transform chains to a series in a
// single interpolation step and merges the results back into a series.
package resample

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"boldprep/internal/models"
	"boldprep/pkg/interpolation"
	"boldprep/pkg/nifti"
	"boldprep/pkg/transform"
)

// TransformError reports a failure while transforming or merging volumes
type TransformError struct {
	Artifact string
	Volume   int
	Reason   string
}

func (e *TransformError) Error() string {
	if e.Volume >= 0 {
		return fmt.Sprintf("transform %s volume %d: %s", e.Artifact, e.Volume, e.Reason)
	}
	return fmt.Sprintf("transform %s: %s", e.Artifact, e.Reason)
}

// Applier is the single-volume transform capability
type Applier interface {
	Apply(vol *models.Volume, chain transform.Chain, ref models.Grid) (*models.Volume, error)
}

// Trilinear resamples with trilinear interpolation
type Trilinear struct{}

// Apply implements Applier.
func (Trilinear) Apply(vol *models.Volume, chain transform.Chain, ref models.Grid) (*models.Volume, error) {
	xfm, err := chain.Compose()
	if err != nil {
		return nil, err
	}
	return interpolation.Resample(vol, ref, xfm, interpolation.Trilinear)
}

// Request describes one per-volume resampling job
type Request struct {
	// Series is the input time series
	Series *models.Series

	// Motion holds one transform per volume; nil means no motion correction
	Motion []models.Affine

	// Chain is shared by every volume and applied before the motion transform
	Chain transform.Chain

	// Reference is the output grid
	Reference models.Grid

	// Threads bounds the number of volumes processed at once
	Threads int

	// Applier defaults to Trilinear
	Applier Applier
}

// ApplyPerVolume resamples every volume t through the chain
// [Motion[t], Chain...] onto the reference grid. Any failure aborts the whole
// request and no volumes are returned.
func ApplyPerVolume(ctx context.Context, req Request) ([]*models.Volume, error) {
	n := req.Series.Len()
	if req.Motion != nil && len(req.Motion) != n {
		return nil, &TransformError{
			Artifact: "motion transforms",
			Volume:   -1,
			Reason:   fmt.Sprintf("%d transforms for %d volumes", len(req.Motion), n),
		}
	}
	applier := req.Applier
	if applier == nil {
		applier = Trilinear{}
	}

	out := make([]*models.Volume, n)
	g, gctx := errgroup.WithContext(ctx)
	if req.Threads > 0 {
		g.SetLimit(req.Threads)
	}
	for t := 0; t < n; t++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			chain := req.Chain
			if req.Motion != nil {
				chain = chain.Prepend(transform.Step{Affine: req.Motion[t]})
			}
			vol, err := applier.Apply(req.Series.Volume(t), chain, req.Reference)
			if err != nil {
				return &TransformError{Artifact: "series", Volume: t, Reason: err.Error()}
			}
			out[t] = vol
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Merge assembles volumes, in temporal order, into a series whose TR and
// volume count come from the header source.
func Merge(vols []*models.Volume, source *nifti.Info) (*models.Series, error) {
	if len(vols) == 0 {
		return nil, &TransformError{Artifact: "merge", Volume: -1, Reason: "no volumes"}
	}
	if len(vols) != source.Frames {
		return nil, &TransformError{
			Artifact: "merge",
			Volume:   -1,
			Reason:   fmt.Sprintf("%d volumes but header source declares %d", len(vols), source.Frames),
		}
	}
	grid := vols[0].Grid
	s := &models.Series{Grid: grid, Frames: make([][]float64, len(vols)), TR: source.TR}
	for t, v := range vols {
		if v == nil || !v.SameGrid(grid) {
			return nil, &TransformError{Artifact: "merge", Volume: t, Reason: "volume is missing or on a different grid"}
		}
		s.Frames[t] = v.Data
	}
	return s, nil
}

// MeanReference returns the temporal mean of a series.
func MeanReference(s *models.Series) *models.Volume {
	ref := models.NewVolume(s.Grid)
	if s.Len() == 0 {
		return ref
	}
	for _, frame := range s.Frames {
		for i, v := range frame {
			ref.Data[i] += v
		}
	}
	scale := 1 / float64(s.Len())
	for i := range ref.Data {
		ref.Data[i] *= scale
	}
	return ref
}
