// Package motion estimates head motion: one rigid transform per volume of a
// series, aligning it to a reference volume, plus the table of rigid
// parameters.
package motion

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/sync/errgroup"

	"boldprep/internal/fsutil"
	"boldprep/internal/models"
	"boldprep/pkg/registration"
)

// EstimationError reports inputs or outputs that violate the estimator contract
type EstimationError struct {
	Artifact string
	Reason   string
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("motion estimation on %s: %s", e.Artifact, e.Reason)
}

// Options controls an estimation
type Options struct {
	// Discard is the number of leading volumes left out of the parameter table
	Discard int

	// Threads bounds the number of volumes aligned concurrently
	Threads int

	// Registration tunes the per-volume rigid alignment
	Registration registration.Options
}

// Result holds one transform per volume, in temporal order, and one row of
// parameters per retained volume
type Result struct {
	// Transforms map reference points to points of each volume
	Transforms []models.Affine

	// Params rows are [tx, ty, tz, rx, ry, rz] for volumes Discard..N-1
	Params [][6]float64

	// Discard is the number of volumes without a parameter row
	Discard int
}

// Check verifies that the transform collection and the table describe the
// same volumes.
func (r *Result) Check() error {
	if len(r.Transforms)-r.Discard != len(r.Params) {
		return &EstimationError{
			Artifact: "parameter table",
			Reason:   fmt.Sprintf("%d transforms minus %d discarded but %d table rows", len(r.Transforms), r.Discard, len(r.Params)),
		}
	}
	return nil
}

// Estimator is the rigid motion-estimation capability. Callers verify the
// result with Check.
type Estimator interface {
	Estimate(ctx context.Context, series *models.Series, ref *models.Volume, opts Options) (*Result, error)
}

// Rigid aligns each volume to the reference with registration.Align
type Rigid struct{}

// Estimate implements Estimator.
func (Rigid) Estimate(ctx context.Context, series *models.Series, ref *models.Volume, opts Options) (*Result, error) {
	n := series.Len()
	if n < 2 {
		return nil, &EstimationError{Artifact: "series", Reason: fmt.Sprintf("need at least 2 volumes, got %d", n)}
	}
	if !series.SameGrid(ref.Grid) {
		return nil, &EstimationError{Artifact: "reference", Reason: "reference grid differs from the series grid"}
	}
	if opts.Discard < 0 || opts.Discard >= n {
		return nil, &EstimationError{Artifact: "series", Reason: fmt.Sprintf("cannot discard %d of %d volumes", opts.Discard, n)}
	}
	if opts.Registration.MaxEvaluations == 0 {
		opts.Registration = registration.DefaultOptions()
	}

	params := make([][6]float64, n)
	xfms := make([]models.Affine, n)

	g, gctx := errgroup.WithContext(ctx)
	if opts.Threads > 0 {
		g.SetLimit(opts.Threads)
	}
	for t := 0; t < n; t++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := registration.Align(ref, series.Volume(t), registration.SSD, opts.Registration)
			if err != nil {
				return &EstimationError{Artifact: fmt.Sprintf("volume %d", t), Reason: err.Error()}
			}
			params[t] = res.Params
			xfms[t] = res.Affine
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Result{Transforms: xfms, Params: params[opts.Discard:], Discard: opts.Discard}, nil
}

// Estimate runs the default Rigid estimator.
func Estimate(ctx context.Context, series *models.Series, ref *models.Volume, opts Options) (*Result, error) {
	return Rigid{}.Estimate(ctx, series, ref, opts)
}

// tableHeader is the header row of a parameter table: the volume index
// followed by six unnamed parameter columns
var tableHeader = []string{"volume", "0", "1", "2", "3", "4", "5"}

// WriteTable writes the parameter rows of res as CSV.
func WriteTable(path string, res *Result) error {
	return fsutil.WriteWith(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(tableHeader); err != nil {
			return err
		}
		for i, row := range res.Params {
			rec := make([]string, 0, 7)
			rec = append(rec, strconv.Itoa(res.Discard+i))
			for _, v := range row {
				rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// ReadTable reads a parameter table. The header row is discarded and the last
// six fields of each row are taken as the parameters, so tables carrying
// extra leading columns parse as well.
func ReadTable(path string) ([][6]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open motion table: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse motion table %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("motion table %s is empty", path)
	}

	rows := make([][6]float64, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) < 6 {
			return nil, fmt.Errorf("motion table %s row %d: expected at least 6 fields, got %d", path, i+1, len(rec))
		}
		var row [6]float64
		for j, field := range rec[len(rec)-6:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("motion table %s row %d: %w", path, i+1, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
