// Package confounds extracts nuisance signals, assembles the confound design
// matrix and regresses it out of a BOLD series.
package confounds

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"boldprep/internal/fsutil"
	"boldprep/internal/models"
	"boldprep/pkg/motion"
)

// Columns are the confound labels in their fixed order
var Columns = []string{
	"WM_signal", "CSF_signal", "global_signal",
	"mov1", "mov2", "mov3",
	"rot1", "rot2", "rot3",
}

// GlobalSignal is the index of the whole-brain trace in Columns
const GlobalSignal = 2

// RegressionError reports inputs the regression engine refuses to process
type RegressionError struct {
	Artifact string
	Reason   string
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("confound regression on %s: %s", e.Artifact, e.Reason)
}

// Matrix is the confound design matrix: one row per volume, one column per
// entry of Columns. It is not modified after construction.
type Matrix struct {
	rows [][]float64
}

// Rows returns the number of volumes.
func (m *Matrix) Rows() int { return len(m.rows) }

// At returns the value of column c at volume t.
func (m *Matrix) At(t, c int) float64 { return m.rows[t][c] }

// Column returns a copy of column c.
func (m *Matrix) Column(c int) []float64 {
	out := make([]float64, len(m.rows))
	for t, row := range m.rows {
		out[t] = row[c]
	}
	return out
}

// ExtractTrace returns, for every volume, the mean intensity of the voxels
// whose mask value is above zero.
func ExtractTrace(series *models.Series, mask *models.Volume, name string) ([]float64, error) {
	if !series.SameGrid(mask.Grid) {
		return nil, &RegressionError{Artifact: name, Reason: "mask grid differs from the series grid"}
	}
	var idx []int
	for i, v := range mask.Data {
		if v > 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, &RegressionError{Artifact: name, Reason: "mask selects zero voxels"}
	}
	trace := make([]float64, series.Len())
	for t, frame := range series.Frames {
		var sum float64
		for _, i := range idx {
			sum += frame[i]
		}
		trace[t] = sum / float64(len(idx))
	}
	return trace, nil
}

// ReadMotionParams parses a motion-parameter table into six columns per
// volume. The header row is discarded.
func ReadMotionParams(path string) ([][6]float64, error) {
	rows, err := motion.ReadTable(path)
	if err != nil {
		return nil, &RegressionError{Artifact: path, Reason: err.Error()}
	}
	return rows, nil
}

// BuildMatrix assembles the nine confound columns. Every trace and the motion
// table must have one row per volume.
func BuildMatrix(wm, csf, global []float64, params [][6]float64) (*Matrix, error) {
	n := len(wm)
	if len(csf) != n || len(global) != n {
		return nil, &RegressionError{
			Artifact: "confound traces",
			Reason:   fmt.Sprintf("trace lengths differ: WM %d, CSF %d, global %d", len(wm), len(csf), len(global)),
		}
	}
	if len(params) != n {
		return nil, &RegressionError{
			Artifact: "motion parameters",
			Reason:   fmt.Sprintf("%d rows for %d volumes", len(params), n),
		}
	}
	rows := make([][]float64, n)
	for t := range rows {
		row := make([]float64, 0, len(Columns))
		row = append(row, wm[t], csf[t], global[t])
		row = append(row, params[t][:]...)
		rows[t] = row
	}
	return &Matrix{rows: rows}, nil
}

// WriteTable persists all nine columns as CSV with a leading unnamed index
// column.
func WriteTable(path string, m *Matrix) error {
	return fsutil.WriteWith(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(append([]string{""}, Columns...)); err != nil {
			return err
		}
		for t, row := range m.rows {
			rec := make([]string, 0, len(row)+1)
			rec = append(rec, strconv.Itoa(t))
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

// ReadTable loads a confound table written by WriteTable, checking its labels.
func ReadTable(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open confound table: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse confound table %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("confound table %s is empty", path)
	}
	header := records[0]
	if len(header) != len(Columns)+1 {
		return nil, fmt.Errorf("confound table %s: expected %d columns, got %d", path, len(Columns)+1, len(header))
	}
	for i, label := range Columns {
		if header[i+1] != label {
			return nil, fmt.Errorf("confound table %s: column %d is %q, expected %q", path, i+1, header[i+1], label)
		}
	}

	rows := make([][]float64, 0, len(records)-1)
	for i, rec := range records[1:] {
		row := make([]float64, len(Columns))
		for j := range row {
			v, err := strconv.ParseFloat(rec[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("confound table %s row %d: %w", path, i+1, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	return &Matrix{rows: rows}, nil
}
