package confounds

import (
	"context"
	"fmt"

	"boldprep/internal/logging"
	"boldprep/internal/models"
	"boldprep/pkg/nifti"
)

// Inputs names the files a cleaning run reads
type Inputs struct {
	// SeriesPath is the resampled BOLD series
	SeriesPath string

	// BrainPath is the brain mask on the series grid
	BrainPath string

	// TablePath reuses an existing confound table. When empty the table is
	// built from MovparPath, WMPath and CSFPath.
	TablePath string

	MovparPath string
	WMPath     string
	CSFPath    string
}

// Outputs names the files a cleaning run wrote
type Outputs struct {
	// TablePath is empty when the table was reused
	TablePath   string
	CleanedPath string
}

// Run cleans a series stored on disk. Every input is read and validated, and
// the regression completes, before anything is written: when Run fails
// neither tablePath nor cleanedPath exists afterwards.
func Run(ctx context.Context, in Inputs, opts Options, tablePath, cleanedPath string) (*Outputs, error) {
	logger := logging.FromContext(ctx)

	series, err := nifti.ReadSeries(in.SeriesPath)
	if err != nil {
		return nil, fmt.Errorf("read series: %w", err)
	}
	if opts.TR <= 0 {
		opts.TR = series.TR
	}
	brain, err := readMask(in.BrainPath, "brain mask")
	if err != nil {
		return nil, err
	}
	stripped, err := Skullstrip(series, brain)
	if err != nil {
		return nil, err
	}

	var m *Matrix
	built := in.TablePath == ""
	if built {
		m, err = buildFromFiles(stripped, brain, in)
	} else {
		m, err = ReadTable(in.TablePath)
		if err != nil {
			err = &RegressionError{Artifact: in.TablePath, Reason: err.Error()}
		}
	}
	if err != nil {
		return nil, err
	}

	cleaned, err := Regress(ctx, stripped, m, opts)
	if err != nil {
		return nil, err
	}
	logger.Debug("confounds regressed",
		"volumes", cleaned.Len(),
		"gsr", opts.GSR,
		"columns", len(SelectColumns(opts.GSR)))

	out := &Outputs{CleanedPath: cleanedPath}
	if built {
		if err := WriteTable(tablePath, m); err != nil {
			return nil, fmt.Errorf("write confound table: %w", err)
		}
		out.TablePath = tablePath
	}
	if err := nifti.WriteSeries(cleanedPath, cleaned); err != nil {
		return nil, fmt.Errorf("write cleaned series: %w", err)
	}
	return out, nil
}

func buildFromFiles(series *models.Series, brain *models.Volume, in Inputs) (*Matrix, error) {
	wmMask, err := readMask(in.WMPath, "WM mask")
	if err != nil {
		return nil, err
	}
	csfMask, err := readMask(in.CSFPath, "CSF mask")
	if err != nil {
		return nil, err
	}
	wm, err := ExtractTrace(series, wmMask, "WM mask")
	if err != nil {
		return nil, err
	}
	csf, err := ExtractTrace(series, csfMask, "CSF mask")
	if err != nil {
		return nil, err
	}
	global, err := ExtractTrace(series, brain, "brain mask")
	if err != nil {
		return nil, err
	}
	params, err := ReadMotionParams(in.MovparPath)
	if err != nil {
		return nil, err
	}
	return BuildMatrix(wm, csf, global, params)
}

func readMask(path, name string) (*models.Volume, error) {
	v, err := nifti.ReadVolume(path)
	if err != nil {
		return nil, &RegressionError{Artifact: name, Reason: err.Error()}
	}
	return v, nil
}
