package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boldprep/internal/models"
	"boldprep/pkg/config"
	"boldprep/pkg/nifti"
)

// execute runs the root command with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func writeConfig(t *testing.T, edit func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	if edit != nil {
		edit(cfg)
	}
	path := filepath.Join(dir, "boldprep.yaml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return path
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boldprep.yaml")
	out, err := execute(t, "init-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	loaded, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.SpaceNative, loaded.Resampling.Space)

	_, err = execute(t, "init-config", path)
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(t, "init-config", "--force", path)
	assert.NoError(t, err)
}

func TestGraphListsOptionalStages(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) {
		c.Flags.ApplyGSR = true
		c.Flags.ApplySTC = false
	})
	out, err := execute(t, "--config", path, "graph")
	require.NoError(t, err)
	assert.Contains(t, out, "main_wf.bold_hmc_wf.motion_estimation")
	assert.Contains(t, out, "main_wf.bold_confs_wf.GSR_confound_regression")
	assert.NotContains(t, out, "bold_stc_wf")
}

func TestGraphRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, func(c *config.Config) { c.Resampling.Space = "mni" })
	_, err := execute(t, "--config", path, "graph")
	assert.ErrorContains(t, err, "resampling.space")
}

func TestEstimate(t *testing.T) {
	dir := t.TempDir()
	bold := filepath.Join(dir, "bold.nii")
	grid := models.NewGrid([3]int{8, 8, 8}, [3]float64{2, 2, 2})
	require.NoError(t, nifti.WriteSeries(bold, models.NewSeries(grid, 120, 2)))

	out, err := execute(t, "--config", writeConfig(t, nil), "estimate", bold)
	require.NoError(t, err)
	assert.Contains(t, out, "large memory")
	assert.Contains(t, out, "120")
}

func TestHistoryEmptyJournal(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t, nil), "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")
}

func TestRunMissingTemplatesIsRecorded(t *testing.T) {
	dir := t.TempDir()
	bold := filepath.Join(dir, "bold.nii.gz")
	grid := models.NewGrid([3]int{4, 4, 4}, [3]float64{2, 2, 2})
	require.NoError(t, nifti.WriteSeries(bold, models.NewSeries(grid, 10, 2)))
	path := writeConfig(t, func(c *config.Config) { c.Output.WorkDir = filepath.Join(dir, "work") })

	_, err := execute(t, "--config", path, "run", bold)
	require.ErrorContains(t, err, "templates.anat is not set")

	out, err := execute(t, "--config", path, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")

	_, err = os.Stat(filepath.Join(dir, "work"))
	assert.True(t, os.IsNotExist(err))
}
