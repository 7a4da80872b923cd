// Package config provides configuration loading and management for boldprep.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"

	"gopkg.in/yaml.v3"

	"boldprep/internal/fsutil"
)

// Resampling spaces
const (
	SpaceNative = "native"
	SpaceAnat   = "anat"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers bounds the number of stages running at once
		Workers int `yaml:"workers"`

		// Threads is the per-stage thread budget used by per-volume stages
		Threads int `yaml:"threads"`

		// TR overrides the sampling interval in seconds; zero uses the header
		TR float64 `yaml:"tr"`

		// SliceOrder is the acquisition order for slice timing correction:
		// ascending, descending or interleaved
		SliceOrder string `yaml:"sliceOrder"`
	} `yaml:"processing"`

	// Optional pipeline stages
	Flags struct {
		ApplySTC    bool `yaml:"applySTC"`
		ApplyGSR    bool `yaml:"applyGSR"`
		UseSyN      bool `yaml:"useSyN"`
		IterativeN4 bool `yaml:"iterativeN4"`
	} `yaml:"flags"`

	// Resampling parameters
	Resampling struct {
		// Space is native (keep the EPI grid) or anat (resample to the
		// anatomical grid)
		Space string `yaml:"space"`
	} `yaml:"resampling"`

	// Confound regression parameters
	Confounds struct {
		// HighPass is the high-pass cutoff in Hz; zero disables filtering
		HighPass float64 `yaml:"highPass"`

		// SmoothingFWHM is the Gaussian smoothing width in mm
		SmoothingFWHM float64 `yaml:"smoothingFWHM"`
	} `yaml:"confounds"`

	// Anatomical template assets
	Templates struct {
		Anat   string `yaml:"anat"`
		Mask   string `yaml:"mask"`
		WM     string `yaml:"wm"`
		CSF    string `yaml:"csf"`
		Labels string `yaml:"labels"`
	} `yaml:"templates"`

	// Output parameters
	Output struct {
		// WorkDir is the root under which every stage writes its artifacts
		WorkDir string `yaml:"workDir"`

		// Snapshots writes JPEG mid-slices of the resampled reference
		Snapshots bool `yaml:"snapshots"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Run journal parameters
	Journal struct {
		// Path of the SQLite journal; empty disables journaling
		Path string `yaml:"path"`
	} `yaml:"journal"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Threads = 4
	cfg.Processing.TR = 0
	cfg.Processing.SliceOrder = "ascending"

	cfg.Flags.ApplySTC = true

	cfg.Resampling.Space = SpaceNative

	cfg.Confounds.HighPass = 0.01
	cfg.Confounds.SmoothingFWHM = 6

	cfg.Output.WorkDir = "work"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Journal.Path = "boldprep.db"

	return cfg
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.Workers < 1 {
		errs = append(errs, fmt.Errorf("processing.workers must be positive, got %d", c.Processing.Workers))
	}
	if c.Processing.Threads < 1 {
		errs = append(errs, fmt.Errorf("processing.threads must be positive, got %d", c.Processing.Threads))
	}
	if c.Processing.TR < 0 {
		errs = append(errs, fmt.Errorf("processing.tr must not be negative, got %g", c.Processing.TR))
	}
	switch c.Processing.SliceOrder {
	case "ascending", "descending", "interleaved":
	default:
		errs = append(errs, fmt.Errorf("processing.sliceOrder %q is not ascending, descending or interleaved", c.Processing.SliceOrder))
	}
	switch c.Resampling.Space {
	case SpaceNative, SpaceAnat:
	default:
		errs = append(errs, fmt.Errorf("resampling.space %q is not %s or %s", c.Resampling.Space, SpaceNative, SpaceAnat))
	}
	if c.Confounds.HighPass < 0 {
		errs = append(errs, fmt.Errorf("confounds.highPass must not be negative, got %g", c.Confounds.HighPass))
	}
	if c.Confounds.SmoothingFWHM < 0 {
		errs = append(errs, fmt.Errorf("confounds.smoothingFWHM must not be negative, got %g", c.Confounds.SmoothingFWHM))
	}
	if c.Output.WorkDir == "" {
		errs = append(errs, errors.New("output.workDir must be set"))
	}
	return errors.Join(errs...)
}

// TemplateProblems lists the template assets that are unset
func (c *Config) TemplateProblems() []string {
	var missing []string
	for name, path := range map[string]string{
		"templates.anat":   c.Templates.Anat,
		"templates.mask":   c.Templates.Mask,
		"templates.wm":     c.Templates.WM,
		"templates.csf":    c.Templates.CSF,
		"templates.labels": c.Templates.Labels,
	} {
		if path == "" {
			missing = append(missing, name+" is not set")
		}
	}
	sort.Strings(missing)
	return missing
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := fsutil.WriteFile(configPath, data); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
