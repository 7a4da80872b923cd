// Package cli implements the boldprep command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"boldprep/internal/logging"
	"boldprep/pkg/config"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    *config.Config
	logger *slog.Logger
)

// NewRootCmd creates the root cobra command for the boldprep CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "boldprep",
		Short: "Preprocess BOLD fMRI series",
		Long: "boldprep runs a BOLD preprocessing workflow: reference extraction, bias correction, " +
			"head motion and slice timing correction, registration, one-shot resampling, " +
			"confound regression and quality control.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig(flagConfig)
			if err != nil {
				return err
			}
			cfg = loaded
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format = flagLogFormat
			}
			if flagDebug {
				cfg.Logging.Level = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "boldprep.yaml", "Configuration file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newGraphCmd(),
		newEstimateCmd(),
		newInitConfigCmd(),
		newHistoryCmd(),
	)

	return root
}
