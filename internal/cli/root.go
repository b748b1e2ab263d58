// Package cli is the chartpull command tree. Commands parse flags into
// the option structs of the pipeline packages, open the workspace, run
// the requested phases under a status display and map failures to the
// documented exit codes via the supervisor.
package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/chartpull-cli/internal/config"
	"github.com/custodia-labs/chartpull-cli/internal/logger"
)

const appName = "chartpull"

// version is stamped by the release build via -ldflags.
var version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Export clinical data from a FHIR R4 server",
	Long: `chartpull pulls a cohort's clinical record out of a FHIR R4 server and
maintains it as NDJSON files in a local export folder. Runs are
incremental and resumable: an interrupted export picks up where it left
off, and a later run with --since=auto fetches only what changed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		logger.SetVerbose(verbose)
		if configPath != "" {
			if err := config.Apply(cmd, configPath); err != nil {
				return err
			}
			// The file may have switched verbose on.
			logger.SetVerbose(verbose)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML file with default flag values")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log requests and decisions to stderr")
}

// Execute runs the command line. The context carries cancellation from
// the signal handler in main.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
