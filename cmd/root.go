package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/crytic/subfork/logging"
)

var rootCmd = &cobra.Command{
	Use:   "subfork",
	Short: "A local fork of a live Substrate chain",
	Long:  "subfork forks a live Substrate chain at a block and serves the fork over JSON-RPC, building blocks on demand",
}

// cmdLogger is the logger used by the commands before the project configuration is known.
var cmdLogger = logging.NewLogger(zerolog.InfoLevel, true).NewSubLogger("module", logging.CLI_SERVICE)

func Execute() error {
	return rootCmd.Execute()
}
