package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crytic/subfork/version"
)

// versionCmd prints the build information, including the version reported through system_version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build information",
	Long: `Print detailed version and build information for subfork.

This includes the semantic version, git commit hash, build timestamp,
the node version served by system_version and the Go version used to compile the binary.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), version.GetInfo().String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	// Enables the --version flag on the root command
	rootCmd.Version = version.GetInfo().Short()
}
