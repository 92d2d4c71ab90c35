package cmd

import (
	"github.com/spf13/cobra"

	"github.com/crytic/subfork/chain/config"
)

// addInitFlags adds the various flags for the init command
func addInitFlags() error {
	// Output path for configuration
	initCmd.Flags().String("out", "", "output path for the new project configuration file")

	// Origin endpoint
	initCmd.Flags().StringP("endpoint", "e", "", "HTTP or WebSocket endpoint of an origin node")

	// Overwrite without asking
	initCmd.Flags().Bool("force", false, "overwrite an existing configuration file without asking")

	return nil
}

// updateProjectConfigWithInitFlags will update the given projectConfig with any CLI arguments that were provided to the init command
func updateProjectConfigWithInitFlags(cmd *cobra.Command, projectConfig *config.ProjectConfig) error {
	if cmd.Flags().Changed("endpoint") {
		endpoint, err := cmd.Flags().GetString("endpoint")
		if err != nil {
			return err
		}
		projectConfig.Fork.Endpoint = endpoint
	}
	return nil
}
