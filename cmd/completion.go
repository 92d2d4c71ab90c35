package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// completionCmd represents the completion command
var completionCmd = &cobra.Command{
	Use:       "completion [bash|zsh|fish]",
	ValidArgs: []string{"bash", "zsh", "fish"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Short:     "Generate shell completion code for the specified shell (bash, zsh or fish)",
	Long: `To load completions:

Bash:

  $ source <(subfork completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ subfork completion bash > /etc/bash_completion.d/subfork
  # macOS:
  $ subfork completion bash > $(brew --prefix)/etc/bash_completion.d/subfork

Zsh:

  $ subfork completion zsh > "${fpath[1]}/_subfork"

Fish:

  $ subfork completion fish > ~/.config/fish/completions/subfork.fish`,
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		switch args[0] {
		case "bash":
			err = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		}
		if err != nil {
			fmt.Printf("Error: Unable to generate a %s completion", args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
