package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/crytic/subfork/chain/config"
	"github.com/crytic/subfork/logging/colors"
)

// unusedFlags returns the flags of a command that have not been set yet, for dynamic completion.
func unusedFlags(cmd *cobra.Command) []string {
	var flags []string
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			// The "--" prefix marks them as flags rather than positional arguments.
			flags = append(flags, "--"+flag.Name)
		}
	})
	return flags
}

// loadProjectConfig resolves the project configuration of a command:
// #1: If --config was used, the file it names is read and must exist.
// #2: Otherwise subfork.json is read from the working directory when it exists.
// #3: Otherwise the default project configuration is used.
func loadProjectConfig(cmd *cobra.Command) (*config.ProjectConfig, error) {
	configFlagUsed := cmd.Flags().Changed("config")
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	if !configFlagUsed {
		workingDirectory, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(workingDirectory, DefaultProjectConfigFilename)
	}

	_, existenceError := os.Stat(configPath)
	switch {
	case existenceError == nil:
		cmdLogger.Info("Reading the configuration file at: ", colors.Bold, configPath, colors.Reset)
		return config.ReadProjectConfigFromFile(configPath)
	case configFlagUsed:
		return nil, existenceError
	default:
		cmdLogger.Info(fmt.Sprintf("Unable to find the config file at %v, using the default project configuration", configPath))
		return config.GetDefaultProjectConfig(), nil
	}
}

// tokenDecimals reads the decimals of the native token from chain properties. Chains with several tokens report a
// list, whose first entry is the native token. It returns zero when the property is missing.
func tokenDecimals(properties map[string]any) (int32, error) {
	value, ok := properties["tokenDecimals"]
	if !ok {
		return 0, nil
	}
	if list, ok := value.([]any); ok {
		if len(list) == 0 {
			return 0, nil
		}
		value = list[0]
	}
	switch v := value.(type) {
	case float64:
		if v < 0 || v > 255 || v != float64(int32(v)) {
			return 0, fmt.Errorf("invalid token decimals %v", v)
		}
		return int32(v), nil
	case int:
		if v < 0 || v > 255 {
			return 0, fmt.Errorf("invalid token decimals %v", v)
		}
		return int32(v), nil
	}
	return 0, fmt.Errorf("invalid token decimals %v", value)
}
