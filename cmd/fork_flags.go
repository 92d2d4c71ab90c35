package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/crytic/subfork/chain/config"
	"github.com/crytic/subfork/chain/runtime"
)

// addForkFlags adds the various flags for the fork command
func addForkFlags() error {
	defaultConfig := config.GetDefaultProjectConfig()

	// Prevent alphabetical sorting of usage message
	forkCmd.Flags().SortFlags = false

	// Config file
	forkCmd.Flags().String("config", "", "path to config file")

	// Origin
	forkCmd.Flags().StringP("endpoint", "e", "", "HTTP or WebSocket endpoint of an origin node")
	forkCmd.Flags().Uint32("block", 0, "block number to fork at (default is the finalized head of the origin)")
	forkCmd.Flags().Uint("pool-size", 0,
		fmt.Sprintf("number of connections to the origin (unless a config file is provided, default is %d)", defaultConfig.Fork.PoolSize))
	forkCmd.Flags().Int("timeout", 0,
		fmt.Sprintf("number of seconds a request to the origin may take (unless a config file is provided, default is %d). 0 disables the timeout", defaultConfig.Fork.RequestTimeout))

	// Cache
	forkCmd.Flags().String("cache-dir", "", "directory the storage cache is kept in (default is the working directory)")
	forkCmd.Flags().Bool("no-cache", false, "keep storage fetched from the origin in memory only")
	forkCmd.Flags().StringSlice("prefetch", nil, "storage prefixes to load in the background, as Pallet.Item names or hex prefixes")

	// Server
	forkCmd.Flags().String("address", "",
		fmt.Sprintf("interface the server listens on (unless a config file is provided, default is %s)", defaultConfig.RpcServer.Address))
	forkCmd.Flags().Uint16P("port", "p", 0,
		fmt.Sprintf("port the server listens on (unless a config file is provided, default is %d)", defaultConfig.RpcServer.Port))
	forkCmd.Flags().Bool("instant-seal", false, "build a block as soon as an extrinsic is submitted")

	// Runtime
	forkCmd.Flags().String("signature-mock", "",
		fmt.Sprintf("signature verification mode, one of %s, %s or %s", runtime.SignatureMockNone, runtime.SignatureMockMagic, runtime.SignatureMockAlwaysValid))

	// Dev accounts
	forkCmd.Flags().Bool("fund-accounts", false, "give every development account a balance after forking")
	forkCmd.Flags().String("dev-balance", "",
		fmt.Sprintf("balance of funded development accounts in whole tokens (unless a config file is provided, default is %s)", defaultConfig.Dev.Balance))

	// Logging
	forkCmd.Flags().String("log-level", "", "log level, one of trace, debug, info, warn or error")
	forkCmd.Flags().String("log-dir", "", "directory structured log files are written to")
	forkCmd.Flags().Bool("no-color", false, "disable colored console output")
	return nil
}

// updateProjectConfigWithForkFlags will update the given projectConfig with any CLI arguments that were provided to the fork command
func updateProjectConfigWithForkFlags(cmd *cobra.Command, projectConfig *config.ProjectConfig) error {
	var err error
	flags := cmd.Flags()

	if flags.Changed("endpoint") {
		if projectConfig.Fork.Endpoint, err = flags.GetString("endpoint"); err != nil {
			return err
		}
	}
	if flags.Changed("block") {
		if projectConfig.Fork.Block, err = flags.GetUint32("block"); err != nil {
			return err
		}
	}
	if flags.Changed("pool-size") {
		if projectConfig.Fork.PoolSize, err = flags.GetUint("pool-size"); err != nil {
			return err
		}
	}
	if flags.Changed("timeout") {
		if projectConfig.Fork.RequestTimeout, err = flags.GetInt("timeout"); err != nil {
			return err
		}
	}
	if flags.Changed("cache-dir") {
		if projectConfig.Fork.CacheDir, err = flags.GetString("cache-dir"); err != nil {
			return err
		}
	}
	if flags.Changed("no-cache") {
		noCache, err := flags.GetBool("no-cache")
		if err != nil {
			return err
		}
		projectConfig.Fork.PersistentCache = !noCache
	}
	if flags.Changed("prefetch") {
		if projectConfig.Fork.Prefetch, err = flags.GetStringSlice("prefetch"); err != nil {
			return err
		}
	}

	if flags.Changed("address") {
		if projectConfig.RpcServer.Address, err = flags.GetString("address"); err != nil {
			return err
		}
	}
	if flags.Changed("port") {
		if projectConfig.RpcServer.Port, err = flags.GetUint16("port"); err != nil {
			return err
		}
	}
	if flags.Changed("instant-seal") {
		if projectConfig.RpcServer.InstantSeal, err = flags.GetBool("instant-seal"); err != nil {
			return err
		}
	}

	if flags.Changed("signature-mock") {
		mode, err := flags.GetString("signature-mock")
		if err != nil {
			return err
		}
		projectConfig.Executor.SignatureMock = runtime.SignatureMockMode(mode)
	}

	if flags.Changed("fund-accounts") {
		if projectConfig.Dev.FundAccounts, err = flags.GetBool("fund-accounts"); err != nil {
			return err
		}
	}
	if flags.Changed("dev-balance") {
		raw, err := flags.GetString("dev-balance")
		if err != nil {
			return err
		}
		if projectConfig.Dev.Balance, err = decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("invalid dev balance %q: %w", raw, err)
		}
	}

	if flags.Changed("log-level") {
		raw, err := flags.GetString("log-level")
		if err != nil {
			return err
		}
		if projectConfig.Logging.Level, err = zerolog.ParseLevel(raw); err != nil {
			return err
		}
	}
	if flags.Changed("log-dir") {
		if projectConfig.Logging.LogDirectory, err = flags.GetString("log-dir"); err != nil {
			return err
		}
	}
	if flags.Changed("no-color") {
		if projectConfig.Logging.NoColor, err = flags.GetBool("no-color"); err != nil {
			return err
		}
	}
	return nil
}
