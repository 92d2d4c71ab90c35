package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crytic/subfork/chain"
	"github.com/crytic/subfork/chain/config"
	"github.com/crytic/subfork/chain/inherent"
	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/state/rpc"
	"github.com/crytic/subfork/chain/txpool"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/cmd/exitcodes"
	"github.com/crytic/subfork/logging"
	"github.com/crytic/subfork/logging/colors"
	"github.com/crytic/subfork/rpcserver"
	"github.com/crytic/subfork/utils"
)

// forkCmd represents the command provider for forking a chain
var forkCmd = &cobra.Command{
	Use:               "fork",
	Short:             "Forks a live chain and serves the fork",
	Long:              `Forks a live chain at a block and serves the fork over JSON-RPC until interrupted`,
	Args:              cmdValidateForkArgs,
	ValidArgsFunction: cmdValidForkArgs,
	RunE:              cmdRunFork,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	// Add all the flags allowed for the fork command
	err := addForkFlags()
	if err != nil {
		cmdLogger.Panic("Failed to initialize the fork command", err)
	}

	// Add the fork command and its associated flags to the root command
	rootCmd.AddCommand(forkCmd)
}

// cmdValidForkArgs will return which flags are valid for dynamic completion for the fork command
func cmdValidForkArgs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return unusedFlags(cmd), cobra.ShellCompDirectiveNoFileComp
}

// cmdValidateForkArgs makes sure that there are no positional arguments provided to the fork command
func cmdValidateForkArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		err = fmt.Errorf("fork does not accept any positional arguments, only flags and their associated values")
		cmdLogger.Error("Failed to validate args to the fork command", err)
		return err
	}
	return nil
}

// cmdRunFork reads the project configuration, applies the flags, forks the origin and serves the fork.
func cmdRunFork(cmd *cobra.Command, args []string) error {
	projectConfig, err := loadProjectConfig(cmd)
	if err != nil {
		cmdLogger.Error("Failed to run the fork command", err)
		return err
	}

	err = updateProjectConfigWithForkFlags(cmd, projectConfig)
	if err != nil {
		cmdLogger.Error("Failed to run the fork command", err)
		return err
	}

	err = projectConfig.Validate()
	if err != nil {
		cmdLogger.Error("Invalid project configuration", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeHandledError)
	}

	logs, closeLogs, err := setupLogging(projectConfig.Logging)
	if err != nil {
		cmdLogger.Error("Failed to set up logging", err)
		return err
	}
	defer closeLogs()

	// Stop serving on keyboard interrupts
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = runFork(ctx, projectConfig, logs)
	if err != nil {
		logging.GlobalLogger.Error("Fork failed", err)
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeForkError)
	}
	return nil
}

// setupLogging replaces the global logger with one configured by the project. Every log line is also kept in a
// buffer served by the RPC server, and written in structured form to a file when a log directory is configured.
func setupLogging(cfg config.LoggingConfig) (*logging.LogBufferWriter, func(), error) {
	if cfg.NoColor {
		colors.DisableColor()
	}
	logging.GlobalLogger = logging.NewLogger(cfg.Level, true)

	logs := logging.NewLogBufferWriter(logBufferCapacity)
	logging.GlobalLogger.AddWriter(logs, logging.UNSTRUCTURED)

	if cfg.LogDirectory == "" {
		return logs, func() {}, nil
	}
	file, err := utils.CreateFile(cfg.LogDirectory, fmt.Sprintf("subfork-%d.log", time.Now().Unix()))
	if err != nil {
		return nil, nil, err
	}
	logging.GlobalLogger.AddWriter(file, logging.STRUCTURED)
	return logs, func() {
		logging.GlobalLogger.RemoveWriter(file)
		_ = file.Close()
	}, nil
}

// runFork forks the origin described by the project configuration and serves the fork until ctx is cancelled.
func runFork(ctx context.Context, projectConfig *config.ProjectConfig, logs *logging.LogBufferWriter) error {
	logger := logging.GlobalLogger.NewSubLogger("module", logging.CLI_SERVICE)

	client, err := rpc.Dial(ctx, projectConfig.Fork.Endpoint, projectConfig.Fork.PoolSize)
	if err != nil {
		return err
	}
	defer client.Close()
	client.Pool().SetRequestTimeout(projectConfig.Fork.Timeout())

	forkHash, forkNumber, err := resolveForkBlock(ctx, client, projectConfig.Fork.Block)
	if err != nil {
		return err
	}

	storageCache := cache.NewNonPersistentCache()
	if projectConfig.Fork.PersistentCache {
		cacheDir, err := utils.ResolveDirectory(projectConfig.Fork.CacheDir)
		if err != nil {
			return err
		}
		if storageCache, err = cache.NewPersistentCache(ctx, cacheDir, projectConfig.Fork.Endpoint, forkNumber); err != nil {
			return err
		}
	}
	defer func() {
		if err := storageCache.Close(); err != nil {
			logger.Warn("Failed to close the storage cache", err)
		}
	}()

	prefetch, err := projectConfig.Fork.PrefetchPrefixes()
	if err != nil {
		return err
	}

	start := time.Now()
	blockchain, err := chain.Fork(ctx, client, storageCache, chain.ForkOptions{
		Prefetch: prefetch,
		At:       chain.AtHash(forkHash),
		Executor: projectConfig.Executor,
		Inherents: inherent.Config{
			SlotDurationOverride: projectConfig.Inherents.SlotDurationOverride,
			RelaySlotDuration:    projectConfig.Inherents.RelaySlotDuration,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		// The executors are released even when ctx is already cancelled.
		if err := blockchain.Close(context.Background()); err != nil {
			logger.Warn("Failed to release the runtime executors", err)
		}
	}()

	if projectConfig.Dev.FundAccounts {
		if err := fundDevAccounts(ctx, blockchain, projectConfig.Dev); err != nil {
			return err
		}
	}

	server, err := rpcserver.NewServer(blockchain, txpool.New(), projectConfig.RpcServer, logs)
	if err != nil {
		return err
	}
	addr, err := server.Listen()
	if err != nil {
		return err
	}

	buffer := logging.NewLogBuffer()
	buffer.Append("Forked ", colors.Bold, blockchain.SystemChain(), colors.Reset, " (", blockchain.ChainName(), ") at block ",
		colors.Bold, forkNumber, colors.Reset, " in ", time.Since(start).Round(time.Millisecond), "\n")
	buffer.Append("\t", colors.Bold, "fork block: ", colors.Reset, colors.Dim, forkHash, colors.Reset, "\n")
	if blockchain.ChainType().IsParachain {
		buffer.Append("\t", colors.Bold, "parachain id: ", colors.Reset, blockchain.ChainType().ParaID, "\n")
	}
	buffer.Append("\t", colors.Bold, "head: ", colors.Reset, blockchain.Head().Number, "\n")
	buffer.Append("\t", colors.Bold, "endpoint: ", colors.Reset, colors.Green, "ws://", addr, colors.Reset)
	logger.Info(buffer.Args()...)

	return server.Serve(ctx)
}

// resolveForkBlock returns the hash and number of the block to fork at. A zero number selects the finalized head.
func resolveForkBlock(ctx context.Context, client *rpc.Client, number uint32) (types.Hash, uint32, error) {
	if number == 0 {
		hash, err := client.FinalizedHead(ctx)
		if err != nil {
			return types.Hash{}, 0, err
		}
		header, err := client.Header(ctx, hash)
		if err != nil {
			return types.Hash{}, 0, err
		}
		if header == nil {
			return types.Hash{}, 0, fmt.Errorf("origin has no header for its finalized head %s", hash)
		}
		return hash, header.Number, nil
	}

	hash, found, err := client.BlockHash(ctx, number)
	if err != nil {
		return types.Hash{}, 0, err
	}
	if !found {
		return types.Hash{}, 0, fmt.Errorf("origin has no block %d", number)
	}
	return hash, number, nil
}

// fundDevAccounts gives every development account the configured balance in a new block.
func fundDevAccounts(ctx context.Context, blockchain *chain.Blockchain, dev config.DevConfig) error {
	properties, err := blockchain.Properties(ctx)
	if err != nil {
		return err
	}
	decimals, err := tokenDecimals(properties)
	if err != nil {
		return err
	}
	balance, err := dev.BalanceIn(decimals)
	if err != nil {
		return err
	}
	block, err := blockchain.FundDevAccounts(ctx, balance)
	if err != nil {
		return fmt.Errorf("failed to fund the development accounts: %w", err)
	}
	logging.GlobalLogger.Info("Funded the development accounts with ", dev.Balance, " tokens in block ", block.Number)
	return nil
}
