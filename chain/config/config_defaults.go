package config

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/crytic/subfork/chain/runtime"
)

// DefaultConfigFile is the name of the project configuration file looked up in the working directory.
const DefaultConfigFile = "subfork.json"

// GetDefaultProjectConfig obtains a default configuration for a project. The origin endpoint is left empty.
func GetDefaultProjectConfig() *ProjectConfig {
	return &ProjectConfig{
		Fork: ForkConfig{
			Endpoint:        "",
			Block:           0,
			PoolSize:        4,
			RequestTimeout:  60,
			CacheDir:        "",
			PersistentCache: true,
			Prefetch:        []string{},
		},
		Executor: runtime.DefaultExecutorConfig(),
		Inherents: InherentsConfig{
			SlotDurationOverride: 0,
			RelaySlotDuration:    0,
		},
		RpcServer: RpcServerConfig{
			Address:        "127.0.0.1",
			Port:           8000,
			MaxConnections: 100,
			InstantSeal:    false,
		},
		Dev: DevConfig{
			FundAccounts: false,
			Balance:      decimal.NewFromInt(1_000_000),
		},
		Logging: LoggingConfig{
			Level:        zerolog.InfoLevel,
			LogDirectory: "",
			NoColor:      false,
		},
	}
}
