package config

import (
	"encoding/json"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/types"
)

// ProjectConfig describes a fork: where it comes from, how its runtime is executed and how it is served.
type ProjectConfig struct {
	// Fork describes the origin chain and the block to fork at.
	Fork ForkConfig `json:"fork"`

	// Executor describes how runtime calls are executed.
	Executor runtime.ExecutorConfig `json:"executor"`

	// Inherents describes the inherents added to every block.
	Inherents InherentsConfig `json:"inherents"`

	// RpcServer describes the JSON-RPC server the fork is served on.
	RpcServer RpcServerConfig `json:"rpcServer"`

	// Dev describes development conveniences applied after forking.
	Dev DevConfig `json:"dev"`

	// Logging describes the configuration used for logging
	Logging LoggingConfig `json:"logging"`
}

// ForkConfig describes the origin chain.
type ForkConfig struct {
	// Endpoint is the HTTP or WebSocket JSON-RPC endpoint of an origin node.
	Endpoint string `json:"endpoint"`

	// Block is the block number to fork at. A zero value forks at the finalized head of the origin.
	Block uint32 `json:"block"`

	// PoolSize is the number of connections opened to the endpoint.
	PoolSize uint `json:"poolSize"`

	// RequestTimeout is the time in seconds a single request to the origin may take. Zero disables the timeout.
	RequestTimeout int `json:"requestTimeout"`

	// CacheDir is the directory the persistent storage cache is kept in. An empty value selects the working
	// directory.
	CacheDir string `json:"cacheDir"`

	// PersistentCache describes whether storage fetched from the origin is kept on disk between runs.
	PersistentCache bool `json:"persistentCache"`

	// Prefetch lists storage prefixes loaded into the cache in the background after forking. Each entry is either a
	// "Pallet.Item" name or a 0x-prefixed hex key prefix.
	Prefetch []string `json:"prefetch"`
}

// PrefetchPrefixes resolves Prefetch to raw storage key prefixes.
func (f ForkConfig) PrefetchPrefixes() ([][]byte, error) {
	prefixes := make([][]byte, 0, len(f.Prefetch))
	for _, entry := range f.Prefetch {
		if strings.HasPrefix(entry, "0x") {
			prefix, err := hexutil.Decode(entry)
			if err != nil {
				return nil, errors.Wrapf(err, "malformed prefetch prefix %q", entry)
			}
			prefixes = append(prefixes, prefix)
			continue
		}
		pallet, item, found := strings.Cut(entry, ".")
		if !found || pallet == "" || item == "" {
			return nil, errors.Errorf("prefetch entry %q is neither Pallet.Item nor a hex prefix", entry)
		}
		prefixes = append(prefixes, types.PlainStorageKey(pallet, item))
	}
	return prefixes, nil
}

// Timeout returns RequestTimeout as a duration.
func (f ForkConfig) Timeout() time.Duration {
	return time.Duration(f.RequestTimeout) * time.Second
}

// InherentsConfig describes the inherents added to every block.
type InherentsConfig struct {
	// SlotDurationOverride replaces the slot duration detected from the runtime, in milliseconds. Zero keeps the
	// detected one.
	SlotDurationOverride uint64 `json:"slotDurationOverride"`

	// RelaySlotDuration is the slot duration of the relay chain of a parachain, in milliseconds.
	RelaySlotDuration uint64 `json:"relaySlotDuration"`
}

// RpcServerConfig describes the JSON-RPC server.
type RpcServerConfig struct {
	// Address is the interface the server listens on.
	Address string `json:"address"`

	// Port is the port the server listens on.
	Port uint16 `json:"port"`

	// MaxConnections limits the number of connections served at once.
	MaxConnections int `json:"maxConnections"`

	// InstantSeal builds a block right after every submitted extrinsic instead of waiting for dev_newBlock.
	InstantSeal bool `json:"instantSeal"`
}

// DevConfig describes development conveniences.
type DevConfig struct {
	// FundAccounts describes whether the development accounts are given Balance right after forking.
	FundAccounts bool `json:"fundAccounts"`

	// Balance is the free balance given to every development account, in whole tokens.
	Balance decimal.Decimal `json:"balance"`
}

// BalanceIn converts Balance to the smallest unit of a token with the given number of decimals.
func (d DevConfig) BalanceIn(decimals int32) (*uint256.Int, error) {
	if d.Balance.IsNegative() {
		return nil, errors.Errorf("dev balance %s is negative", d.Balance)
	}
	units := d.Balance.Shift(decimals).Truncate(0)
	balance, overflow := uint256.FromBig(units.BigInt())
	if overflow {
		return nil, errors.Errorf("dev balance %s does not fit 256 bits", d.Balance)
	}
	return balance, nil
}

// LoggingConfig describes the configuration options used for logging
type LoggingConfig struct {
	// Level describes whether logs of certain severity levels (eg info, warning, etc.) will be emitted or discarded.
	// Increasing level values represent more severe logs
	Level zerolog.Level `json:"level"`

	// LogDirectory describes the directory where structured log _files_ will be outputted. If the string is empty, then
	// no log files are kept
	LogDirectory string `json:"logDirectory"`

	// NoColor disables colored console output.
	NoColor bool `json:"noColor"`
}

// ReadProjectConfigFromFile reads a JSON-serialized ProjectConfig from a provided file path.
// Returns the ProjectConfig if it succeeds, or an error if one occurs.
func ReadProjectConfigFromFile(path string) (*ProjectConfig, error) {
	// Read our project configuration file data
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// Parse the project configuration over the defaults
	projectConfig := GetDefaultProjectConfig()
	err = json.Unmarshal(b, projectConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return projectConfig, nil
}

// WriteToFile writes the ProjectConfig to a provided file path in a JSON-serialized format.
// Returns an error if one occurs.
func (p *ProjectConfig) WriteToFile(path string) error {
	// Serialize the configuration
	b, err := json.MarshalIndent(p, "", "\t")
	if err != nil {
		return errors.WithStack(err)
	}

	// Save it to the provided output path and return the result
	err = os.WriteFile(path, b, 0644)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// Validate validates that the ProjectConfig meets certain requirements.
// Returns an error if one occurs.
func (p *ProjectConfig) Validate() error {
	// Verify the endpoint is a JSON-RPC url we can dial
	if p.Fork.Endpoint == "" {
		return errors.Errorf("an origin endpoint must be provided")
	}
	endpoint, err := url.Parse(p.Fork.Endpoint)
	if err != nil {
		return errors.Wrap(err, "malformed origin endpoint")
	}
	switch strings.ToLower(endpoint.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return errors.Errorf("origin endpoint scheme %q is not one of http, https, ws or wss", endpoint.Scheme)
	}

	if p.Fork.PoolSize == 0 {
		return errors.Errorf("connection pool size must be a positive number")
	}
	if p.Fork.RequestTimeout < 0 {
		return errors.Errorf("request timeout cannot be negative")
	}
	if _, err := p.Fork.PrefetchPrefixes(); err != nil {
		return err
	}

	if err := p.Executor.Validate(); err != nil {
		return errors.WithStack(err)
	}

	if p.RpcServer.MaxConnections <= 0 {
		return errors.Errorf("max connections must be a positive number")
	}

	if p.Dev.FundAccounts && !p.Dev.Balance.IsPositive() {
		return errors.Errorf("dev balance must be positive when funding accounts")
	}

	return nil
}
