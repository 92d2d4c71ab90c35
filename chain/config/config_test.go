package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/types"
)

func validConfig() *ProjectConfig {
	config := GetDefaultProjectConfig()
	config.Fork.Endpoint = "wss://rpc.example.org"
	return config
}

// TestConfigRoundTrip writes a config to disk and reads it back.
func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)

	config := validConfig()
	config.Fork.Block = 1234
	config.Executor.SignatureMock = runtime.SignatureMockMagic
	config.Dev.Balance = decimal.RequireFromString("12.5")
	require.NoError(t, config.WriteToFile(path))

	read, err := ReadProjectConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Fork, read.Fork)
	assert.Equal(t, config.Executor, read.Executor)
	assert.True(t, config.Dev.Balance.Equal(read.Dev.Balance))
	assert.Equal(t, config.RpcServer, read.RpcServer)
}

// TestPartialConfigKeepsDefaults checks that values missing from the file keep their defaults.
func TestPartialConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"fork": {"endpoint": "http://localhost:9944", "block": 7}}`), 0644))

	config, err := ReadProjectConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9944", config.Fork.Endpoint)
	assert.EqualValues(t, 7, config.Fork.Block)
	assert.Equal(t, GetDefaultProjectConfig().Fork.PoolSize, config.Fork.PoolSize)
	assert.Equal(t, GetDefaultProjectConfig().RpcServer, config.RpcServer)
	require.NoError(t, config.Validate())
}

func TestReadMissingConfig(t *testing.T) {
	_, err := ReadProjectConfigFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*ProjectConfig)
	}{
		{"missing endpoint", func(c *ProjectConfig) { c.Fork.Endpoint = "" }},
		{"bad scheme", func(c *ProjectConfig) { c.Fork.Endpoint = "ftp://example.org" }},
		{"zero pool", func(c *ProjectConfig) { c.Fork.PoolSize = 0 }},
		{"negative timeout", func(c *ProjectConfig) { c.Fork.RequestTimeout = -1 }},
		{"prefetch name", func(c *ProjectConfig) { c.Fork.Prefetch = []string{"System"} }},
		{"prefetch hex", func(c *ProjectConfig) { c.Fork.Prefetch = []string{"0xzz"} }},
		{"signature mock", func(c *ProjectConfig) { c.Executor.SignatureMock = "sometimes" }},
		{"connections", func(c *ProjectConfig) { c.RpcServer.MaxConnections = 0 }},
		{"dev balance", func(c *ProjectConfig) {
			c.Dev.FundAccounts = true
			c.Dev.Balance = decimal.Zero
		}},
	}

	require.NoError(t, validConfig().Validate())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := validConfig()
			tc.modify(config)
			assert.Error(t, config.Validate())
		})
	}
}

// TestPrefetchPrefixes resolves storage item names and raw hex prefixes.
func TestPrefetchPrefixes(t *testing.T) {
	fork := ForkConfig{Prefetch: []string{"System.Account", "0x26aa"}}
	prefixes, err := fork.PrefetchPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.Equal(t, types.PlainStorageKey("System", "Account"), prefixes[0])
	assert.Equal(t, []byte{0x26, 0xaa}, prefixes[1])

	prefixes, err = GetDefaultProjectConfig().Fork.PrefetchPrefixes()
	require.NoError(t, err)
	assert.Empty(t, prefixes)

	_, err = ForkConfig{Prefetch: []string{".Account"}}.PrefetchPrefixes()
	assert.Error(t, err)
}

func TestBalanceIn(t *testing.T) {
	dev := DevConfig{Balance: decimal.RequireFromString("1.5")}
	balance, err := dev.BalanceIn(12)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(1_500_000_000_000), balance)

	dev.Balance = decimal.RequireFromString("0.0000001")
	balance, err = dev.BalanceIn(2)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	dev.Balance = decimal.NewFromInt(-1)
	_, err = dev.BalanceIn(12)
	assert.Error(t, err)

	dev.Balance = decimal.New(1, 80)
	_, err = dev.BalanceIn(0)
	assert.Error(t, err)
}
