package chain

import (
	"context"

	"github.com/crytic/subfork/chain/inherent"
	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/state"
	"github.com/crytic/subfork/chain/types"
)

// OriginClient is the origin chain a Blockchain forks. *rpc.Client implements it.
type OriginClient interface {
	state.Origin
	FinalizedHead(ctx context.Context) (types.Hash, error)
	Metadata(ctx context.Context, at types.Hash) ([]byte, error)
	SystemChain(ctx context.Context) (string, error)
	SystemProperties(ctx context.Context) (map[string]any, error)
}

// Executor runs the entry points of one runtime. *runtime.Executor implements it.
type Executor interface {
	runtime.Caller
	RuntimeVersion(ctx context.Context) (*types.RuntimeVersion, error)
	Close(ctx context.Context) error
}

// RuntimeFactory creates the executor of a runtime blob.
type RuntimeFactory func(ctx context.Context, code []byte, heapPages uint64, config runtime.ExecutorConfig) (Executor, error)

// NewWasmExecutor is the RuntimeFactory backed by the wasm executor.
func NewWasmExecutor(ctx context.Context, code []byte, heapPages uint64, config runtime.ExecutorConfig) (Executor, error) {
	exec, err := runtime.NewExecutor(ctx, code, heapPages, config)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ForkPoint selects the origin block a fork starts from. The zero value selects the finalized head.
type ForkPoint struct {
	// Hash selects a block by hash when non-zero.
	Hash types.Hash

	// Number selects a block by number when ByNumber is set.
	Number   uint32
	ByNumber bool
}

// AtNumber returns the fork point of the block with the given number.
func AtNumber(number uint32) ForkPoint {
	return ForkPoint{Number: number, ByNumber: true}
}

// AtHash returns the fork point of the block with the given hash.
func AtHash(hash types.Hash) ForkPoint {
	return ForkPoint{Hash: hash}
}

// ForkOptions configures Fork. The zero value forks the finalized head with the wasm executor and the default
// inherent providers.
type ForkOptions struct {
	// At selects the fork block.
	At ForkPoint

	// Executor configures every executor the chain creates.
	Executor runtime.ExecutorConfig

	// Inherents configures the default inherent providers.
	Inherents inherent.Config

	// Providers replaces the default inherent providers when non-nil.
	Providers []inherent.Provider

	// RuntimeFactory creates executors. Nil selects NewWasmExecutor.
	RuntimeFactory RuntimeFactory

	// Metadata replaces the metadata read from the runtime when non-nil.
	Metadata metadata.Registry

	// Prefetch lists storage prefixes whose keys are loaded into the cache in the background after forking.
	Prefetch [][]byte
}

// ChainType tells apart relay or solo chains and parachains.
type ChainType struct {
	IsParachain bool
	ParaID      uint32
}

// String returns the type as reported by system_chainType style consumers.
func (c ChainType) String() string {
	if c.IsParachain {
		return "Parachain"
	}
	return "Relay"
}
