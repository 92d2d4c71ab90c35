// Package inherent creates the unsigned extrinsics every block must start with.
package inherent

import (
	"context"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/types"
)

// bareExtrinsicVersion is the version byte of an unsigned v4 extrinsic.
const bareExtrinsicVersion = 0x04

// Provider creates inherent extrinsics for the child of a block.
type Provider interface {
	// Identifier names the provider in logs and errors.
	Identifier() string

	// Provide returns the encoded inherents for the child of parent, or nothing when the provider does not apply to
	// the chain.
	Provide(ctx context.Context, parent *block.Block, exec runtime.Caller) ([][]byte, error)

	// Warmup resolves whatever Provide looks up from the runtime, so the first block is not slower than the rest.
	Warmup(ctx context.Context, parent *block.Block, exec runtime.Caller)

	// InvalidateCache drops values derived from the runtime. It is called after a runtime upgrade.
	InvalidateCache()
}

// Config holds the settings of the default providers.
type Config struct {
	// ParaID is the id of the parachain, read from ParachainInfo::ParachainId.
	ParaID uint32

	// SlotDurationOverride replaces the detected slot duration when non-zero.
	SlotDurationOverride uint64

	// RelaySlotDuration is the slot duration of the relay chain, used to derive the relay slot. Zero selects
	// DefaultRelaySlotDuration.
	RelaySlotDuration uint64
}

// DefaultProviders returns the providers of a chain, in the order their inherents must be applied.
func DefaultProviders(isParachain bool, config Config) []Provider {
	fallback := DefaultRelaySlotDuration
	if isParachain {
		fallback = DefaultParaSlotDuration
	}
	timestamp := NewTimestamp(NewSlotDurationDetector(fallback, config.SlotDurationOverride))
	if !isParachain {
		return []Provider{timestamp}
	}
	return []Provider{NewParachain(config.ParaID, config.RelaySlotDuration, timestamp), timestamp}
}

// BareExtrinsic wraps a call into a length prefixed unsigned extrinsic.
func BareExtrinsic(call []byte) []byte {
	body := make([]byte, 0, len(call)+1)
	body = append(body, bareExtrinsicVersion)
	body = append(body, call...)
	return types.EncodeBytes(body)
}

// parentStorage returns the storage runtime calls about the child of parent read from.
func parentStorage(parent *block.Block) runtime.Storage {
	return runtime.WithStateRoot(parent.View(), parent.Header.StateRoot)
}
