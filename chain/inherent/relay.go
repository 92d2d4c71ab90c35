package inherent

import (
	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/types"
)

// ParaInherentIncludedKey is the storage key of ParaInherent::Included. Relay chain runtimes refuse to finalize a
// block in which it is unset, which happens when no paras inherent was applied.
var ParaInherentIncludedKey = types.PlainStorageKey("ParaInherent", "Included")

// NeedsRelayInclusionMock reports whether blocks of a chain must have ParaInherent::Included set before finalization.
func NeedsRelayInclusionMock(registry metadata.Registry, isParachain bool) bool {
	return !isParachain && registry != nil && registry.HasPallet("ParaInherent")
}
