package inherent

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging"
)

const (
	// DefaultRelaySlotDuration is the slot duration of relay and solo chains, in milliseconds.
	DefaultRelaySlotDuration uint64 = 6000

	// DefaultParaSlotDuration is the slot duration of parachains, in milliseconds.
	DefaultParaSlotDuration uint64 = 12000

	auraSlotDurationMethod = "AuraApi_slot_duration"

	// babeSecondaryPlainPreDigest is the variant index of a secondary plain Babe pre-digest.
	babeSecondaryPlainPreDigest = 0x02
)

// ConsensusType is the block authoring engine of a chain.
type ConsensusType int

const (
	ConsensusUnknown ConsensusType = iota
	ConsensusAura
	ConsensusBabe
)

// DetectConsensus returns the authoring engine of a runtime from its pallets.
func DetectConsensus(registry metadata.Registry) ConsensusType {
	switch {
	case registry == nil:
		return ConsensusUnknown
	case registry.HasPallet("Aura"):
		return ConsensusAura
	case registry.HasPallet("Babe"):
		return ConsensusBabe
	}
	return ConsensusUnknown
}

// SlotDurationDetector finds the slot duration of a chain and caches it until invalidated. It asks the runtime
// through AuraApi_slot_duration, then reads the Babe ExpectedBlockTime constant, then falls back to a fixed value.
// It is safe for concurrent use.
type SlotDurationDetector struct {
	fallback uint64
	override uint64

	lock   sync.Mutex
	cached uint64

	logger *logging.Logger
}

// NewSlotDurationDetector creates a detector. A non-zero override is returned without asking the runtime.
func NewSlotDurationDetector(fallback uint64, override uint64) *SlotDurationDetector {
	return &SlotDurationDetector{
		fallback: fallback,
		override: override,
		logger:   logging.GlobalLogger.NewSubLogger("module", logging.INHERENT_SERVICE),
	}
}

// SlotDuration returns the slot duration in milliseconds of the runtime executing the children of parent.
func (d *SlotDurationDetector) SlotDuration(ctx context.Context, parent *block.Block, exec runtime.Caller) uint64 {
	if d.override != 0 {
		return d.override
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.cached != 0 {
		return d.cached
	}

	duration, source := d.detect(ctx, parent, exec)
	d.logger.Debug("slot duration is ", duration, "ms (", source, ")")
	d.cached = duration
	return duration
}

func (d *SlotDurationDetector) detect(ctx context.Context, parent *block.Block, exec runtime.Caller) (uint64, string) {
	if exec != nil {
		res, err := exec.Call(ctx, auraSlotDurationMethod, nil, parentStorage(parent))
		if err == nil && len(res.Output) == 8 {
			if duration := binary.LittleEndian.Uint64(res.Output); duration != 0 {
				return duration, auraSlotDurationMethod
			}
		}
	}
	if parent.Runtime != nil && parent.Runtime.Metadata != nil {
		if duration, ok := metadata.ConstantU64(parent.Runtime.Metadata, "Babe", "ExpectedBlockTime"); ok && duration != 0 {
			return duration, "Babe.ExpectedBlockTime"
		}
	}
	return d.fallback, "fallback"
}

// Invalidate drops the cached duration.
func (d *SlotDurationDetector) Invalidate() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.cached = 0
}

// NextSlot returns the slot of the block following a block with the given timestamp.
func NextSlot(timestamp uint64, duration uint64) uint64 {
	if duration == 0 {
		return 0
	}
	next := timestamp + duration
	if next < timestamp {
		next = math.MaxUint64
	}
	return next / duration
}

// AuraPreDigest returns the Aura pre-runtime digest data of a slot.
func AuraPreDigest(slot uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, slot)
}

// BabePreDigest returns a secondary plain Babe pre-runtime digest for a slot.
func BabePreDigest(slot uint64, authorityIndex uint32) []byte {
	out := []byte{babeSecondaryPlainPreDigest}
	out = binary.LittleEndian.AppendUint32(out, authorityIndex)
	return binary.LittleEndian.AppendUint64(out, slot)
}

// SlotDigests returns the pre-runtime digest announcing slot for the consensus engine of the runtime, or nothing when
// the engine is unknown.
func SlotDigests(registry metadata.Registry, slot uint64) []types.DigestItem {
	switch DetectConsensus(registry) {
	case ConsensusAura:
		return []types.DigestItem{types.PreRuntimeDigest(types.AuraEngineID, AuraPreDigest(slot))}
	case ConsensusBabe:
		return []types.DigestItem{types.PreRuntimeDigest(types.BabeEngineID, BabePreDigest(slot, 0))}
	}
	return nil
}
