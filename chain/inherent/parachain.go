package inherent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/trie"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging"
)

const (
	// ParachainIdentifier is the identifier of the parachain provider.
	ParachainIdentifier = "ParachainSystem"

	// DefaultMaxPovSize is used when no validation data is known, in bytes.
	DefaultMaxPovSize uint32 = 5 * 1024 * 1024
)

var (
	// RelayCurrentSlotKey is the relay chain key of Babe::CurrentSlot.
	RelayCurrentSlotKey = types.PlainStorageKey("Babe", "CurrentSlot")

	// ParaIDKey is the storage key of ParachainInfo::ParachainId.
	ParaIDKey = types.PlainStorageKey("ParachainInfo", "ParachainId")

	// ErrNoValidationData is returned when a block has no set_validation_data inherent.
	ErrNoValidationData = errors.New("block has no validation data")
)

// ParasHeadsKey returns the relay chain key of Paras::Heads for a parachain.
func ParasHeadsKey(paraID uint32) []byte {
	return types.Twox64ConcatKey("Paras", "Heads", types.U32Key(paraID))
}

// ValidationData is the argument of ParachainSystem.set_validation_data without the inbound messages.
type ValidationData struct {
	// ParentHead is the encoded header of the parachain parent block.
	ParentHead []byte

	RelayParentNumber      uint32
	RelayParentStorageRoot types.Hash
	MaxPovSize             uint32

	// RelayChainState holds the nodes of the relay chain state proof.
	RelayChainState [][]byte
}

// Encode returns the SCALE encoding of the validation data and relay state proof.
func (v *ValidationData) Encode() []byte {
	out := types.EncodeBytes(v.ParentHead)
	out = binary.LittleEndian.AppendUint32(out, v.RelayParentNumber)
	out = append(out, v.RelayParentStorageRoot[:]...)
	out = binary.LittleEndian.AppendUint32(out, v.MaxPovSize)
	return append(out, types.EncodeBytesVec(v.RelayChainState)...)
}

// ReadProof reads a relay chain value from the state proof.
func (v *ValidationData) ReadProof(key []byte) ([]byte, bool, error) {
	return trie.VerifyProof(trie.V1, v.RelayParentStorageRoot, v.RelayChainState, key)
}

// DecodeValidationData decodes the validation data at the start of a set_validation_data argument.
func DecodeValidationData(dec *scale.Decoder) (*ValidationData, error) {
	var v ValidationData
	var err error
	if v.ParentHead, err = types.DecodeBytes(dec); err != nil {
		return nil, fmt.Errorf("failed to decode parent head: %w", err)
	}
	var u32 [4]byte
	if err := dec.Read(u32[:]); err != nil {
		return nil, fmt.Errorf("failed to decode relay parent number: %w", err)
	}
	v.RelayParentNumber = binary.LittleEndian.Uint32(u32[:])
	if err := dec.Read(v.RelayParentStorageRoot[:]); err != nil {
		return nil, fmt.Errorf("failed to decode relay parent storage root: %w", err)
	}
	if err := dec.Read(u32[:]); err != nil {
		return nil, fmt.Errorf("failed to decode max pov size: %w", err)
	}
	v.MaxPovSize = binary.LittleEndian.Uint32(u32[:])
	if v.RelayChainState, err = types.DecodeBytesVec(dec); err != nil {
		return nil, fmt.Errorf("failed to decode relay chain state: %w", err)
	}
	return &v, nil
}

// FindValidationData looks for the set_validation_data inherent among extrinsics and decodes it.
func FindValidationData(extrinsics [][]byte, idx metadata.CallIndex) (*ValidationData, error) {
	for _, ext := range extrinsics {
		dec := types.NewDecoder(ext)
		body, err := types.DecodeBytes(dec)
		if err != nil || len(body) < 3 {
			continue
		}
		// Only unsigned extrinsics carry inherents.
		if body[0]&0x80 != 0 || body[1] != idx.Pallet || body[2] != idx.Call {
			continue
		}
		return DecodeValidationData(types.NewDecoder(body[3:]))
	}
	return nil, ErrNoValidationData
}

// Parachain provides the ParachainSystem.set_validation_data inherent. The relay chain state proof of the parent is
// patched so that the relay chain sees the parent as the head of the parachain, at a relay slot matching the next
// timestamp. Inbound messages are always empty.
type Parachain struct {
	paraID            uint32
	relaySlotDuration uint64
	timestamp         *Timestamp

	logger *logging.Logger
}

// NewParachain creates the provider. timestamp computes the timestamp of the block under construction.
func NewParachain(paraID uint32, relaySlotDuration uint64, timestamp *Timestamp) *Parachain {
	if relaySlotDuration == 0 {
		relaySlotDuration = DefaultRelaySlotDuration
	}
	return &Parachain{
		paraID:            paraID,
		relaySlotDuration: relaySlotDuration,
		timestamp:         timestamp,
		logger:            logging.GlobalLogger.NewSubLogger("module", logging.INHERENT_SERVICE),
	}
}

// Identifier implements Provider.
func (p *Parachain) Identifier() string {
	return ParachainIdentifier
}

// ParaID returns the id of the parachain.
func (p *Parachain) ParaID() uint32 {
	return p.paraID
}

// Provide implements Provider.
func (p *Parachain) Provide(ctx context.Context, parent *block.Block, exec runtime.Caller) ([][]byte, error) {
	if parent.Runtime == nil || parent.Runtime.Metadata == nil || !parent.Runtime.Metadata.HasPallet("ParachainSystem") {
		return nil, nil
	}
	idx, err := parent.Runtime.Metadata.CallIndex("ParachainSystem", "set_validation_data")
	if err != nil {
		return nil, err
	}
	next, err := p.timestamp.NextTimestamp(ctx, parent, exec)
	if err != nil {
		return nil, err
	}

	data, err := p.NextValidationData(parent, idx, next/p.relaySlotDuration)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("relay parent of block ", parent.Number+1, " is ", data.RelayParentNumber, " with root ", data.RelayParentStorageRoot)

	call := []byte{idx.Pallet, idx.Call}
	call = append(call, data.Encode()...)
	// Empty downward messages and horizontal messages.
	call = append(call, 0x00, 0x00)
	return [][]byte{BareExtrinsic(call)}, nil
}

// NextValidationData derives the validation data of the child of parent from the one parent was built with. Without
// prior validation data, a proof containing only the patched entries is created.
func (p *Parachain) NextValidationData(parent *block.Block, idx metadata.CallIndex, relaySlot uint64) (*ValidationData, error) {
	headData := types.EncodeBytes(parent.EncodedHeader())
	slot := binary.LittleEndian.AppendUint64(nil, relaySlot)

	prev, err := FindValidationData(parent.Extrinsics, idx)
	if errors.Is(err, ErrNoValidationData) {
		t := trie.New(trie.V1)
		if err := t.Put(ParasHeadsKey(p.paraID), headData); err != nil {
			return nil, err
		}
		if err := t.Put(RelayCurrentSlotKey, slot); err != nil {
			return nil, err
		}
		return p.sealProof(t, &ValidationData{RelayParentNumber: parent.Number + 1, MaxPovSize: DefaultMaxPovSize}, parent)
	}
	if err != nil {
		return nil, err
	}

	t, err := trie.FromProof(trie.V1, prev.RelayParentStorageRoot, prev.RelayChainState)
	if err != nil {
		return nil, fmt.Errorf("failed to load relay chain state proof: %w", err)
	}
	if err := t.Put(ParasHeadsKey(p.paraID), headData); err != nil {
		return nil, fmt.Errorf("failed to patch Paras::Heads: %w", err)
	}
	if err := t.Put(RelayCurrentSlotKey, slot); err != nil {
		return nil, fmt.Errorf("failed to patch Babe::CurrentSlot: %w", err)
	}
	maxPov := prev.MaxPovSize
	if maxPov == 0 {
		maxPov = DefaultMaxPovSize
	}
	return p.sealProof(t, &ValidationData{RelayParentNumber: prev.RelayParentNumber + 1, MaxPovSize: maxPov}, parent)
}

// sealProof fills the root, the proof and the parent head of data from the patched relay trie.
func (p *Parachain) sealProof(t *trie.Trie, data *ValidationData, parent *block.Block) (*ValidationData, error) {
	root, err := t.Hash()
	if err != nil {
		return nil, err
	}
	nodes, err := t.ProofNodes()
	if err != nil {
		return nil, err
	}
	data.ParentHead = parent.EncodedHeader()
	data.RelayParentStorageRoot = root
	data.RelayChainState = nodes
	return data, nil
}

// Warmup implements Provider.
func (p *Parachain) Warmup(ctx context.Context, parent *block.Block, exec runtime.Caller) {
	p.timestamp.Warmup(ctx, parent, exec)
}

// InvalidateCache implements Provider.
func (p *Parachain) InvalidateCache() {
	p.timestamp.InvalidateCache()
}
