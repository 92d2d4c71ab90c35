package types

import (
	"bytes"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/crytic/medusa-geth/common/hexutil"
)

// DigestItemKind is the SCALE variant index of a header digest item.
type DigestItemKind byte

const (
	DigestOther                     DigestItemKind = 0
	DigestConsensus                 DigestItemKind = 4
	DigestSeal                      DigestItemKind = 5
	DigestPreRuntime                DigestItemKind = 6
	DigestRuntimeEnvironmentUpdated DigestItemKind = 8
)

// ConsensusEngineID identifies the consensus engine a digest item belongs to.
type ConsensusEngineID [4]byte

var (
	// AuraEngineID is the engine id used by Aura pre-runtime digests.
	AuraEngineID = ConsensusEngineID{'a', 'u', 'r', 'a'}

	// BabeEngineID is the engine id used by Babe pre-runtime digests.
	BabeEngineID = ConsensusEngineID{'B', 'A', 'B', 'E'}

	// GrandpaEngineID is the engine id used by Grandpa consensus digests.
	GrandpaEngineID = ConsensusEngineID{'F', 'R', 'N', 'K'}
)

// DigestItem is a single entry of a header digest. Engine is only meaningful for the PreRuntime, Consensus and Seal
// kinds.
type DigestItem struct {
	Kind   DigestItemKind
	Engine ConsensusEngineID
	Data   []byte
}

// PreRuntimeDigest creates a PreRuntime digest item for the given engine.
func PreRuntimeDigest(engine ConsensusEngineID, data []byte) DigestItem {
	return DigestItem{Kind: DigestPreRuntime, Engine: engine, Data: data}
}

// Encode returns the SCALE encoding of the digest item.
func (d DigestItem) Encode() []byte {
	out := []byte{byte(d.Kind)}
	switch d.Kind {
	case DigestPreRuntime, DigestConsensus, DigestSeal:
		out = append(out, d.Engine[:]...)
		out = append(out, EncodeBytes(d.Data)...)
	case DigestOther:
		out = append(out, EncodeBytes(d.Data)...)
	}
	return out
}

// Header is a Substrate block header with a u32 block number.
type Header struct {
	ParentHash     Hash
	Number         uint32
	StateRoot      Hash
	ExtrinsicsRoot Hash
	Digest         []DigestItem
}

// Encode returns the SCALE encoding of the header.
func (h *Header) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(h.ParentHash[:])
	buf.Write(EncodeCompact(uint64(h.Number)))
	buf.Write(h.StateRoot[:])
	buf.Write(h.ExtrinsicsRoot[:])
	buf.Write(EncodeCompact(uint64(len(h.Digest))))
	for _, item := range h.Digest {
		buf.Write(item.Encode())
	}
	return buf.Bytes()
}

// Hash returns the blake2-256 hash of the encoded header, which is the block hash.
func (h *Header) Hash() Hash {
	return Blake2_256(h.Encode())
}

// DecodeHeader decodes a SCALE encoded header.
func DecodeHeader(b []byte) (*Header, error) {
	dec := NewDecoder(b)
	h := &Header{}
	if err := dec.Read(h.ParentHash[:]); err != nil {
		return nil, fmt.Errorf("failed to decode parent hash: %w", err)
	}
	number, err := DecodeCompact(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode block number: %w", err)
	}
	if number > uint64(^uint32(0)) {
		return nil, fmt.Errorf("block number %d overflows u32", number)
	}
	h.Number = uint32(number)
	if err := dec.Read(h.StateRoot[:]); err != nil {
		return nil, fmt.Errorf("failed to decode state root: %w", err)
	}
	if err := dec.Read(h.ExtrinsicsRoot[:]); err != nil {
		return nil, fmt.Errorf("failed to decode extrinsics root: %w", err)
	}
	count, err := DecodeCompact(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode digest length: %w", err)
	}
	for i := uint64(0); i < count; i++ {
		item, err := decodeDigestItem(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decode digest item %d: %w", i, err)
		}
		h.Digest = append(h.Digest, item)
	}
	return h, nil
}

// DecodeDigestItem decodes a single SCALE encoded digest item.
func DecodeDigestItem(b []byte) (DigestItem, error) {
	return decodeDigestItem(NewDecoder(b))
}

func decodeDigestItem(dec *scale.Decoder) (DigestItem, error) {
	kind, err := dec.ReadOneByte()
	if err != nil {
		return DigestItem{}, err
	}
	item := DigestItem{Kind: DigestItemKind(kind)}
	switch item.Kind {
	case DigestPreRuntime, DigestConsensus, DigestSeal:
		if err := dec.Read(item.Engine[:]); err != nil {
			return DigestItem{}, err
		}
		item.Data, err = DecodeBytes(dec)
	case DigestOther:
		item.Data, err = DecodeBytes(dec)
	case DigestRuntimeEnvironmentUpdated:
	default:
		return DigestItem{}, fmt.Errorf("unknown digest item kind %d", kind)
	}
	return item, err
}

// RPCDigest is the JSON representation of a header digest.
type RPCDigest struct {
	Logs []hexutil.Bytes `json:"logs"`
}

// RPCHeader is the JSON representation of a header used by the chain_* RPC methods.
type RPCHeader struct {
	ParentHash     Hash           `json:"parentHash"`
	Number         hexutil.Uint64 `json:"number"`
	StateRoot      Hash           `json:"stateRoot"`
	ExtrinsicsRoot Hash           `json:"extrinsicsRoot"`
	Digest         RPCDigest      `json:"digest"`
}

// ToRPC converts the header into its JSON representation.
func (h *Header) ToRPC() *RPCHeader {
	logs := make([]hexutil.Bytes, 0, len(h.Digest))
	for _, item := range h.Digest {
		logs = append(logs, item.Encode())
	}
	return &RPCHeader{
		ParentHash:     h.ParentHash,
		Number:         hexutil.Uint64(h.Number),
		StateRoot:      h.StateRoot,
		ExtrinsicsRoot: h.ExtrinsicsRoot,
		Digest:         RPCDigest{Logs: logs},
	}
}

// ToHeader converts the JSON representation back into a Header.
func (r *RPCHeader) ToHeader() (*Header, error) {
	if uint64(r.Number) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("block number %d overflows u32", r.Number)
	}
	h := &Header{
		ParentHash:     r.ParentHash,
		Number:         uint32(r.Number),
		StateRoot:      r.StateRoot,
		ExtrinsicsRoot: r.ExtrinsicsRoot,
	}
	for i, log := range r.Digest.Logs {
		item, err := DecodeDigestItem(log)
		if err != nil {
			return nil, fmt.Errorf("failed to decode digest log %d: %w", i, err)
		}
		h.Digest = append(h.Digest, item)
	}
	return h, nil
}
