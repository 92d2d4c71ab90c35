package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/crytic/medusa-geth/common/hexutil"
)

// RuntimeAPI is a runtime API identifier and its version.
type RuntimeAPI struct {
	ID      [8]byte
	Version uint32
}

// MarshalJSON encodes the API as a ["0x<id>", version] pair.
func (a RuntimeAPI) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{hexutil.Bytes(a.ID[:]), a.Version})
}

// UnmarshalJSON decodes a ["0x<id>", version] pair.
func (a *RuntimeAPI) UnmarshalJSON(input []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(input, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("runtime api entry has %d elements", len(pair))
	}
	var id hexutil.Bytes
	if err := json.Unmarshal(pair[0], &id); err != nil {
		return err
	}
	if len(id) != 8 {
		return fmt.Errorf("runtime api id has %d bytes", len(id))
	}
	copy(a.ID[:], id)
	return json.Unmarshal(pair[1], &a.Version)
}

// RuntimeVersion describes a runtime as returned by Core_version.
type RuntimeVersion struct {
	SpecName           string       `json:"specName"`
	ImplName           string       `json:"implName"`
	AuthoringVersion   uint32       `json:"authoringVersion"`
	SpecVersion        uint32       `json:"specVersion"`
	ImplVersion        uint32       `json:"implVersion"`
	APIs               []RuntimeAPI `json:"apis"`
	TransactionVersion uint32       `json:"transactionVersion"`
	StateVersion       uint8        `json:"stateVersion"`
}

// HasAPI reports whether the runtime exposes the API with the given name hash (blake2_64 of the trait name).
func (v *RuntimeVersion) HasAPI(id [8]byte) bool {
	for _, api := range v.APIs {
		if api.ID == id {
			return true
		}
	}
	return false
}

// RuntimeAPIID returns the identifier of a runtime API trait: the blake2-64 hash of its name.
func RuntimeAPIID(name string) [8]byte {
	var id [8]byte
	copy(id[:], Blake2_64([]byte(name)))
	return id
}

// Encode returns the SCALE encoding of the version.
func (v *RuntimeVersion) Encode() []byte {
	out := EncodeBytes([]byte(v.SpecName))
	out = append(out, EncodeBytes([]byte(v.ImplName))...)
	out = binary.LittleEndian.AppendUint32(out, v.AuthoringVersion)
	out = binary.LittleEndian.AppendUint32(out, v.SpecVersion)
	out = binary.LittleEndian.AppendUint32(out, v.ImplVersion)
	out = append(out, EncodeCompact(uint64(len(v.APIs)))...)
	for _, api := range v.APIs {
		out = append(out, api.ID[:]...)
		out = binary.LittleEndian.AppendUint32(out, api.Version)
	}
	out = binary.LittleEndian.AppendUint32(out, v.TransactionVersion)
	return append(out, v.StateVersion)
}

// DecodeRuntimeVersion decodes a SCALE encoded RuntimeVersion. Older encodings without the transaction or state
// version are accepted.
func DecodeRuntimeVersion(b []byte) (*RuntimeVersion, error) {
	dec := NewDecoder(b)
	v := &RuntimeVersion{}
	specName, err := DecodeBytes(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode spec name: %w", err)
	}
	implName, err := DecodeBytes(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode impl name: %w", err)
	}
	v.SpecName, v.ImplName = string(specName), string(implName)

	var u32 [4]byte
	for _, field := range []*uint32{&v.AuthoringVersion, &v.SpecVersion, &v.ImplVersion} {
		if err := dec.Read(u32[:]); err != nil {
			return nil, fmt.Errorf("failed to decode version field: %w", err)
		}
		*field = binary.LittleEndian.Uint32(u32[:])
	}
	count, err := DecodeCompact(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode apis: %w", err)
	}
	for i := uint64(0); i < count; i++ {
		var api RuntimeAPI
		if err := dec.Read(api.ID[:]); err != nil {
			return nil, fmt.Errorf("failed to decode api %d: %w", i, err)
		}
		if err := dec.Read(u32[:]); err != nil {
			return nil, fmt.Errorf("failed to decode api %d: %w", i, err)
		}
		api.Version = binary.LittleEndian.Uint32(u32[:])
		v.APIs = append(v.APIs, api)
	}
	if err := dec.Read(u32[:]); err != nil {
		return v, nil
	}
	v.TransactionVersion = binary.LittleEndian.Uint32(u32[:])
	if stateVersion, err := dec.ReadOneByte(); err == nil {
		v.StateVersion = stateVersion
	}
	return v, nil
}
