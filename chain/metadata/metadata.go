// Package metadata wraps decoded runtime metadata and exposes the few lookups the fork engine needs: pallet presence,
// call indices, constants and module error names.
package metadata

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/pkg/errors"

	chaintypes "github.com/crytic/subfork/chain/types"
)

// magicNumber prefixes every encoded metadata blob ("meta").
var magicNumber = []byte{0x6d, 0x65, 0x74, 0x61}

// CallIndex identifies a dispatchable call by its pallet and call indices.
type CallIndex struct {
	Pallet uint8
	Call   uint8
}

// Registry is the view of runtime metadata used by inherent providers and the block builder.
type Registry interface {
	// HasPallet reports whether the runtime contains the named pallet.
	HasPallet(name string) bool
	// CallIndex resolves the indices of a call.
	CallIndex(pallet string, call string) (CallIndex, error)
	// Constant returns the SCALE encoded value of a pallet constant.
	Constant(pallet string, name string) ([]byte, bool)
	// ModuleError resolves a module error to its pallet and error names.
	ModuleError(palletIndex uint8, errorIndex uint8) (string, string, bool)
}

type pallet struct {
	index     uint8
	constants map[string][]byte
	errorType int64
	hasErrors bool
}

// Metadata is a decoded V14 runtime metadata.
type Metadata struct {
	raw     *types.Metadata
	pallets map[string]*pallet
	byIndex map[uint8]string
	// errorVariants maps a type id to variant index to variant name.
	errorVariants map[int64]map[uint8]string
}

// Decode decodes metadata as returned by the Metadata_metadata runtime call. Both the SCALE wrapped (Vec<u8>) form
// and the bare form starting with the magic number are accepted.
func Decode(b []byte) (*Metadata, error) {
	if !bytes.HasPrefix(b, magicNumber) {
		unwrapped, err := chaintypes.DecodeBytes(chaintypes.NewDecoder(b))
		if err != nil {
			return nil, &DecodeError{Stage: "unwrap", Err: err}
		}
		b = unwrapped
	}
	if !bytes.HasPrefix(b, magicNumber) {
		return nil, &DecodeError{Stage: "header", Err: errors.New("missing magic number")}
	}

	var raw types.Metadata
	if err := codec.Decode(b, &raw); err != nil {
		return nil, &DecodeError{Stage: "decode", Err: errors.WithStack(err)}
	}
	if raw.Version != 14 {
		return nil, &DecodeError{Stage: "version", Err: errors.Errorf("unsupported metadata version %d", raw.Version)}
	}

	m := &Metadata{
		raw:           &raw,
		pallets:       make(map[string]*pallet),
		byIndex:       make(map[uint8]string),
		errorVariants: make(map[int64]map[uint8]string),
	}
	for _, p := range raw.AsMetadataV14.Pallets {
		entry := &pallet{
			index:     uint8(p.Index),
			constants: make(map[string][]byte),
			hasErrors: p.HasErrors,
		}
		for _, c := range p.Constants {
			entry.constants[string(c.Name)] = []byte(c.Value)
		}
		if p.HasErrors {
			entry.errorType = lookupID(p.Errors.Type)
		}
		m.pallets[string(p.Name)] = entry
		m.byIndex[uint8(p.Index)] = string(p.Name)
	}
	for _, portable := range raw.AsMetadataV14.Lookup.Types {
		if !portable.Type.Def.IsVariant {
			continue
		}
		variants := make(map[uint8]string)
		for _, v := range portable.Type.Def.Variant.Variants {
			variants[uint8(v.Index)] = string(v.Name)
		}
		m.errorVariants[lookupID(portable.ID)] = variants
	}
	return m, nil
}

func lookupID(id types.Si1LookupTypeID) int64 {
	v := big.Int(id.UCompact)
	return v.Int64()
}

// Raw returns the underlying decoded metadata.
func (m *Metadata) Raw() *types.Metadata {
	return m.raw
}

// HasPallet implements Registry.
func (m *Metadata) HasPallet(name string) bool {
	_, ok := m.pallets[name]
	return ok
}

// PalletIndex returns the index of the named pallet.
func (m *Metadata) PalletIndex(name string) (uint8, bool) {
	p, ok := m.pallets[name]
	if !ok {
		return 0, false
	}
	return p.index, true
}

// PalletNames returns the names of all pallets ordered by index.
func (m *Metadata) PalletNames() []string {
	names := make([]string, 0, len(m.pallets))
	for i := 0; i < 256; i++ {
		if name, ok := m.byIndex[uint8(i)]; ok {
			names = append(names, name)
		}
	}
	return names
}

// CallIndex implements Registry.
func (m *Metadata) CallIndex(pallet string, call string) (CallIndex, error) {
	idx, err := m.raw.FindCallIndex(pallet + "." + call)
	if err != nil {
		return CallIndex{}, errors.WithMessagef(err, "call %s.%s not found", pallet, call)
	}
	return CallIndex{Pallet: idx.SectionIndex, Call: idx.MethodIndex}, nil
}

// Constant implements Registry.
func (m *Metadata) Constant(pallet string, name string) ([]byte, bool) {
	p, ok := m.pallets[pallet]
	if !ok {
		return nil, false
	}
	v, ok := p.constants[name]
	return v, ok
}

// ModuleError implements Registry.
func (m *Metadata) ModuleError(palletIndex uint8, errorIndex uint8) (string, string, bool) {
	return moduleError(m.byIndex, func(name string) (map[uint8]string, bool) {
		p := m.pallets[name]
		if p == nil || !p.hasErrors {
			return nil, false
		}
		variants, ok := m.errorVariants[p.errorType]
		return variants, ok
	}, palletIndex, errorIndex)
}

func moduleError(byIndex map[uint8]string, variantsOf func(string) (map[uint8]string, bool), palletIndex uint8, errorIndex uint8) (string, string, bool) {
	name, ok := byIndex[palletIndex]
	if !ok {
		return "", "", false
	}
	variants, ok := variantsOf(name)
	if !ok {
		return name, "", false
	}
	errName, ok := variants[errorIndex]
	return name, errName, ok
}

// ConstantU64 reads a u64 constant, accepting u32 encoded values as well.
func ConstantU64(r Registry, pallet string, name string) (uint64, bool) {
	v, ok := r.Constant(pallet, name)
	if !ok {
		return 0, false
	}
	switch len(v) {
	case 8:
		return binary.LittleEndian.Uint64(v), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(v)), true
	default:
		return 0, false
	}
}
