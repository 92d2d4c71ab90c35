package runtime

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/crytic/subfork/chain/types"
)

// zstdPrefix marks a runtime blob compressed with zstd.
var zstdPrefix = []byte{0x52, 0xbc, 0x53, 0x76, 0x46, 0xdb, 0x8e, 0x05}

// codeBombLimit bounds the size of a decompressed runtime.
const codeBombLimit = 50 * 1024 * 1024

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

const (
	sectionCustom byte = 0
	sectionImport byte = 2
	sectionMemory byte = 5
	sectionExport byte = 7

	externFunc   byte = 0
	externTable  byte = 1
	externMemory byte = 2
	externGlobal byte = 3
)

// sectionOrder is the position of each known section id in a valid module.
var sectionOrder = map[byte]int{1: 1, 2: 2, 3: 3, 4: 4, 5: 5, 6: 6, 7: 7, 8: 8, 9: 9, 12: 10, 10: 11, 11: 12}

var errMalformedWasm = errors.New("malformed wasm module")

// Decompress returns the plain wasm of a runtime blob. Blobs without the zstd prefix are returned as is.
func Decompress(code []byte) ([]byte, error) {
	if !bytes.HasPrefix(code, zstdPrefix) {
		return code, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(codeBombLimit), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(code[len(zstdPrefix):], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress runtime code: %w", err)
	}
	if len(out) > codeBombLimit {
		return nil, fmt.Errorf("decompressed runtime code exceeds %d bytes", codeBombLimit)
	}
	return out, nil
}

type section struct {
	id      byte
	payload []byte
}

// parseSections splits a wasm binary into its sections.
func parseSections(wasm []byte) ([]section, error) {
	if !bytes.HasPrefix(wasm, wasmHeader) {
		return nil, fmt.Errorf("%w: bad header", errMalformedWasm)
	}
	var sections []section
	rest := wasm[len(wasmHeader):]
	for len(rest) > 0 {
		id := rest[0]
		size, n := binary.Uvarint(rest[1:])
		if n <= 0 || uint64(len(rest)-1-n) < size {
			return nil, fmt.Errorf("%w: truncated section %d", errMalformedWasm, id)
		}
		start := 1 + n
		sections = append(sections, section{id: id, payload: rest[start : start+int(size)]})
		rest = rest[start+int(size):]
	}
	return sections, nil
}

func encodeSections(sections []section) []byte {
	out := append([]byte{}, wasmHeader...)
	for _, s := range sections {
		out = append(out, s.id)
		out = binary.AppendUvarint(out, uint64(len(s.payload)))
		out = append(out, s.payload...)
	}
	return out
}

// reader walks a section payload.
type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b[r.pos:])
	if n <= 0 {
		r.err = errMalformedWasm
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.b) {
		r.err = errMalformedWasm
		return 0
	}
	b := r.b[r.pos]
	r.pos++
	return b
}

func (r *reader) name() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	if uint64(len(r.b)-r.pos) < n {
		r.err = errMalformedWasm
		return ""
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}

// limits reads a limits structure and returns the minimum and optional maximum.
func (r *reader) limits() (min uint64, max *uint64) {
	flag := r.u8()
	min = r.uvarint()
	if flag&1 != 0 {
		m := r.uvarint()
		max = &m
	}
	return min, max
}

func encodeLimits(min uint64, max *uint64) []byte {
	if max == nil {
		return binary.AppendUvarint([]byte{0x00}, min)
	}
	out := binary.AppendUvarint([]byte{0x01}, min)
	return binary.AppendUvarint(out, *max)
}

func encodeName(s string) []byte {
	return append(binary.AppendUvarint(nil, uint64(len(s))), s...)
}

// memoryImport describes a memory the module imports instead of defining.
type memoryImport struct {
	module, name string
	min          uint64
	max          *uint64
}

// rewriteImportedMemory turns an imported memory into a memory defined and exported by the module itself, so it can be
// instantiated without a host-provided memory. Modules that define their own memory are returned unchanged. The
// second result holds the initial page count of the module's memory when it could be determined.
func rewriteImportedMemory(wasm []byte) ([]byte, *memoryImport, error) {
	sections, err := parseSections(wasm)
	if err != nil {
		return nil, nil, err
	}

	importIdx := -1
	var mem *memoryImport
	var kept [][]byte
	var importCount uint64
	for i, s := range sections {
		if s.id != sectionImport {
			continue
		}
		importIdx = i
		r := &reader{b: s.payload}
		importCount = r.uvarint()
		for j := uint64(0); j < importCount && r.err == nil; j++ {
			start := r.pos
			module, name := r.name(), r.name()
			kind := r.u8()
			switch kind {
			case externFunc:
				r.uvarint()
			case externTable:
				r.u8()
				r.limits()
			case externMemory:
				min, max := r.limits()
				if r.err == nil && mem == nil {
					mem = &memoryImport{module: module, name: name, min: min, max: max}
					continue
				}
			case externGlobal:
				r.u8()
				r.u8()
			default:
				r.err = fmt.Errorf("%w: unknown import kind %d", errMalformedWasm, kind)
			}
			if r.err == nil {
				kept = append(kept, s.payload[start:r.pos])
			}
		}
		if r.err != nil {
			return nil, nil, fmt.Errorf("failed to parse import section: %w", r.err)
		}
	}
	if mem == nil {
		return wasm, nil, nil
	}

	// Rebuild the import section without the memory.
	var out []section
	for i, s := range sections {
		if i == importIdx {
			if len(kept) == 0 {
				continue
			}
			payload := binary.AppendUvarint(nil, uint64(len(kept)))
			for _, entry := range kept {
				payload = append(payload, entry...)
			}
			out = append(out, section{id: sectionImport, payload: payload})
			continue
		}
		out = append(out, s)
	}

	// Insert the memory section before the first section that must follow it.
	memSection := section{id: sectionMemory, payload: append([]byte{0x01}, encodeLimits(mem.min, mem.max)...)}
	inserted := false
	for i, s := range out {
		if s.id == sectionCustom || sectionOrder[s.id] <= sectionOrder[sectionMemory] {
			continue
		}
		out = append(out[:i], append([]section{memSection}, out[i:]...)...)
		inserted = true
		break
	}
	if !inserted {
		out = append(out, memSection)
	}

	// Export the memory as "memory" unless an export with that name already exists.
	exportEntry := append(encodeName("memory"), externMemory, 0x00)
	exported := false
	for i, s := range out {
		if s.id != sectionExport {
			continue
		}
		r := &reader{b: s.payload}
		count := r.uvarint()
		countLen := r.pos
		for j := uint64(0); j < count && r.err == nil; j++ {
			if r.name() == "memory" {
				exported = true
			}
			r.u8()
			r.uvarint()
		}
		if r.err != nil {
			return nil, nil, fmt.Errorf("failed to parse export section: %w", r.err)
		}
		if !exported {
			payload := binary.AppendUvarint(nil, count+1)
			payload = append(payload, s.payload[countLen:]...)
			out[i].payload = append(payload, exportEntry...)
			exported = true
		}
		break
	}
	if !exported {
		exportSection := section{id: sectionExport, payload: append([]byte{0x01}, exportEntry...)}
		placed := false
		for i, s := range out {
			if s.id == sectionCustom || sectionOrder[s.id] <= sectionOrder[sectionExport] {
				continue
			}
			out = append(out[:i], append([]section{exportSection}, out[i:]...)...)
			placed = true
			break
		}
		if !placed {
			out = append(out, exportSection)
		}
	}
	return encodeSections(out), mem, nil
}

// customSection returns the payload of the first custom section with the given name.
func customSection(wasm []byte, name string) ([]byte, bool, error) {
	sections, err := parseSections(wasm)
	if err != nil {
		return nil, false, err
	}
	for _, s := range sections {
		if s.id != sectionCustom {
			continue
		}
		r := &reader{b: s.payload}
		if r.name() == name && r.err == nil {
			return s.payload[r.pos:], true, nil
		}
	}
	return nil, false, nil
}

// embeddedVersion reads the runtime version from the runtime_version and runtime_apis custom sections.
func embeddedVersion(wasm []byte) (*types.RuntimeVersion, bool, error) {
	raw, ok, err := customSection(wasm, "runtime_version")
	if err != nil || !ok {
		return nil, false, err
	}
	version, err := types.DecodeRuntimeVersion(raw)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode runtime_version section: %w", err)
	}
	apis, ok, err := customSection(wasm, "runtime_apis")
	if err != nil {
		return nil, false, err
	}
	if ok {
		// The section is a plain concatenation of (id, version) pairs.
		if len(apis)%12 != 0 {
			return nil, false, fmt.Errorf("runtime_apis section has invalid length %d", len(apis))
		}
		version.APIs = version.APIs[:0]
		for i := 0; i < len(apis); i += 12 {
			var api types.RuntimeAPI
			copy(api.ID[:], apis[i:i+8])
			api.Version = binary.LittleEndian.Uint32(apis[i+8 : i+12])
			version.APIs = append(version.APIs, api)
		}
	}
	return version, true, nil
}
