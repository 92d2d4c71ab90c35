package runtime

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/crytic/subfork/chain/types"
)

// The helpers in this file assemble small wasm modules by hand. They import their memory and host functions the way
// real runtimes do, so the whole executor path is exercised without shipping a compiled runtime blob.

func wasmVec(items ...[]byte) []byte {
	out := binary.AppendUvarint(nil, uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func wasmSection(id byte, payload []byte) []byte {
	out := append([]byte{id}, binary.AppendUvarint(nil, uint64(len(payload)))...)
	return append(out, payload...)
}

func wasmCustomSection(name string, payload []byte) []byte {
	return wasmSection(sectionCustom, append(encodeName(name), payload...))
}

func wasmBody(locals []byte, code ...byte) []byte {
	body := append(locals, code...)
	return append(binary.AppendUvarint(nil, uint64(len(body))), body...)
}

const (
	sectionType     byte = 1
	sectionFunction byte = 3
	sectionGlobal   byte = 6
	sectionCode     byte = 10
)

const (
	opUnreachable  = 0x00
	opEnd          = 0x0b
	opCall         = 0x10
	opLocalGet     = 0x20
	opLocalTee     = 0x22
	opI64Const     = 0x42
	opI64Or        = 0x84
	opI64Shl       = 0x86
	opI64ExtendU32 = 0xad
)

// spanOfArgs leaves (len << 32 | ptr) of the entry point arguments on the stack.
var spanOfArgs = []byte{
	opLocalGet, 1, opI64ExtendU32, opI64Const, 32, opI64Shl,
	opLocalGet, 0, opI64ExtendU32, opI64Or,
}

// testRuntime returns a module that imports env.memory and exports:
//   - echo: returns its arguments
//   - store: writes its arguments under the key equal to its arguments and returns them
//   - load: returns ext_storage_get of its arguments
//   - trap: executes unreachable
//   - hash: returns ext_hashing_blake2_256 of its arguments as a span of 32 bytes
func testRuntime(extraSections ...[]byte) []byte {
	funcType := func(params, results []byte) []byte {
		return append(append([]byte{0x60}, wasmVec(splitBytes(params)...)...), wasmVec(splitBytes(results)...)...)
	}
	const vI32, vI64 = 0x7f, 0x7e

	typeSection := wasmSection(sectionType, wasmVec(
		funcType([]byte{vI32, vI32}, []byte{vI64}), // 0: entry point
		funcType([]byte{vI64, vI64}, nil),          // 1: ext_storage_set
		funcType([]byte{vI64}, []byte{vI64}),       // 2: ext_storage_get
		funcType([]byte{vI64}, []byte{vI32}),       // 3: ext_hashing_blake2_256
	))
	importSection := wasmSection(sectionImport, wasmVec(
		append(append(encodeName("env"), encodeName("memory")...), externMemory, 0x00, 0x01),
		append(append(encodeName("env"), encodeName("ext_storage_set_version_1")...), externFunc, 1),
		append(append(encodeName("env"), encodeName("ext_storage_get_version_1")...), externFunc, 2),
		append(append(encodeName("env"), encodeName("ext_hashing_blake2_256_version_1")...), externFunc, 3),
	))
	// Imported functions take indices 0..2.
	functionSection := wasmSection(sectionFunction, wasmVec([]byte{0}, []byte{0}, []byte{0}, []byte{0}, []byte{0}))
	// __heap_base = 1024
	globalSection := wasmSection(sectionGlobal, wasmVec([]byte{0x7f, 0x00, 0x41, 0x80, 0x08, opEnd}))
	exportSection := wasmSection(sectionExport, wasmVec(
		append(encodeName("echo"), externFunc, 3),
		append(encodeName("store"), externFunc, 4),
		append(encodeName("load"), externFunc, 5),
		append(encodeName("trap"), externFunc, 6),
		append(encodeName("hash"), externFunc, 7),
		append(encodeName("__heap_base"), externGlobal, 0),
	))

	echo := wasmBody([]byte{0x00}, append(append([]byte{}, spanOfArgs...), opEnd)...)

	store := append([]byte{}, spanOfArgs...)
	store = append(store, opLocalTee, 2, opLocalGet, 2, opCall, 0, opLocalGet, 2, opEnd)
	storeBody := wasmBody([]byte{0x01, 0x01, vI64}, store...)

	load := append([]byte{}, spanOfArgs...)
	load = append(load, opCall, 1, opEnd)
	loadBody := wasmBody([]byte{0x00}, load...)

	trapBody := wasmBody([]byte{0x00}, opUnreachable, opEnd)

	// (32 << 32) | blake2_256(args)
	hash := append([]byte{}, spanOfArgs...)
	hash = append(hash, opCall, 2, opI64ExtendU32, opI64Const, 0x80, 0x80, 0x80, 0x80, 0x80, 0x04, opI64Or, opEnd)
	hashBody := wasmBody([]byte{0x00}, hash...)

	codeSection := wasmSection(sectionCode, wasmVec(echo, storeBody, loadBody, trapBody, hashBody))

	module := append([]byte{}, wasmHeader...)
	for _, s := range [][]byte{typeSection, importSection, functionSection, globalSection, exportSection, codeSection} {
		module = append(module, s...)
	}
	for _, s := range extraSections {
		module = append(module, s...)
	}
	return module
}

func splitBytes(b []byte) [][]byte {
	out := make([][]byte, len(b))
	for i := range b {
		out[i] = b[i : i+1]
	}
	return out
}

// testMemory instantiates a module that only defines a memory of the given number of pages and returns it.
func testMemory(t *testing.T, pages byte) api.Memory {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = r.Close(ctx) })

	module := append([]byte{}, wasmHeader...)
	module = append(module, wasmSection(sectionMemory, wasmVec([]byte{0x00, pages}))...)
	module = append(module, wasmSection(sectionExport, wasmVec(append(encodeName("memory"), externMemory, 0)))...)

	mod, err := r.Instantiate(ctx, module)
	require.NoError(t, err)
	return mod.Memory()
}

// mapStorage is an in-memory Storage for executor tests.
type mapStorage map[string][]byte

func (s mapStorage) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	v, ok := s[string(key)]
	return v, ok, nil
}

func (s mapStorage) NextKey(_ context.Context, prefix []byte, key []byte) ([]byte, error) {
	var next string
	found := false
	for k := range s {
		if len(k) < len(prefix) || k[:len(prefix)] != string(prefix) || k <= string(key) {
			continue
		}
		if !found || k < next {
			next, found = k, true
		}
	}
	if !found {
		return nil, nil
	}
	return []byte(next), nil
}

// testVersion is the version embedded in test runtimes.
func testVersion() *types.RuntimeVersion {
	return &types.RuntimeVersion{
		SpecName:           "subfork-test",
		ImplName:           "subfork-test",
		AuthoringVersion:   1,
		SpecVersion:        100,
		ImplVersion:        1,
		APIs:               []types.RuntimeAPI{{ID: types.RuntimeAPIID("Core"), Version: 4}},
		TransactionVersion: 1,
		StateVersion:       1,
	}
}
