package runtime

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/types"
)

// hostModuleName is the module every runtime imports its host functions from.
const hostModuleName = "env"

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// hostFunc is the implementation and signature of one host function.
type hostFunc struct {
	fn      api.GoModuleFunc
	params  []api.ValueType
	results []api.ValueType
}

func fn(f api.GoModuleFunc, params []api.ValueType, results ...api.ValueType) hostFunc {
	return hostFunc{fn: f, params: params, results: results}
}

func params(vt ...api.ValueType) []api.ValueType {
	return vt
}

// hostFunctions maps import names to their implementation. It is filled by the init functions of the host_*.go files.
var hostFunctions = map[string]hostFunc{}

func register(functions map[string]hostFunc) {
	for name, f := range functions {
		if _, ok := hostFunctions[name]; ok {
			panic("duplicate host function " + name)
		}
		hostFunctions[name] = f
	}
}

// callContext is the per-call state host functions operate on.
type callContext struct {
	exec     *Executor
	method   string
	storage  *overlay
	offchain map[string][]byte
	alloc    *allocator
	root     types.Hash
	logs     []LogEntry
}

type callContextKey struct{}

func withCallContext(ctx context.Context, cc *callContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// callFrom returns the state of the call a host function runs in.
func callFrom(ctx context.Context) *callContext {
	cc, ok := ctx.Value(callContextKey{}).(*callContext)
	if !ok {
		abort("host function called outside of a runtime call")
	}
	return cc
}

// offchainChanges returns the offchain index writes sorted by key.
func (cc *callContext) offchainChanges() []cache.StorageChange {
	keys := make([]string, 0, len(cc.offchain))
	for k := range cc.offchain {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]cache.StorageChange, 0, len(keys))
	for _, k := range keys {
		v := cc.offchain[k]
		out = append(out, cache.StorageChange{Key: []byte(k), Value: v, Deleted: v == nil})
	}
	return out
}

// readMemory copies size bytes at ptr out of the module memory.
func readMemory(m api.Module, ptr uint32, size uint32) []byte {
	b, ok := m.Memory().Read(ptr, size)
	if !ok {
		abort("out of bounds memory access at %#x (%d bytes)", ptr, size)
	}
	return bytes.Clone(b)
}

// readSpan reads a pointer-size pair: the pointer in the low 32 bits and the length in the high 32 bits.
func readSpan(m api.Module, span uint64) []byte {
	return readMemory(m, uint32(span), uint32(span>>32))
}

func spanOf(ptr uint32, size uint32) uint64 {
	return uint64(size)<<32 | uint64(ptr)
}

// writeMemory allocates room for data in the runtime heap, copies it and returns its pointer.
func (cc *callContext) writeMemory(m api.Module, data []byte) uint32 {
	if cc.alloc == nil {
		abort("allocator is not available")
	}
	ptr, err := cc.alloc.allocate(uint32(len(data)))
	if err != nil {
		abort("failed to allocate %d bytes: %v", len(data), err)
	}
	if !m.Memory().Write(ptr, data) {
		abort("out of bounds memory write at %#x (%d bytes)", ptr, len(data))
	}
	return ptr
}

// writeSpan allocates and copies data, and returns it as a pointer-size pair.
func (cc *callContext) writeSpan(m api.Module, data []byte) uint64 {
	return spanOf(cc.writeMemory(m, data), uint32(len(data)))
}

// writeInto copies data into a buffer owned by the runtime, truncating it to the buffer size.
func writeInto(m api.Module, span uint64, data []byte) {
	ptr, size := uint32(span), uint32(span>>32)
	if uint32(len(data)) < size {
		size = uint32(len(data))
	}
	if !m.Memory().Write(ptr, data[:size]) {
		abort("out of bounds memory write at %#x (%d bytes)", ptr, size)
	}
}

func boolResult(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// unresolved returns a stub for an import this executor does not provide.
func unresolved(name string, def api.FunctionDefinition) hostFunc {
	return hostFunc{
		fn: func(ctx context.Context, m api.Module, stack []uint64) {
			abort("call to unresolved host function %s", name)
		},
		params:  def.ParamTypes(),
		results: def.ResultTypes(),
	}
}

// instantiateHostModule links the host functions a compiled runtime imports.
func instantiateHostModule(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule, allowUnresolved bool) error {
	builder := r.NewHostModuleBuilder(hostModuleName)
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module != hostModuleName {
			return fmt.Errorf("runtime imports %s.%s from an unknown module", module, name)
		}
		f, ok := hostFunctions[name]
		switch {
		case !ok && allowUnresolved:
			f = unresolved(name, def)
		case !ok:
			return fmt.Errorf("runtime requires unknown host function %s", name)
		case !slices.Equal(f.params, def.ParamTypes()) || !slices.Equal(f.results, def.ResultTypes()):
			return fmt.Errorf("host function %s has signature %v -> %v, runtime expects %v -> %v",
				name, f.params, f.results, def.ParamTypes(), def.ResultTypes())
		}
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, f.params, f.results).
			WithName(name).
			Export(name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}
