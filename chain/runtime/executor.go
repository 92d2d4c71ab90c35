package runtime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging"
)

// coreVersionMethod is the entry point returning the SCALE encoded RuntimeVersion.
const coreVersionMethod = "Core_version"

var _ Caller = (*Executor)(nil)

// Executor runs entry points of one runtime blob. The blob is compiled once, and every call gets a fresh instance with
// its own memory and storage overlay. An Executor is safe for concurrent use.
type Executor struct {
	config    ExecutorConfig
	code      []byte
	heapPages uint64

	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	// versionLock guards version, which is read lazily.
	versionLock sync.Mutex
	version     *types.RuntimeVersion

	offchain *offchainStorage
	logger   *logging.Logger
}

// NewExecutor compiles a runtime blob. The code may be zstd compressed. heapPages is the number of pages the heap may
// grow past the initial memory; zero selects the configured value or DefaultHeapPages.
func NewExecutor(ctx context.Context, code []byte, heapPages uint64, config ExecutorConfig) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, executorError(PrototypeCreation, "", err)
	}
	if heapPages == 0 {
		heapPages = config.HeapPages
	}
	if heapPages == 0 {
		heapPages = DefaultHeapPages
	}

	wasm, err := Decompress(code)
	if err != nil {
		return nil, executorError(PrototypeCreation, "", err)
	}
	version, _, err := embeddedVersion(wasm)
	if err != nil {
		return nil, executorError(PrototypeCreation, "", err)
	}
	rewritten, _, err := rewriteImportedMemory(wasm)
	if err != nil {
		return nil, executorError(PrototypeCreation, "", err)
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	compiled, err := r.CompileModule(ctx, rewritten)
	if err != nil {
		_ = r.Close(ctx)
		return nil, executorError(PrototypeCreation, "", fmt.Errorf("failed to compile runtime: %w", err))
	}
	if err := instantiateHostModule(ctx, r, compiled, config.AllowUnresolvedImports); err != nil {
		_ = r.Close(ctx)
		return nil, executorError(PrototypeCreation, "", err)
	}

	return &Executor{
		config:    config,
		code:      code,
		heapPages: heapPages,
		runtime:   r,
		compiled:  compiled,
		version:   version,
		offchain:  newOffchainStorage(),
		logger:    logging.GlobalLogger.NewSubLogger("module", logging.RUNTIME_SERVICE),
	}, nil
}

// HeapPagesFromStorage decodes the value of the :heappages key. A missing value selects DefaultHeapPages.
func HeapPagesFromStorage(value []byte, found bool) (uint64, error) {
	if !found {
		return DefaultHeapPages, nil
	}
	if len(value) != 8 {
		return 0, executorError(InvalidHeapPages, "", fmt.Errorf("%s holds %d bytes, expected a u64", types.HeapPagesKey, len(value)))
	}
	return binary.LittleEndian.Uint64(value), nil
}

// Code returns the runtime blob the executor was created from, as it was given.
func (e *Executor) Code() []byte {
	return e.code
}

// HeapPages returns the number of heap pages calls may use.
func (e *Executor) HeapPages() uint64 {
	return e.heapPages
}

// Config returns the executor configuration.
func (e *Executor) Config() ExecutorConfig {
	return e.config
}

// Call executes method with SCALE encoded args against storage. Storage writes are never applied to storage; they are
// returned in CallResult.StorageDiff.
func (e *Executor) Call(ctx context.Context, method string, args []byte, storage Storage) (result *CallResult, err error) {
	if storage == nil {
		storage = emptyStorage{}
	}
	cc := &callContext{
		exec:     e,
		method:   method,
		storage:  newOverlay(storage),
		offchain: map[string][]byte{},
		root:     stateRoot(storage),
	}
	ctx = withCallContext(ctx, cc)

	// Host functions report errors by panicking with a trap. Panics outside of wasm frames land here.
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, e.classify(method, r)
		}
	}()

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, executorError(Start, method, fmt.Errorf("failed to instantiate runtime: %w", err))
	}
	defer mod.Close(ctx)

	entry := mod.ExportedFunction(method)
	if entry == nil {
		return nil, executorError(Start, method, fmt.Errorf("runtime does not export %s", method))
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, executorError(Start, method, errors.New("runtime does not export its memory"))
	}
	heapBase, err := heapBaseOf(mod)
	if err != nil {
		return nil, executorError(Start, method, err)
	}
	cc.alloc = newAllocator(mem, heapBase, uint64(mem.Size())/wasmPageSize+e.heapPages)

	argsPtr, err := cc.alloc.allocate(uint32(len(args)))
	if err != nil {
		return nil, executorError(Start, method, fmt.Errorf("failed to allocate call arguments: %w", err))
	}
	if !mem.Write(argsPtr, args) {
		return nil, executorError(Start, method, errors.New("failed to write call arguments"))
	}

	e.logger.Trace("calling ", method, " with ", len(args), " bytes of arguments")
	results, err := entry.Call(ctx, uint64(argsPtr), uint64(len(args)))
	if err != nil {
		return nil, e.classify(method, err)
	}
	if len(results) != 1 {
		return nil, executorError(Trap, method, fmt.Errorf("entry point returned %d values", len(results)))
	}
	output, ok := mem.Read(uint32(results[0]), uint32(results[0]>>32))
	if !ok {
		return nil, executorError(Trap, method, errors.New("entry point returned an out of bounds result"))
	}

	return &CallResult{
		Output:       append([]byte(nil), output...),
		StorageDiff:  cc.storage.changes(),
		OffchainDiff: cc.offchainChanges(),
		Logs:         cc.logs,
	}, nil
}

// classify turns a recovered panic value or an error returned by wazero into an ExecutorError.
func (e *Executor) classify(method string, v any) error {
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("%v", v)
	}
	var t *trap
	if errors.As(err, &t) {
		return executorError(t.kind, method, t.err)
	}
	return executorError(Trap, method, err)
}

// heapBaseOf returns the first address the runtime leaves to the host allocator.
func heapBaseOf(mod api.Module) (uint32, error) {
	g := mod.ExportedGlobal("__heap_base")
	if g == nil {
		return 0, errors.New("runtime does not export __heap_base")
	}
	return uint32(g.Get()), nil
}

// RuntimeVersion returns the version of the runtime, from its custom sections when present and from Core_version
// otherwise.
func (e *Executor) RuntimeVersion(ctx context.Context) (*types.RuntimeVersion, error) {
	e.versionLock.Lock()
	defer e.versionLock.Unlock()
	if e.version != nil {
		return e.version, nil
	}
	res, err := e.Call(ctx, coreVersionMethod, nil, emptyStorage{})
	if err != nil {
		return nil, err
	}
	version, err := types.DecodeRuntimeVersion(res.Output)
	if err != nil {
		return nil, executorError(Trap, coreVersionMethod, err)
	}
	e.version = version
	return version, nil
}

// Close releases the compiled runtime.
func (e *Executor) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// forwardLog writes a runtime log message to the runtime logger when its level is enabled.
func (e *Executor) forwardLog(level LogLevel, target string, message string) {
	if level == LogLevelOff || level > e.config.MaxLogLevel {
		return
	}
	switch level {
	case LogLevelError:
		e.logger.Error(target, ": ", message)
	case LogLevelWarn:
		e.logger.Warn(target, ": ", message)
	case LogLevelInfo:
		e.logger.Info(target, ": ", message)
	case LogLevelDebug:
		e.logger.Debug(target, ": ", message)
	default:
		e.logger.Trace(target, ": ", message)
	}
}

// ReadRuntimeVersion returns the version of a runtime blob without keeping an executor around.
func ReadRuntimeVersion(ctx context.Context, code []byte, config ExecutorConfig) (*types.RuntimeVersion, error) {
	wasm, err := Decompress(code)
	if err != nil {
		return nil, err
	}
	if version, ok, err := embeddedVersion(wasm); err != nil || ok {
		return version, err
	}
	exec, err := NewExecutor(ctx, wasm, 0, config)
	if err != nil {
		return nil, err
	}
	defer exec.Close(ctx)
	return exec.RuntimeVersion(ctx)
}

// emptyStorage is the state of a runtime that has no storage, used to read its version.
type emptyStorage struct{}

func (emptyStorage) Get(context.Context, []byte) ([]byte, bool, error) {
	return nil, false, nil
}

func (emptyStorage) NextKey(context.Context, []byte, []byte) ([]byte, error) {
	return nil, nil
}
