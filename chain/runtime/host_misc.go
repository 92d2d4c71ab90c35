package runtime

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	"github.com/crytic/subfork/chain/types"
)

func init() {
	register(map[string]hostFunc{
		"ext_misc_print_num_version_1":       fn(extPrintNum, params(i64)),
		"ext_misc_print_utf8_version_1":      fn(extPrintUtf8, params(i64)),
		"ext_misc_print_hex_version_1":       fn(extPrintHex, params(i64)),
		"ext_misc_runtime_version_version_1": fn(extRuntimeVersion, params(i64), i64),

		"ext_logging_log_version_1":       fn(extLoggingLog, params(i32, i64, i64)),
		"ext_logging_max_level_version_1": fn(extLoggingMaxLevel, params(), i32),

		"ext_allocator_malloc_version_1": fn(extMalloc, params(i32), i32),
		"ext_allocator_free_version_1":   fn(extFree, params(i32)),

		"ext_panic_handler_abort_on_panic_version_1": fn(extAbortOnPanic, params(i64)),

		"ext_transaction_index_index_version_1": fn(extTransactionIndex, params(i32, i32, i32)),
		"ext_transaction_index_renew_version_1": fn(extTransactionIndex, params(i32, i32)),

		"ext_offchain_index_set_version_1":   fn(extOffchainIndexSet, params(i64, i64)),
		"ext_offchain_index_clear_version_1": fn(extOffchainIndexClear, params(i64)),

		"ext_offchain_is_validator_version_1":                 fn(extOffchainIsValidator, params(), i32),
		"ext_offchain_submit_transaction_version_1":           fn(extOffchainResultErr, params(i64), i64),
		"ext_offchain_network_state_version_1":                fn(extOffchainResultErr, params(), i64),
		"ext_offchain_timestamp_version_1":                    fn(extOffchainTimestamp, params(), i64),
		"ext_offchain_sleep_until_version_1":                  fn(extOffchainSleepUntil, params(i64)),
		"ext_offchain_random_seed_version_1":                  fn(extOffchainRandomSeed, params(), i32),
		"ext_offchain_local_storage_set_version_1":            fn(extLocalStorageSet, params(i32, i64, i64)),
		"ext_offchain_local_storage_clear_version_1":          fn(extLocalStorageClear, params(i32, i64)),
		"ext_offchain_local_storage_compare_and_set_version_1": fn(extLocalStorageCompareAndSet, params(i32, i64, i64, i64), i32),
		"ext_offchain_local_storage_get_version_1":            fn(extLocalStorageGet, params(i32, i64), i64),
		"ext_offchain_http_request_start_version_1":           fn(extOffchainResultErr, params(i64, i64, i64), i64),
		"ext_offchain_http_request_add_header_version_1":      fn(extOffchainResultErr, params(i32, i64, i64), i64),
		"ext_offchain_http_request_write_body_version_1":      fn(extHttpInvalid, params(i32, i64, i64), i64),
		"ext_offchain_http_response_wait_version_1":           fn(extHttpResponseWait, params(i64, i64), i64),
		"ext_offchain_http_response_headers_version_1":        fn(extHttpResponseHeaders, params(i32), i64),
		"ext_offchain_http_response_read_body_version_1":      fn(extHttpInvalid, params(i32, i64, i64), i64),
	})
}

func extPrintNum(ctx context.Context, m api.Module, stack []uint64) {
	callFrom(ctx).exec.logger.Debug("runtime print: ", stack[0])
}

func extPrintUtf8(ctx context.Context, m api.Module, stack []uint64) {
	b := readSpan(m, stack[0])
	if utf8.Valid(b) {
		callFrom(ctx).exec.logger.Debug("runtime print: ", string(b))
	}
}

func extPrintHex(ctx context.Context, m api.Module, stack []uint64) {
	callFrom(ctx).exec.logger.Debug(fmt.Sprintf("runtime print: 0x%x", readSpan(m, stack[0])))
}

// extRuntimeVersion reads the version of another runtime blob, compiling it when the version is not embedded.
func extRuntimeVersion(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	code := readSpan(m, stack[0])
	version, err := ReadRuntimeVersion(ctx, code, cc.exec.config)
	if err != nil {
		cc.exec.logger.Debug("failed to read the version of a runtime blob", err)
		stack[0] = cc.writeSpan(m, []byte{0})
		return
	}
	stack[0] = cc.writeSpan(m, types.EncodeOptionBytes(version.Encode(), true))
}

func extLoggingLog(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	level := LogLevel(uint32(stack[0]))
	target := string(readSpan(m, stack[1]))
	message := strings.TrimRight(string(readSpan(m, stack[2])), "\n")
	cc.logs = append(cc.logs, LogEntry{Level: level, Target: target, Message: message})
	cc.exec.forwardLog(level, target, message)
}

func extLoggingMaxLevel(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = uint64(callFrom(ctx).exec.config.MaxLogLevel)
}

func extMalloc(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	ptr, err := cc.alloc.allocate(uint32(stack[0]))
	if err != nil {
		abort("malloc(%d): %v", uint32(stack[0]), err)
	}
	stack[0] = uint64(ptr)
}

func extFree(ctx context.Context, m api.Module, stack []uint64) {
	if err := callFrom(ctx).alloc.deallocate(uint32(stack[0])); err != nil {
		abort("free: %v", err)
	}
}

func extAbortOnPanic(ctx context.Context, m api.Module, stack []uint64) {
	abort("runtime panicked: %s", string(readSpan(m, stack[0])))
}

// Indexed transactions are only used for storage proofs, which the fork does not produce.
func extTransactionIndex(ctx context.Context, m api.Module, stack []uint64) {}

func extOffchainIndexSet(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	cc.offchain[string(readSpan(m, stack[0]))] = readSpan(m, stack[1])
}

func extOffchainIndexClear(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	cc.offchain[string(readSpan(m, stack[0]))] = nil
}

func extOffchainIsValidator(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = 0
}

// extOffchainResultErr answers Err(()) for offchain operations that need networking.
func extOffchainResultErr(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = callFrom(ctx).writeSpan(m, []byte{1})
}

func extOffchainTimestamp(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = uint64(time.Now().UnixMilli())
}

func extOffchainSleepUntil(ctx context.Context, m api.Module, stack []uint64) {
	deadline := time.UnixMilli(int64(stack[0]))
	if d := time.Until(deadline); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
}

func extOffchainRandomSeed(ctx context.Context, m api.Module, stack []uint64) {
	seed := make([]byte, 32)
	_, _ = rand.Read(seed)
	stack[0] = uint64(callFrom(ctx).writeMemory(m, seed))
}

// httpErrorInvalid is the Invalid variant of the offchain HttpError.
const httpErrorInvalid byte = 2

func extHttpInvalid(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = callFrom(ctx).writeSpan(m, []byte{1, httpErrorInvalid})
}

// extHttpResponseWait reports every request as invalid since none can be started.
func extHttpResponseWait(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	dec := types.NewDecoder(readSpan(m, stack[0]))
	count, err := types.DecodeCompact(dec)
	if err != nil {
		abort("invalid request ids: %v", err)
	}
	out := types.EncodeCompact(count)
	for i := uint64(0); i < count; i++ {
		out = append(out, httpErrorInvalid)
	}
	stack[0] = cc.writeSpan(m, out)
}

func extHttpResponseHeaders(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = callFrom(ctx).writeSpan(m, types.EncodeCompact(0))
}

// offchainStorage is the node-local offchain database shared by every call of an executor.
type offchainStorage struct {
	lock       sync.Mutex
	persistent map[string][]byte
	local      map[string][]byte
}

func newOffchainStorage() *offchainStorage {
	return &offchainStorage{persistent: map[string][]byte{}, local: map[string][]byte{}}
}

// kind selects the PERSISTENT (1) or LOCAL (2) offchain storage.
func (s *offchainStorage) kind(kind uint32) map[string][]byte {
	if kind == 2 {
		return s.local
	}
	return s.persistent
}

func extLocalStorageSet(ctx context.Context, m api.Module, stack []uint64) {
	s := callFrom(ctx).exec.offchain
	key, value := readSpan(m, stack[1]), readSpan(m, stack[2])
	s.lock.Lock()
	defer s.lock.Unlock()
	s.kind(uint32(stack[0]))[string(key)] = value
}

func extLocalStorageClear(ctx context.Context, m api.Module, stack []uint64) {
	s := callFrom(ctx).exec.offchain
	key := readSpan(m, stack[1])
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.kind(uint32(stack[0])), string(key))
}

func extLocalStorageCompareAndSet(ctx context.Context, m api.Module, stack []uint64) {
	s := callFrom(ctx).exec.offchain
	key := readSpan(m, stack[1])
	oldEnc, value := readSpan(m, stack[2]), readSpan(m, stack[3])

	var old []byte
	oldSome := len(oldEnc) > 0 && oldEnc[0] == 1
	if oldSome {
		var err error
		if old, err = types.DecodeBytes(types.NewDecoder(oldEnc[1:])); err != nil {
			abort("invalid expected value: %v", err)
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	store := s.kind(uint32(stack[0]))
	current, exists := store[string(key)]
	if exists != oldSome || (exists && string(current) != string(old)) {
		stack[0] = 0
		return
	}
	store[string(key)] = value
	stack[0] = 1
}

func extLocalStorageGet(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	key := readSpan(m, stack[1])
	cc.exec.offchain.lock.Lock()
	v, ok := cc.exec.offchain.kind(uint32(stack[0]))[string(key)]
	cc.exec.offchain.lock.Unlock()
	stack[0] = cc.writeSpan(m, types.EncodeOptionBytes(v, ok))
}
