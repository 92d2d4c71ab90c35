package runtime

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"

	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/trie"
	"github.com/crytic/subfork/chain/types"
)

func init() {
	register(map[string]hostFunc{
		"ext_storage_set_version_1":          fn(extStorageSet, params(i64, i64)),
		"ext_storage_get_version_1":          fn(extStorageGet, params(i64), i64),
		"ext_storage_read_version_1":         fn(extStorageRead, params(i64, i64, i32), i64),
		"ext_storage_clear_version_1":        fn(extStorageClear, params(i64)),
		"ext_storage_exists_version_1":       fn(extStorageExists, params(i64), i32),
		"ext_storage_clear_prefix_version_1": fn(extStorageClearPrefixV1, params(i64)),
		"ext_storage_clear_prefix_version_2": fn(extStorageClearPrefixV2, params(i64, i64), i64),
		"ext_storage_clear_prefix_version_3": fn(extStorageClearPrefixV3, params(i64, i64, i64), i64),
		"ext_storage_append_version_1":       fn(extStorageAppend, params(i64, i64)),
		"ext_storage_root_version_1":         fn(extStorageRoot, params(), i64),
		"ext_storage_root_version_2":         fn(extStorageRoot, params(i32), i64),
		"ext_storage_changes_root_version_1": fn(extStorageChangesRoot, params(i64), i64),
		"ext_storage_next_key_version_1":     fn(extStorageNextKey, params(i64), i64),

		"ext_storage_start_transaction_version_1":    fn(extStorageStartTransaction, params()),
		"ext_storage_rollback_transaction_version_1": fn(extStorageRollbackTransaction, params()),
		"ext_storage_commit_transaction_version_1":   fn(extStorageCommitTransaction, params()),

		"ext_default_child_storage_get_version_1":          fn(extChildGet, params(i64, i64), i64),
		"ext_default_child_storage_read_version_1":         fn(extChildRead, params(i64, i64, i64, i32), i64),
		"ext_default_child_storage_set_version_1":          fn(extChildSet, params(i64, i64, i64)),
		"ext_default_child_storage_clear_version_1":        fn(extChildClear, params(i64, i64)),
		"ext_default_child_storage_exists_version_1":       fn(extChildExists, params(i64, i64), i32),
		"ext_default_child_storage_storage_kill_version_1": fn(extChildKillV1, params(i64)),
		"ext_default_child_storage_storage_kill_version_2": fn(extChildKillV2, params(i64, i64), i32),
		"ext_default_child_storage_storage_kill_version_3": fn(extChildKillV3, params(i64, i64), i64),
		"ext_default_child_storage_storage_kill_version_4": fn(extChildKillV4, params(i64, i64), i64),
		"ext_default_child_storage_clear_prefix_version_1": fn(extChildClearPrefixV1, params(i64, i64)),
		"ext_default_child_storage_clear_prefix_version_2": fn(extChildClearPrefixV2, params(i64, i64, i64), i64),
		"ext_default_child_storage_root_version_1":         fn(extChildRoot, params(i64), i64),
		"ext_default_child_storage_root_version_2":         fn(extChildRoot, params(i64, i32), i64),
		"ext_default_child_storage_next_key_version_1":     fn(extChildNextKey, params(i64, i64), i64),

		"ext_storage_proof_size_storage_proof_size_version_1": fn(extStorageProofSize, params(), i64),
	})
}

// get reads key through the call overlay, aborting the call on storage errors.
func (cc *callContext) get(ctx context.Context, key []byte) ([]byte, bool) {
	v, ok, err := cc.storage.get(ctx, key)
	if err != nil {
		abortStorage(err)
	}
	return v, ok
}

func (cc *callContext) nextKey(ctx context.Context, prefix []byte, key []byte) []byte {
	next, err := cc.storage.nextKey(ctx, prefix, key)
	if err != nil {
		abortStorage(err)
	}
	return next
}

func (cc *callContext) clearPrefix(ctx context.Context, prefix []byte, limit *uint32) (uint32, bool) {
	removed, complete, err := cc.storage.clearPrefix(ctx, prefix, limit)
	if err != nil {
		abortStorage(err)
	}
	return removed, complete
}

// decodeLimit reads an Option<u32> removal limit.
func decodeLimit(b []byte) *uint32 {
	if len(b) == 0 || b[0] == 0 {
		return nil
	}
	if len(b) < 5 {
		abort("invalid removal limit encoding")
	}
	limit := binary.LittleEndian.Uint32(b[1:5])
	return &limit
}

// killStorageResult encodes the AllRemoved/SomeRemaining result of a limited removal.
func killStorageResult(removed uint32, complete bool) []byte {
	out := make([]byte, 5)
	if !complete {
		out[0] = 1
	}
	binary.LittleEndian.PutUint32(out[1:], removed)
	return out
}

// multiRemovalResults encodes the cursor-based removal result. The removal never needs a cursor to resume because
// the overlay hides removed keys immediately.
func multiRemovalResults(removed uint32, complete bool, lastKey []byte) []byte {
	var out []byte
	if complete {
		out = append(out, 0)
	} else {
		out = append(out, 1)
		out = append(out, types.EncodeBytes(lastKey)...)
	}
	var counts [12]byte
	binary.LittleEndian.PutUint32(counts[0:], removed)
	binary.LittleEndian.PutUint32(counts[4:], removed)
	binary.LittleEndian.PutUint32(counts[8:], removed)
	return append(out, counts[:]...)
}

// readValue implements the partial read used by ext_storage_read and its child variant.
func readValue(m api.Module, value []byte, found bool, out uint64, offset uint32) []byte {
	if !found {
		return []byte{0}
	}
	if offset > uint32(len(value)) {
		offset = uint32(len(value))
	}
	data := value[offset:]
	writeInto(m, out, data)
	res := make([]byte, 5)
	res[0] = 1
	binary.LittleEndian.PutUint32(res[1:], uint32(len(data)))
	return res
}

// pseudoRoot derives a deterministic root from the parent root and the writes of the call. It is not a trie root:
// the fork never holds the full state needed to compute one.
func pseudoRoot(parent types.Hash, changes []cache.StorageChange) types.Hash {
	if len(changes) == 0 {
		return parent
	}
	var buf bytes.Buffer
	buf.Write(parent[:])
	for _, c := range changes {
		buf.Write(types.EncodeBytes(c.Key))
		buf.Write(types.EncodeOptionBytes(c.Value, !c.Deleted))
	}
	return types.Blake2_256(buf.Bytes())
}

func extStorageSet(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	cc.storage.set(readSpan(m, stack[0]), readSpan(m, stack[1]))
}

func extStorageGet(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	v, ok := cc.get(ctx, readSpan(m, stack[0]))
	stack[0] = cc.writeSpan(m, types.EncodeOptionBytes(v, ok))
}

func extStorageRead(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	v, ok := cc.get(ctx, readSpan(m, stack[0]))
	stack[0] = cc.writeSpan(m, readValue(m, v, ok, stack[1], uint32(stack[2])))
}

func extStorageClear(ctx context.Context, m api.Module, stack []uint64) {
	callFrom(ctx).storage.clear(readSpan(m, stack[0]))
}

func extStorageExists(ctx context.Context, m api.Module, stack []uint64) {
	_, ok := callFrom(ctx).get(ctx, readSpan(m, stack[0]))
	stack[0] = boolResult(ok)
}

func extStorageClearPrefixV1(ctx context.Context, m api.Module, stack []uint64) {
	callFrom(ctx).clearPrefix(ctx, readSpan(m, stack[0]), nil)
}

func extStorageClearPrefixV2(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	removed, complete := cc.clearPrefix(ctx, readSpan(m, stack[0]), decodeLimit(readSpan(m, stack[1])))
	stack[0] = cc.writeSpan(m, killStorageResult(removed, complete))
}

func extStorageClearPrefixV3(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	prefix := readSpan(m, stack[0])
	removed, complete := cc.clearPrefix(ctx, prefix, decodeLimit(readSpan(m, stack[1])))
	stack[0] = cc.writeSpan(m, multiRemovalResults(removed, complete, prefix))
}

// extStorageAppend appends an encoded item to a SCALE vector, replacing values that are not valid vectors.
func extStorageAppend(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	key, item := readSpan(m, stack[0]), readSpan(m, stack[1])
	existing, ok := cc.get(ctx, key)
	next := append(types.EncodeCompact(1), item...)
	if ok && len(existing) > 0 {
		dec := types.NewDecoder(existing)
		if count, err := types.DecodeCompact(dec); err == nil {
			headerLen := len(types.EncodeCompact(count))
			next = types.EncodeCompact(count + 1)
			next = append(next, existing[headerLen:]...)
			next = append(next, item...)
		}
	}
	cc.storage.set(key, next)
}

func extStorageRoot(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	root := pseudoRoot(cc.root, cc.storage.changes())
	stack[0] = cc.writeSpan(m, root[:])
}

func extStorageChangesRoot(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = callFrom(ctx).writeSpan(m, []byte{0})
}

func extStorageNextKey(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	next := cc.nextKey(ctx, nil, readSpan(m, stack[0]))
	stack[0] = cc.writeSpan(m, types.EncodeOptionBytes(next, next != nil))
}

func extStorageStartTransaction(ctx context.Context, m api.Module, stack []uint64) {
	callFrom(ctx).storage.startTransaction()
}

func extStorageRollbackTransaction(ctx context.Context, m api.Module, stack []uint64) {
	if err := callFrom(ctx).storage.rollbackTransaction(); err != nil {
		abort("rollback: %v", err)
	}
}

func extStorageCommitTransaction(ctx context.Context, m api.Module, stack []uint64) {
	if err := callFrom(ctx).storage.commitTransaction(); err != nil {
		abort("commit: %v", err)
	}
}

// Default child tries are stored flat in the main key space, under ChildStorageKey.

func childKey(m api.Module, child uint64, key uint64) []byte {
	return types.ChildStorageKey(readSpan(m, child), readSpan(m, key))
}

func extChildGet(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	v, ok := cc.get(ctx, childKey(m, stack[0], stack[1]))
	stack[0] = cc.writeSpan(m, types.EncodeOptionBytes(v, ok))
}

func extChildRead(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	v, ok := cc.get(ctx, childKey(m, stack[0], stack[1]))
	stack[0] = cc.writeSpan(m, readValue(m, v, ok, stack[2], uint32(stack[3])))
}

func extChildSet(ctx context.Context, m api.Module, stack []uint64) {
	callFrom(ctx).storage.set(childKey(m, stack[0], stack[1]), readSpan(m, stack[2]))
}

func extChildClear(ctx context.Context, m api.Module, stack []uint64) {
	callFrom(ctx).storage.clear(childKey(m, stack[0], stack[1]))
}

func extChildExists(ctx context.Context, m api.Module, stack []uint64) {
	_, ok := callFrom(ctx).get(ctx, childKey(m, stack[0], stack[1]))
	stack[0] = boolResult(ok)
}

func extChildKillV1(ctx context.Context, m api.Module, stack []uint64) {
	callFrom(ctx).clearPrefix(ctx, types.ChildStorageKey(readSpan(m, stack[0]), nil), nil)
}

func extChildKillV2(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	_, complete := cc.clearPrefix(ctx, types.ChildStorageKey(readSpan(m, stack[0]), nil), decodeLimit(readSpan(m, stack[1])))
	stack[0] = boolResult(complete)
}

func extChildKillV3(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	removed, complete := cc.clearPrefix(ctx, types.ChildStorageKey(readSpan(m, stack[0]), nil), decodeLimit(readSpan(m, stack[1])))
	stack[0] = cc.writeSpan(m, killStorageResult(removed, complete))
}

func extChildKillV4(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	prefix := types.ChildStorageKey(readSpan(m, stack[0]), nil)
	removed, complete := cc.clearPrefix(ctx, prefix, decodeLimit(readSpan(m, stack[1])))
	stack[0] = cc.writeSpan(m, multiRemovalResults(removed, complete, prefix))
}

func extChildClearPrefixV1(ctx context.Context, m api.Module, stack []uint64) {
	callFrom(ctx).clearPrefix(ctx, childKey(m, stack[0], stack[1]), nil)
}

func extChildClearPrefixV2(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	removed, complete := cc.clearPrefix(ctx, childKey(m, stack[0], stack[1]), decodeLimit(readSpan(m, stack[2])))
	stack[0] = cc.writeSpan(m, killStorageResult(removed, complete))
}

// extChildRoot derives the child root from the root stored in the main trie and the child writes of the call.
func extChildRoot(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	child := readSpan(m, stack[0])
	prefix := types.ChildStorageKey(child, nil)
	base := trie.EmptyRoot
	if stored, ok := cc.get(ctx, prefix); ok && len(stored) == types.HashLength {
		base = types.BytesToHash(stored)
	}
	root := pseudoRoot(base, cc.storage.changesWithPrefix(prefix))
	stack[0] = cc.writeSpan(m, root[:])
}

func extChildNextKey(ctx context.Context, m api.Module, stack []uint64) {
	cc := callFrom(ctx)
	prefix := types.ChildStorageKey(readSpan(m, stack[0]), nil)
	key := append(bytes.Clone(prefix), readSpan(m, stack[1])...)
	next := cc.nextKey(ctx, prefix, key)
	if next != nil {
		next = next[len(prefix):]
	}
	stack[0] = cc.writeSpan(m, types.EncodeOptionBytes(next, next != nil))
}

func extStorageProofSize(ctx context.Context, m api.Module, stack []uint64) {
	stack[0] = callFrom(ctx).exec.config.StorageProofSize
}
