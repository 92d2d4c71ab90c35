package state

import (
	"bytes"
	"context"
	"errors"

	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/types"
)

// DefaultPrefetchPageSize is the page size used by prefix scans when none is given.
const DefaultPrefetchPageSize = 1000

// Origin is the view of the origin chain used by the remote layer. *rpc.Client implements it.
type Origin interface {
	Header(ctx context.Context, hash types.Hash) (*types.Header, error)
	BlockHash(ctx context.Context, number uint32) (types.Hash, bool, error)
	Block(ctx context.Context, hash types.Hash) (*types.Header, [][]byte, error)
	Storage(ctx context.Context, key []byte, at types.Hash) ([]byte, bool, error)
	StorageBatch(ctx context.Context, keys [][]byte, at types.Hash) ([]*[]byte, error)
	KeysPaged(ctx context.Context, prefix []byte, count uint32, startKey []byte, at types.Hash) ([][]byte, error)
}

// RemoteStorageLayer answers storage reads at the fork point from the cache first and the origin chain second. It
// never changes after construction and is safe for concurrent use. Concurrent misses on the same key may fetch it
// more than once.
type RemoteStorageLayer struct {
	origin     Origin
	cache      cache.StorageCache
	forkHash   types.Hash
	forkNumber uint32
	stats      *RemoteStats
}

// NewRemoteStorageLayer creates a remote layer pinned to the fork block.
func NewRemoteStorageLayer(origin Origin, storageCache cache.StorageCache, forkHash types.Hash, forkNumber uint32) *RemoteStorageLayer {
	return &RemoteStorageLayer{
		origin:     origin,
		cache:      storageCache,
		forkHash:   forkHash,
		forkNumber: forkNumber,
		stats:      newRemoteStats(),
	}
}

// ForkHash returns the hash of the fork block.
func (r *RemoteStorageLayer) ForkHash() types.Hash {
	return r.forkHash
}

// ForkNumber returns the number of the fork block.
func (r *RemoteStorageLayer) ForkNumber() uint32 {
	return r.forkNumber
}

// Cache returns the cache backing the layer.
func (r *RemoteStorageLayer) Cache() cache.StorageCache {
	return r.cache
}

// Stats returns the counters of the layer.
func (r *RemoteStorageLayer) Stats() *RemoteStats {
	return r.stats
}

// Get returns the value of key at the fork block.
func (r *RemoteStorageLayer) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return r.GetAt(ctx, r.forkHash, key)
}

// GetAt returns the value of key at any block of the origin chain.
func (r *RemoteStorageLayer) GetAt(ctx context.Context, block types.Hash, key []byte) ([]byte, bool, error) {
	cached, err := r.cache.Get(block, key)
	if err == nil {
		r.stats.cacheHits.Add(1)
		return cached.Value, cached.Exists, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, storageError("get", key, err)
	}
	r.stats.cacheMisses.Add(1)

	r.stats.remoteFetches.Add(1)
	value, found, err := r.origin.Storage(ctx, key, block)
	if err != nil {
		r.stats.errors.Add(1)
		return nil, false, storageError("get", key, err)
	}
	entry := cache.Absent()
	if found {
		entry = cache.Present(value)
	}
	if err := r.cache.Set(block, key, entry); err != nil {
		return nil, false, storageError("get", key, err)
	}
	return value, found, nil
}

// GetBatch returns the values of keys at the fork block, in input order. Uncached keys are fetched with a single
// batched request.
func (r *RemoteStorageLayer) GetBatch(ctx context.Context, keys [][]byte) ([]cache.CachedValue, error) {
	cached, err := r.cache.GetBatch(r.forkHash, keys)
	if err != nil {
		return nil, storageError("get batch", nil, err)
	}

	out := make([]cache.CachedValue, len(keys))
	var missingIdx []int
	var missingKeys [][]byte
	for i, entry := range cached {
		if entry == nil {
			missingIdx = append(missingIdx, i)
			missingKeys = append(missingKeys, keys[i])
			continue
		}
		out[i] = *entry
	}
	r.stats.cacheHits.Add(uint64(len(keys) - len(missingKeys)))
	r.stats.cacheMisses.Add(uint64(len(missingKeys)))
	if len(missingKeys) == 0 {
		return out, nil
	}

	r.stats.batchFetches.Add(1)
	r.stats.keysFetched.Add(uint64(len(missingKeys)))
	fetched, err := r.origin.StorageBatch(ctx, missingKeys, r.forkHash)
	if err != nil {
		r.stats.errors.Add(1)
		return nil, storageError("get batch", nil, err)
	}
	entries := make([]*cache.CachedValue, len(missingKeys))
	for j, value := range fetched {
		entry := cache.Absent()
		if value != nil {
			entry = cache.Present(*value)
		}
		entries[j] = entry
		out[missingIdx[j]] = *entry
	}
	if err := r.cache.SetBatch(r.forkHash, missingKeys, entries); err != nil {
		return nil, storageError("get batch", nil, err)
	}
	return out, nil
}

// PrefetchPrefix pages through every key under prefix and caches the values. A scan interrupted earlier, even in a
// previous process, resumes where it stopped. It returns the number of keys fetched by this call.
func (r *RemoteStorageLayer) PrefetchPrefix(ctx context.Context, prefix []byte, pageSize uint32) (int, error) {
	if pageSize == 0 {
		pageSize = DefaultPrefetchPageSize
	}
	progress, err := r.cache.GetPrefixProgress(r.forkHash, prefix)
	if errors.Is(err, cache.ErrCacheMiss) {
		progress = &cache.PrefixProgress{}
	} else if err != nil {
		return 0, storageError("prefetch", prefix, err)
	}
	if progress.Complete {
		return 0, nil
	}

	count := 0
	startKey := progress.LastKey
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		r.stats.remoteFetches.Add(1)
		keys, err := r.origin.KeysPaged(ctx, prefix, pageSize, startKey, r.forkHash)
		if err != nil {
			r.stats.errors.Add(1)
			return count, storageError("prefetch", prefix, err)
		}
		if len(keys) > 0 {
			if _, err := r.GetBatch(ctx, keys); err != nil {
				return count, err
			}
			count += len(keys)
			startKey = keys[len(keys)-1]
		}
		done := uint32(len(keys)) < pageSize
		next := &cache.PrefixProgress{LastKey: startKey, Complete: done}
		if err := r.cache.SetPrefixProgress(r.forkHash, prefix, next); err != nil {
			return count, storageError("prefetch", prefix, err)
		}
		if done {
			return count, nil
		}
	}
}

// IsPrefixComplete reports whether every key under prefix is cached.
func (r *RemoteStorageLayer) IsPrefixComplete(prefix []byte) bool {
	progress, err := r.cache.GetPrefixProgress(r.forkHash, prefix)
	return err == nil && progress.Complete
}

// NextKey returns the first key under prefix that sorts after key at the fork block, or nil.
func (r *RemoteStorageLayer) NextKey(ctx context.Context, prefix []byte, key []byte) ([]byte, error) {
	return r.NextKeyAt(ctx, r.forkHash, prefix, key)
}

// NextKeyAt returns the first key under prefix that sorts after key at block, or nil.
func (r *RemoteStorageLayer) NextKeyAt(ctx context.Context, block types.Hash, prefix []byte, key []byte) ([]byte, error) {
	if block == r.forkHash && r.completedPrefix(prefix) {
		r.stats.cacheHits.Add(1)
		next, err := r.cache.NextKey(block, prefix, key)
		if err != nil {
			return nil, storageError("next key", key, err)
		}
		return next, nil
	}
	start := key
	if bytes.Compare(start, prefix) < 0 {
		start = nil
	}
	r.stats.remoteFetches.Add(1)
	keys, err := r.origin.KeysPaged(ctx, prefix, 1, start, block)
	if err != nil {
		r.stats.errors.Add(1)
		return nil, storageError("next key", key, err)
	}
	for _, k := range keys {
		if bytes.HasPrefix(k, prefix) && bytes.Compare(k, key) > 0 {
			return k, nil
		}
	}
	return nil, nil
}

// completedPrefix reports whether prefix, or one of its ancestors, was scanned completely.
func (r *RemoteStorageLayer) completedPrefix(prefix []byte) bool {
	for i := len(prefix); i >= 0; i-- {
		if r.IsPrefixComplete(prefix[:i]) {
			return true
		}
	}
	return false
}

// Keys returns every key under prefix at the fork block.
func (r *RemoteStorageLayer) Keys(ctx context.Context, prefix []byte) ([][]byte, error) {
	var out [][]byte
	var startKey []byte
	for {
		r.stats.remoteFetches.Add(1)
		keys, err := r.origin.KeysPaged(ctx, prefix, DefaultPrefetchPageSize, startKey, r.forkHash)
		if err != nil {
			r.stats.errors.Add(1)
			return nil, storageError("keys", prefix, err)
		}
		out = append(out, keys...)
		if len(keys) < DefaultPrefetchPageSize {
			return out, nil
		}
		startKey = keys[len(keys)-1]
	}
}

// KeysPaged returns up to count keys under prefix after startKey at the given origin block.
func (r *RemoteStorageLayer) KeysPaged(ctx context.Context, block types.Hash, prefix []byte, count uint32, startKey []byte) ([][]byte, error) {
	r.stats.remoteFetches.Add(1)
	keys, err := r.origin.KeysPaged(ctx, prefix, count, startKey, block)
	if err != nil {
		r.stats.errors.Add(1)
		return nil, storageError("keys paged", prefix, err)
	}
	return keys, nil
}

// blockRecord returns the cached record of an origin block, fetching its header when needed.
func (r *RemoteStorageLayer) blockRecord(ctx context.Context, hash types.Hash) (*cache.BlockRecord, error) {
	record, err := r.cache.GetBlock(hash)
	if err == nil {
		r.stats.cacheHits.Add(1)
		return record, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, storageError("block", hash[:], err)
	}
	r.stats.cacheMisses.Add(1)
	r.stats.remoteFetches.Add(1)
	header, err := r.origin.Header(ctx, hash)
	if err != nil {
		r.stats.errors.Add(1)
		return nil, storageError("block", hash[:], err)
	}
	if header == nil {
		return nil, ErrBlockHashNotFound
	}
	record = &cache.BlockRecord{
		Number:     header.Number,
		Hash:       hash,
		ParentHash: header.ParentHash,
		Header:     header.Encode(),
	}
	if err := r.cache.SetBlock(record); err != nil {
		return nil, storageError("block", hash[:], err)
	}
	return record, nil
}

// BlockHeader returns the decoded header of an origin block.
func (r *RemoteStorageLayer) BlockHeader(ctx context.Context, hash types.Hash) (*types.Header, error) {
	record, err := r.blockRecord(ctx, hash)
	if err != nil {
		return nil, err
	}
	return types.DecodeHeader(record.Header)
}

// BlockBody returns the extrinsics of an origin block.
func (r *RemoteStorageLayer) BlockBody(ctx context.Context, hash types.Hash) ([][]byte, error) {
	record, err := r.blockRecord(ctx, hash)
	if err != nil {
		return nil, err
	}
	if record.HasBody {
		return record.Extrinsics, nil
	}
	r.stats.remoteFetches.Add(1)
	header, extrinsics, err := r.origin.Block(ctx, hash)
	if err != nil {
		r.stats.errors.Add(1)
		return nil, storageError("block body", hash[:], err)
	}
	if header == nil {
		return nil, ErrBlockHashNotFound
	}
	if extrinsics == nil {
		extrinsics = [][]byte{}
	}
	updated := *record
	updated.Extrinsics, updated.HasBody = extrinsics, true
	if err := r.cache.SetBlock(&updated); err != nil {
		return nil, storageError("block body", hash[:], err)
	}
	return extrinsics, nil
}

// BlockHashByNumber returns the hash of the origin block at number.
func (r *RemoteStorageLayer) BlockHashByNumber(ctx context.Context, number uint32) (types.Hash, error) {
	if number == r.forkNumber {
		return r.forkHash, nil
	}
	if number > r.forkNumber {
		return types.Hash{}, ErrBlockNumberNotFound
	}
	if record, err := r.cache.GetBlockByNumber(number); err == nil {
		r.stats.cacheHits.Add(1)
		return record.Hash, nil
	}
	r.stats.remoteFetches.Add(1)
	hash, found, err := r.origin.BlockHash(ctx, number)
	if err != nil {
		r.stats.errors.Add(1)
		return types.Hash{}, storageError("block hash", nil, err)
	}
	if !found {
		return types.Hash{}, ErrBlockNumberNotFound
	}
	// Fetching the header records the number to hash mapping.
	if _, err := r.blockRecord(ctx, hash); err != nil {
		return types.Hash{}, err
	}
	return hash, nil
}

// BlockNumberByHash returns the number of an origin block.
func (r *RemoteStorageLayer) BlockNumberByHash(ctx context.Context, hash types.Hash) (uint32, error) {
	record, err := r.blockRecord(ctx, hash)
	if err != nil {
		return 0, err
	}
	return record.Number, nil
}

// ParentHash returns the parent of an origin block.
func (r *RemoteStorageLayer) ParentHash(ctx context.Context, hash types.Hash) (types.Hash, error) {
	record, err := r.blockRecord(ctx, hash)
	if err != nil {
		return types.Hash{}, err
	}
	return record.ParentHash, nil
}
