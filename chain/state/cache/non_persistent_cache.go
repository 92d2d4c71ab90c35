package cache

import (
	"bytes"
	"slices"
	"sync"

	"github.com/crytic/subfork/chain/types"
)

// blockEntries holds the storage entries of one block with their keys kept sorted for ordered iteration.
type blockEntries struct {
	values map[string]*CachedValue
	keys   []string
}

func (b *blockEntries) set(key []byte, value *CachedValue) {
	k := string(key)
	if _, ok := b.values[k]; !ok {
		idx, _ := slices.BinarySearch(b.keys, k)
		b.keys = slices.Insert(b.keys, idx, k)
	}
	b.values[k] = value
}

// nonPersistentStorageCache provides a thread-safe cache for storing storage entries without persisting to disk.
type nonPersistentStorageCache struct {
	storageLock sync.RWMutex
	storage     map[types.Hash]*blockEntries

	blockLock     sync.RWMutex
	blocks        map[types.Hash]*BlockRecord
	blockByNumber map[uint32]types.Hash

	auxLock  sync.RWMutex
	prefixes map[types.Hash]map[string]*PrefixProgress
	diffs    map[types.Hash][]StorageChange
}

// NewNonPersistentCache creates a StorageCache that lives in memory only.
func NewNonPersistentCache() StorageCache {
	return newNonPersistentStorageCache()
}

func newNonPersistentStorageCache() *nonPersistentStorageCache {
	return &nonPersistentStorageCache{
		storage:       make(map[types.Hash]*blockEntries),
		blocks:        make(map[types.Hash]*BlockRecord),
		blockByNumber: make(map[uint32]types.Hash),
		prefixes:      make(map[types.Hash]map[string]*PrefixProgress),
		diffs:         make(map[types.Hash][]StorageChange),
	}
}

// Get checks if the entry is present in the cache, and if not, returns ErrCacheMiss
func (s *nonPersistentStorageCache) Get(block types.Hash, key []byte) (*CachedValue, error) {
	s.storageLock.RLock()
	defer s.storageLock.RUnlock()

	if entries, ok := s.storage[block]; ok {
		if value, ok := entries.values[string(key)]; ok {
			return value, nil
		}
	}
	return nil, ErrCacheMiss
}

func (s *nonPersistentStorageCache) Set(block types.Hash, key []byte, value *CachedValue) error {
	s.storageLock.Lock()
	defer s.storageLock.Unlock()
	s.entriesFor(block).set(key, value)
	return nil
}

// entriesFor returns the entries of a block, creating them if needed. The caller must hold the write lock.
func (s *nonPersistentStorageCache) entriesFor(block types.Hash) *blockEntries {
	entries, ok := s.storage[block]
	if !ok {
		entries = &blockEntries{values: make(map[string]*CachedValue)}
		s.storage[block] = entries
	}
	return entries
}

func (s *nonPersistentStorageCache) GetBatch(block types.Hash, keys [][]byte) ([]*CachedValue, error) {
	s.storageLock.RLock()
	defer s.storageLock.RUnlock()

	out := make([]*CachedValue, len(keys))
	entries, ok := s.storage[block]
	if !ok {
		return out, nil
	}
	for i, key := range keys {
		out[i] = entries.values[string(key)]
	}
	return out, nil
}

func (s *nonPersistentStorageCache) SetBatch(block types.Hash, keys [][]byte, values []*CachedValue) error {
	if len(keys) != len(values) {
		return errBatchLength(len(keys), len(values))
	}
	s.storageLock.Lock()
	defer s.storageLock.Unlock()
	entries := s.entriesFor(block)
	for i, key := range keys {
		entries.set(key, values[i])
	}
	return nil
}

func (s *nonPersistentStorageCache) NextKey(block types.Hash, prefix []byte, after []byte) ([]byte, error) {
	s.storageLock.RLock()
	defer s.storageLock.RUnlock()

	entries, ok := s.storage[block]
	if !ok {
		return nil, nil
	}
	start := string(prefix)
	if bytes.Compare(after, prefix) > 0 {
		start = string(after)
	}
	idx, _ := slices.BinarySearch(entries.keys, start)
	for ; idx < len(entries.keys); idx++ {
		k := entries.keys[idx]
		if !bytes.HasPrefix([]byte(k), prefix) {
			return nil, nil
		}
		if k == string(after) || !entries.values[k].Exists {
			continue
		}
		return []byte(k), nil
	}
	return nil, nil
}

func (s *nonPersistentStorageCache) GetBlock(hash types.Hash) (*BlockRecord, error) {
	s.blockLock.RLock()
	defer s.blockLock.RUnlock()
	if record, ok := s.blocks[hash]; ok {
		return record, nil
	}
	return nil, ErrCacheMiss
}

func (s *nonPersistentStorageCache) GetBlockByNumber(number uint32) (*BlockRecord, error) {
	s.blockLock.RLock()
	defer s.blockLock.RUnlock()
	if hash, ok := s.blockByNumber[number]; ok {
		return s.blocks[hash], nil
	}
	return nil, ErrCacheMiss
}

func (s *nonPersistentStorageCache) SetBlock(record *BlockRecord) error {
	s.blockLock.Lock()
	defer s.blockLock.Unlock()
	s.blocks[record.Hash] = record
	s.blockByNumber[record.Number] = record.Hash
	return nil
}

func (s *nonPersistentStorageCache) GetPrefixProgress(block types.Hash, prefix []byte) (*PrefixProgress, error) {
	s.auxLock.RLock()
	defer s.auxLock.RUnlock()
	if progress, ok := s.prefixes[block][string(prefix)]; ok {
		return progress, nil
	}
	return nil, ErrCacheMiss
}

func (s *nonPersistentStorageCache) SetPrefixProgress(block types.Hash, prefix []byte, progress *PrefixProgress) error {
	s.auxLock.Lock()
	defer s.auxLock.Unlock()
	if _, ok := s.prefixes[block]; !ok {
		s.prefixes[block] = make(map[string]*PrefixProgress)
	}
	s.prefixes[block][string(prefix)] = progress
	return nil
}

func (s *nonPersistentStorageCache) GetDiff(block types.Hash) ([]StorageChange, error) {
	s.auxLock.RLock()
	defer s.auxLock.RUnlock()
	if diff, ok := s.diffs[block]; ok {
		return diff, nil
	}
	return nil, ErrCacheMiss
}

func (s *nonPersistentStorageCache) SetDiff(block types.Hash, changes []StorageChange) error {
	s.auxLock.Lock()
	defer s.auxLock.Unlock()
	s.diffs[block] = changes
	return nil
}

func (s *nonPersistentStorageCache) Prune(block types.Hash) error {
	s.storageLock.Lock()
	delete(s.storage, block)
	s.storageLock.Unlock()

	s.blockLock.Lock()
	if record, ok := s.blocks[block]; ok {
		if s.blockByNumber[record.Number] == block {
			delete(s.blockByNumber, record.Number)
		}
		delete(s.blocks, block)
	}
	s.blockLock.Unlock()

	s.auxLock.Lock()
	delete(s.prefixes, block)
	delete(s.diffs, block)
	s.auxLock.Unlock()
	return nil
}

func (s *nonPersistentStorageCache) Close() error {
	return nil
}
