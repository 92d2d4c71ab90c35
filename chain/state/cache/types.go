package cache

import (
	"errors"

	"github.com/crytic/subfork/chain/types"
)

// ErrCacheMiss is returned when an entry was never resolved. It is distinct from a cached absence.
var ErrCacheMiss = errors.New("not found in cache")

// CachedValue is a resolved storage entry. Exists is false for a key confirmed absent at the block.
type CachedValue struct {
	Value  []byte `cbor:"1,keyasint,omitempty"`
	Exists bool   `cbor:"2,keyasint"`
}

// Present creates a CachedValue for a key holding value.
func Present(value []byte) *CachedValue {
	return &CachedValue{Value: value, Exists: true}
}

// Absent creates a CachedValue for a key confirmed absent.
func Absent() *CachedValue {
	return &CachedValue{}
}

// BlockRecord is a block of the origin chain known to the cache.
type BlockRecord struct {
	Number     uint32     `cbor:"1,keyasint"`
	Hash       types.Hash `cbor:"2,keyasint"`
	ParentHash types.Hash `cbor:"3,keyasint"`
	Header     []byte     `cbor:"4,keyasint"`
	Extrinsics [][]byte   `cbor:"5,keyasint,omitempty"`
	// HasBody is set once Extrinsics holds the block body.
	HasBody bool `cbor:"6,keyasint,omitempty"`
}

// PrefixProgress records how far a prefix scan went. LastKey is the last key fetched, and Complete is set once every
// key under the prefix is cached.
type PrefixProgress struct {
	LastKey  []byte `cbor:"1,keyasint,omitempty"`
	Complete bool   `cbor:"2,keyasint"`
}

// StorageChange is a single entry of a committed local diff. A nil Value with Deleted set removes the key.
type StorageChange struct {
	Key     []byte `cbor:"1,keyasint"`
	Value   []byte `cbor:"2,keyasint,omitempty"`
	Deleted bool   `cbor:"3,keyasint,omitempty"`
}

// StorageCache stores resolved storage entries keyed by (block hash, storage key) together with the auxiliary
// records of the fork engine. Implementations are safe for concurrent use.
type StorageCache interface {
	// Get returns the cached entry or ErrCacheMiss.
	Get(block types.Hash, key []byte) (*CachedValue, error)
	// Set records a resolved entry.
	Set(block types.Hash, key []byte, value *CachedValue) error
	// GetBatch returns one entry per key, nil where the key was never resolved.
	GetBatch(block types.Hash, keys [][]byte) ([]*CachedValue, error)
	// SetBatch records many resolved entries.
	SetBatch(block types.Hash, keys [][]byte, values []*CachedValue) error
	// NextKey returns the smallest cached present key under prefix that is strictly greater than after, or nil.
	NextKey(block types.Hash, prefix []byte, after []byte) ([]byte, error)

	// GetBlock returns a cached block by hash or ErrCacheMiss.
	GetBlock(hash types.Hash) (*BlockRecord, error)
	// GetBlockByNumber returns a cached block by number or ErrCacheMiss.
	GetBlockByNumber(number uint32) (*BlockRecord, error)
	// SetBlock records a block.
	SetBlock(record *BlockRecord) error

	// GetPrefixProgress returns the scan progress of a prefix or ErrCacheMiss.
	GetPrefixProgress(block types.Hash, prefix []byte) (*PrefixProgress, error)
	// SetPrefixProgress records the scan progress of a prefix.
	SetPrefixProgress(block types.Hash, prefix []byte, progress *PrefixProgress) error

	// GetDiff returns the committed local diff stored under a block hash or ErrCacheMiss.
	GetDiff(block types.Hash) ([]StorageChange, error)
	// SetDiff stores a committed local diff.
	SetDiff(block types.Hash, changes []StorageChange) error

	// Prune drops every record held for the block.
	Prune(block types.Hash) error
	// Close releases the resources held by the cache.
	Close() error
}
