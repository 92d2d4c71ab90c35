package runtime

import (
	"context"

	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/trie"
	"github.com/crytic/subfork/chain/types"
)

// Storage is the read side of the state a runtime call executes against. Writes made by the runtime are collected
// by the executor and returned in CallResult.StorageDiff.
type Storage interface {
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key []byte) ([]byte, bool, error)

	// NextKey returns the first existing key strictly after key that starts with prefix, or nil.
	NextKey(ctx context.Context, prefix []byte, key []byte) ([]byte, error)
}

// Caller executes runtime entry points. The executor implements it, and tests replace it with scripted runtimes.
type Caller interface {
	Call(ctx context.Context, method string, args []byte, storage Storage) (*CallResult, error)
}

// LogEntry is a message the runtime emitted through ext_logging_log.
type LogEntry struct {
	Level   LogLevel
	Target  string
	Message string
}

// CallResult holds the outcome of a successful runtime call.
type CallResult struct {
	// Output is the SCALE encoded value returned by the entry point.
	Output []byte

	// StorageDiff lists the storage writes of the call, sorted by key.
	StorageDiff []cache.StorageChange

	// OffchainDiff lists the offchain index writes of the call, sorted by key.
	OffchainDiff []cache.StorageChange

	// Logs holds the runtime log messages in emission order.
	Logs []LogEntry
}

// rootedStorage attaches the state root of the parent block to a Storage.
type rootedStorage struct {
	Storage
	root types.Hash
}

// WithStateRoot returns s annotated with the state root the runtime starts from. ext_storage_root derives its result
// from this root and the writes of the call.
func WithStateRoot(s Storage, root types.Hash) Storage {
	return &rootedStorage{Storage: s, root: root}
}

// stateRoot returns the root attached with WithStateRoot, or the empty trie root.
func stateRoot(s Storage) types.Hash {
	if r, ok := s.(*rootedStorage); ok {
		return r.root
	}
	return trie.EmptyRoot
}
