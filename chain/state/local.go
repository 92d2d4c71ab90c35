package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/types"
)

// version is the value of a key from block validFrom onwards.
type version struct {
	validFrom uint32
	value     []byte
	deleted   bool
}

// localState is the state shared by every handle of a LocalStorageLayer.
type localState struct {
	remote *RemoteStorageLayer

	lock            sync.RWMutex
	committedNumber uint32
	committedHash   types.Hash

	// pending holds the writes of the block under construction. A nil value deletes the key.
	pending map[string][]byte

	// versions holds the committed history of every locally written key, ordered by validFrom.
	versions map[string][]version
	// localKeys lists the keys of versions in sorted order.
	localKeys []string

	blockHashes  map[uint32]types.Hash
	modifiedKeys map[uint32][][]byte
}

// LocalStorageLayer is a copy-on-write overlay over the remote layer. Writes go to a pending diff for the block under
// construction (committed number + 1) and become visible to reads of earlier blocks only once committed. Copies of a
// LocalStorageLayer share the same state.
type LocalStorageLayer struct {
	state *localState
}

// NewLocalStorageLayer creates an overlay whose committed head is the fork block.
func NewLocalStorageLayer(remote *RemoteStorageLayer) *LocalStorageLayer {
	return &LocalStorageLayer{state: &localState{
		remote:          remote,
		committedNumber: remote.ForkNumber(),
		committedHash:   remote.ForkHash(),
		pending:         make(map[string][]byte),
		versions:        make(map[string][]version),
		blockHashes:     map[uint32]types.Hash{remote.ForkNumber(): remote.ForkHash()},
		modifiedKeys:    make(map[uint32][][]byte),
	}}
}

// Clone returns another handle to the same layer.
func (l *LocalStorageLayer) Clone() *LocalStorageLayer {
	return &LocalStorageLayer{state: l.state}
}

// Remote returns the remote layer under the overlay.
func (l *LocalStorageLayer) Remote() *RemoteStorageLayer {
	return l.state.remote
}

// CommittedNumber returns the number of the latest committed block.
func (l *LocalStorageLayer) CommittedNumber() uint32 {
	l.state.lock.RLock()
	defer l.state.lock.RUnlock()
	return l.state.committedNumber
}

// CommittedHash returns the hash of the latest committed block.
func (l *LocalStorageLayer) CommittedHash() types.Hash {
	l.state.lock.RLock()
	defer l.state.lock.RUnlock()
	return l.state.committedHash
}

// BlockHash returns the hash of a block committed by this layer, including the fork block.
func (l *LocalStorageLayer) BlockHash(number uint32) (types.Hash, bool) {
	l.state.lock.RLock()
	defer l.state.lock.RUnlock()
	hash, ok := l.state.blockHashes[number]
	return hash, ok
}

// Get returns the value of key as seen by block number.
func (l *LocalStorageLayer) Get(ctx context.Context, number uint32, key []byte) ([]byte, bool, error) {
	s := l.state
	s.lock.RLock()
	committed := s.committedNumber
	if number > committed+1 {
		s.lock.RUnlock()
		return nil, false, fmt.Errorf("%w: %d", ErrBlockNumberNotFound, number)
	}
	if number == committed+1 {
		if value, ok := s.pending[string(key)]; ok {
			s.lock.RUnlock()
			return value, value != nil, nil
		}
		number = committed
	}
	forkNumber := s.remote.ForkNumber()
	if number > forkNumber {
		if v, ok := s.versionAt(key, number); ok {
			s.lock.RUnlock()
			if v.deleted {
				return nil, false, nil
			}
			return v.value, true, nil
		}
		number = forkNumber
	}
	s.lock.RUnlock()

	if number == forkNumber {
		return s.remote.Get(ctx, key)
	}
	hash, err := s.remote.BlockHashByNumber(ctx, number)
	if err != nil {
		return nil, false, err
	}
	return s.remote.GetAt(ctx, hash, key)
}

// versionAt returns the committed version of key valid at number. The caller must hold the lock.
func (s *localState) versionAt(key []byte, number uint32) (version, bool) {
	history := s.versions[string(key)]
	// the last version with validFrom <= number
	idx := sort.Search(len(history), func(i int) bool { return history[i].validFrom > number })
	if idx == 0 {
		return version{}, false
	}
	return history[idx-1], true
}

// Set writes value under key in the pending diff.
func (l *LocalStorageLayer) Set(key []byte, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	l.state.lock.Lock()
	defer l.state.lock.Unlock()
	l.state.pending[string(key)] = v
}

// Delete removes key in the pending diff.
func (l *LocalStorageLayer) Delete(key []byte) {
	l.state.lock.Lock()
	defer l.state.lock.Unlock()
	l.state.pending[string(key)] = nil
}

// SetBatch applies many changes to the pending diff.
func (l *LocalStorageLayer) SetBatch(changes []cache.StorageChange) {
	l.state.lock.Lock()
	defer l.state.lock.Unlock()
	for _, change := range changes {
		if change.Deleted {
			l.state.pending[string(change.Key)] = nil
			continue
		}
		v := make([]byte, len(change.Value))
		copy(v, change.Value)
		l.state.pending[string(change.Key)] = v
	}
}

// DeletePrefix deletes every key under prefix in the pending diff, including keys only known upstream. It returns the
// number of keys deleted.
func (l *LocalStorageLayer) DeletePrefix(ctx context.Context, prefix []byte) (int, error) {
	number := l.CommittedNumber() + 1
	var keys [][]byte
	if _, found, err := l.Get(ctx, number, prefix); err != nil {
		return 0, err
	} else if found {
		keys = append(keys, prefix)
	}
	for key := prefix; ; {
		next, err := l.NextKey(ctx, number, prefix, key)
		if err != nil {
			return 0, err
		}
		if next == nil {
			break
		}
		keys = append(keys, next)
		key = next
	}
	l.state.lock.Lock()
	defer l.state.lock.Unlock()
	for _, k := range keys {
		l.state.pending[string(k)] = nil
	}
	return len(keys), nil
}

// NextKey returns the first key under prefix that sorts after key and exists at block number, merging local writes
// with the keys of the origin chain.
func (l *LocalStorageLayer) NextKey(ctx context.Context, number uint32, prefix []byte, key []byte) ([]byte, error) {
	s := l.state
	forkNumber := s.remote.ForkNumber()

	var remoteNext func(after []byte) ([]byte, error)
	if number >= forkNumber {
		remoteNext = func(after []byte) ([]byte, error) { return s.remote.NextKey(ctx, prefix, after) }
	} else {
		hash, err := s.remote.BlockHashByNumber(ctx, number)
		if err != nil {
			return nil, err
		}
		remoteNext = func(after []byte) ([]byte, error) { return s.remote.NextKeyAt(ctx, hash, prefix, after) }
	}

	cur := key
	var remoteCandidate []byte
	remoteExhausted := false
	for {
		if !remoteExhausted && (remoteCandidate == nil || bytes.Compare(remoteCandidate, cur) <= 0) {
			next, err := remoteNext(cur)
			if err != nil {
				return nil, err
			}
			remoteCandidate = next
			remoteExhausted = next == nil
		}
		candidate := l.localNext(number, prefix, cur)
		if remoteCandidate != nil && (candidate == nil || bytes.Compare(remoteCandidate, candidate) < 0) {
			candidate = remoteCandidate
		}
		if candidate == nil {
			return nil, nil
		}
		_, found, err := l.Get(ctx, number, candidate)
		if err != nil {
			return nil, err
		}
		if found {
			return candidate, nil
		}
		cur = candidate
	}
}

// localNext returns the smallest locally written key under prefix that sorts after key and is visible at number.
func (l *LocalStorageLayer) localNext(number uint32, prefix []byte, key []byte) []byte {
	s := l.state
	s.lock.RLock()
	defer s.lock.RUnlock()

	var best []byte
	consider := func(k string) {
		kb := []byte(k)
		if !bytes.HasPrefix(kb, prefix) || bytes.Compare(kb, key) <= 0 {
			return
		}
		if best == nil || bytes.Compare(kb, best) < 0 {
			best = kb
		}
	}

	if number == s.committedNumber+1 {
		for k := range s.pending {
			consider(k)
		}
	}
	if number > s.remote.ForkNumber() {
		start := string(prefix)
		if bytes.Compare(key, prefix) > 0 {
			start = string(key)
		}
		idx, _ := slices.BinarySearch(s.localKeys, start)
		for ; idx < len(s.localKeys); idx++ {
			k := s.localKeys[idx]
			if !bytes.HasPrefix([]byte(k), prefix) {
				break
			}
			if k == string(key) {
				continue
			}
			if _, ok := s.versionAt([]byte(k), number); ok {
				consider(k)
				break
			}
		}
	}
	return best
}

// Diff returns the pending changes sorted by key.
func (l *LocalStorageLayer) Diff() []cache.StorageChange {
	l.state.lock.RLock()
	defer l.state.lock.RUnlock()
	return sortedChanges(l.state.pending)
}

func sortedChanges(pending map[string][]byte) []cache.StorageChange {
	changes := make([]cache.StorageChange, 0, len(pending))
	for k, v := range pending {
		changes = append(changes, cache.StorageChange{Key: []byte(k), Value: v, Deleted: v == nil})
	}
	sort.Slice(changes, func(i, j int) bool { return bytes.Compare(changes[i].Key, changes[j].Key) < 0 })
	return changes
}

// Discard drops the pending diff.
func (l *LocalStorageLayer) Discard() {
	l.state.lock.Lock()
	defer l.state.lock.Unlock()
	l.state.pending = make(map[string][]byte)
}

// Commit turns the pending diff into the state of block committed+1 with the given hash. The diff is persisted in the
// cache before the committed head advances, and readers never observe a partially applied commit.
func (l *LocalStorageLayer) Commit(ctx context.Context, hash types.Hash) error {
	s := l.state
	s.lock.Lock()
	defer s.lock.Unlock()

	number := s.committedNumber + 1
	changes := sortedChanges(s.pending)
	if err := s.remote.Cache().SetDiff(hash, changes); err != nil {
		return storageError("commit", hash[:], err)
	}

	modified := make([][]byte, 0, len(changes))
	for _, change := range changes {
		k := string(change.Key)
		if _, known := s.versions[k]; !known {
			idx, _ := slices.BinarySearch(s.localKeys, k)
			s.localKeys = slices.Insert(s.localKeys, idx, k)
		}
		s.versions[k] = append(s.versions[k], version{validFrom: number, value: change.Value, deleted: change.Deleted})
		modified = append(modified, change.Key)
	}
	s.modifiedKeys[number] = modified
	s.blockHashes[number] = hash
	s.committedNumber = number
	s.committedHash = hash
	s.pending = make(map[string][]byte)
	return nil
}

// CommittedDiff returns the changes of the committed block with the given hash, sorted by key, as persisted by Commit.
func (l *LocalStorageLayer) CommittedDiff(hash types.Hash) ([]cache.StorageChange, error) {
	changes, err := l.state.remote.Cache().GetDiff(hash)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, fmt.Errorf("%w: %s", ErrBlockHashNotFound, hash)
	}
	if err != nil {
		return nil, storageError("diff", hash[:], err)
	}
	return changes, nil
}

// ModifiedKeys returns the keys changed by the committed block at number.
func (l *LocalStorageLayer) ModifiedKeys(number uint32) [][]byte {
	l.state.lock.RLock()
	defer l.state.lock.RUnlock()
	return l.state.modifiedKeys[number]
}

// HasCodeChangedAt reports whether the committed block at number wrote the runtime code.
func (l *LocalStorageLayer) HasCodeChangedAt(number uint32) bool {
	for _, key := range l.ModifiedKeys(number) {
		if bytes.Equal(key, types.CodeKey) {
			return true
		}
	}
	return false
}

// View returns a read-only view of the layer pinned to block number.
func (l *LocalStorageLayer) View(number uint32) *StorageView {
	return &StorageView{layer: l, number: number}
}

// StorageView is a LocalStorageLayer read at a fixed block number.
type StorageView struct {
	layer  *LocalStorageLayer
	number uint32
}

// Number returns the block number the view reads at.
func (v *StorageView) Number() uint32 {
	return v.number
}

// Get returns the value of key.
func (v *StorageView) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return v.layer.Get(ctx, v.number, key)
}

// NextKey returns the first existing key under prefix after key.
func (v *StorageView) NextKey(ctx context.Context, prefix []byte, key []byte) ([]byte, error) {
	return v.layer.NextKey(ctx, v.number, prefix, key)
}
