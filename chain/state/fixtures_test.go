package state

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/types"
)

/* This file is exclusively for test fixtures. */

var _ Origin = (*fakeOrigin)(nil)

// fakeOrigin is an offline origin chain used for testing.
type fakeOrigin struct {
	lock     sync.Mutex
	headers  map[types.Hash]*types.Header
	bodies   map[types.Hash][][]byte
	byNumber map[uint32]types.Hash
	storage  map[types.Hash]map[string][]byte

	storageCalls atomic.Int64
	batchCalls   atomic.Int64
	keysCalls    atomic.Int64
	headerCalls  atomic.Int64
}

// newFakeOrigin creates a chain of length blocks. Every block holds the given storage.
func newFakeOrigin(length uint32, storage map[string][]byte) *fakeOrigin {
	f := &fakeOrigin{
		headers:  make(map[types.Hash]*types.Header),
		bodies:   make(map[types.Hash][][]byte),
		byNumber: make(map[uint32]types.Hash),
		storage:  make(map[types.Hash]map[string][]byte),
	}
	var parent types.Hash
	for n := uint32(0); n < length; n++ {
		header := &types.Header{ParentHash: parent, Number: n, StateRoot: types.Blake2_256([]byte{byte(n)})}
		hash := header.Hash()
		f.headers[hash] = header
		f.bodies[hash] = [][]byte{{byte(n)}}
		f.byNumber[n] = hash
		copied := make(map[string][]byte, len(storage))
		for k, v := range storage {
			copied[k] = v
		}
		f.storage[hash] = copied
		parent = hash
	}
	return f
}

func (f *fakeOrigin) head() (types.Hash, uint32) {
	n := uint32(len(f.byNumber) - 1)
	return f.byNumber[n], n
}

func (f *fakeOrigin) setStorage(block types.Hash, key string, value []byte) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.storage[block][key] = value
}

func (f *fakeOrigin) Header(_ context.Context, hash types.Hash) (*types.Header, error) {
	f.headerCalls.Add(1)
	return f.headers[hash], nil
}

func (f *fakeOrigin) BlockHash(_ context.Context, number uint32) (types.Hash, bool, error) {
	hash, ok := f.byNumber[number]
	return hash, ok, nil
}

func (f *fakeOrigin) Block(_ context.Context, hash types.Hash) (*types.Header, [][]byte, error) {
	return f.headers[hash], f.bodies[hash], nil
}

func (f *fakeOrigin) Storage(_ context.Context, key []byte, at types.Hash) ([]byte, bool, error) {
	f.storageCalls.Add(1)
	f.lock.Lock()
	defer f.lock.Unlock()
	value, ok := f.storage[at][string(key)]
	return value, ok, nil
}

func (f *fakeOrigin) StorageBatch(_ context.Context, keys [][]byte, at types.Hash) ([]*[]byte, error) {
	f.batchCalls.Add(1)
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]*[]byte, len(keys))
	for i, key := range keys {
		if value, ok := f.storage[at][string(key)]; ok {
			v := value
			out[i] = &v
		}
	}
	return out, nil
}

func (f *fakeOrigin) KeysPaged(_ context.Context, prefix []byte, count uint32, startKey []byte, at types.Hash) ([][]byte, error) {
	f.keysCalls.Add(1)
	f.lock.Lock()
	defer f.lock.Unlock()
	var keys []string
	for k := range f.storage[at] {
		if bytes.HasPrefix([]byte(k), prefix) && bytes.Compare([]byte(k), startKey) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if uint32(len(keys)) > count {
		keys = keys[:count]
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

// newTestLayers creates a fake origin of 10 blocks forked at its head, with the given storage.
func newTestLayers(storage map[string][]byte) (*fakeOrigin, *RemoteStorageLayer, *LocalStorageLayer) {
	origin := newFakeOrigin(10, storage)
	forkHash, forkNumber := origin.head()
	remote := NewRemoteStorageLayer(origin, cache.NewNonPersistentCache(), forkHash, forkNumber)
	return origin, remote, NewLocalStorageLayer(remote)
}
