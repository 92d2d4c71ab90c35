package testutils

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crytic/subfork/chain/state"
	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/types"
)

// Origin is an offline origin chain used by tests of packages that sit on top of the storage layers. It serves the
// same storage at every block unless SetStorage changes one of them.
type Origin struct {
	lock     sync.Mutex
	headers  map[types.Hash]*types.Header
	bodies   map[types.Hash][][]byte
	byNumber map[uint32]types.Hash
	storage  map[types.Hash]map[string][]byte

	// MetadataBytes is returned by Metadata.
	MetadataBytes []byte

	// Chain is returned by SystemChain.
	Chain string

	// Properties is returned by SystemProperties.
	Properties map[string]any
}

// NewOrigin creates a chain of length blocks whose storage is the given map.
func NewOrigin(length uint32, storage map[string][]byte) *Origin {
	o := &Origin{
		headers:    make(map[types.Hash]*types.Header),
		bodies:     make(map[types.Hash][][]byte),
		byNumber:   make(map[uint32]types.Hash),
		storage:    make(map[types.Hash]map[string][]byte),
		Chain:      "Test Chain",
		Properties: map[string]any{"tokenDecimals": 12, "tokenSymbol": "UNIT", "ss58Format": 42},
	}
	var parent types.Hash
	for n := uint32(0); n < length; n++ {
		header := &types.Header{ParentHash: parent, Number: n, StateRoot: types.Blake2_256([]byte{byte(n), byte(n >> 8)})}
		hash := header.Hash()
		o.headers[hash] = header
		o.bodies[hash] = nil
		o.byNumber[n] = hash
		copied := make(map[string][]byte, len(storage))
		for k, v := range storage {
			copied[k] = v
		}
		o.storage[hash] = copied
		parent = hash
	}
	return o
}

// Head returns the hash and number of the last block.
func (o *Origin) Head() (types.Hash, uint32) {
	o.lock.Lock()
	defer o.lock.Unlock()
	n := uint32(len(o.byNumber) - 1)
	return o.byNumber[n], n
}

// SetStorage changes a value at a single block. A nil value deletes the key.
func (o *Origin) SetStorage(block types.Hash, key []byte, value []byte) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if value == nil {
		delete(o.storage[block], string(key))
		return
	}
	o.storage[block][string(key)] = value
}

// SetBody replaces the extrinsics of a block.
func (o *Origin) SetBody(block types.Hash, extrinsics [][]byte) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.bodies[block] = extrinsics
}

// Layers creates the remote and local storage layers of a fork at the head of the origin, using a non-persistent
// cache.
func (o *Origin) Layers() (*state.RemoteStorageLayer, *state.LocalStorageLayer) {
	hash, number := o.Head()
	remote := state.NewRemoteStorageLayer(o, cache.NewNonPersistentCache(), hash, number)
	return remote, state.NewLocalStorageLayer(remote)
}

func (o *Origin) Header(_ context.Context, hash types.Hash) (*types.Header, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.headers[hash], nil
}

func (o *Origin) BlockHash(_ context.Context, number uint32) (types.Hash, bool, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	hash, ok := o.byNumber[number]
	return hash, ok, nil
}

func (o *Origin) Block(_ context.Context, hash types.Hash) (*types.Header, [][]byte, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	header, ok := o.headers[hash]
	if !ok {
		return nil, nil, nil
	}
	return header, o.bodies[hash], nil
}

func (o *Origin) Storage(_ context.Context, key []byte, at types.Hash) ([]byte, bool, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	value, ok := o.storage[at][string(key)]
	return value, ok, nil
}

func (o *Origin) StorageBatch(_ context.Context, keys [][]byte, at types.Hash) ([]*[]byte, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	out := make([]*[]byte, len(keys))
	for i, key := range keys {
		if value, ok := o.storage[at][string(key)]; ok {
			v := value
			out[i] = &v
		}
	}
	return out, nil
}

func (o *Origin) KeysPaged(_ context.Context, prefix []byte, count uint32, startKey []byte, at types.Hash) ([][]byte, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	var keys []string
	for k := range o.storage[at] {
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

// FinalizedHead returns the last block.
func (o *Origin) FinalizedHead(context.Context) (types.Hash, error) {
	hash, _ := o.Head()
	return hash, nil
}

// Metadata returns MetadataBytes, or an error when none were set.
func (o *Origin) Metadata(context.Context, types.Hash) ([]byte, error) {
	if o.MetadataBytes == nil {
		return nil, fmt.Errorf("origin has no metadata")
	}
	return o.MetadataBytes, nil
}

func (o *Origin) SystemChain(context.Context) (string, error) {
	return o.Chain, nil
}

func (o *Origin) SystemProperties(context.Context) (map[string]any, error) {
	return o.Properties, nil
}
