package runtime

import (
	"bytes"
	"context"
	"errors"
	"slices"

	"github.com/crytic/subfork/chain/state/cache"
)

var errNoTransaction = errors.New("no storage transaction is open")

// overlay collects the writes of a single runtime call on top of a read-only Storage. The first layer holds the
// writes of the call itself, every open storage transaction pushes another one. A nil value marks a deletion.
type overlay struct {
	base   Storage
	layers []map[string][]byte
}

func newOverlay(base Storage) *overlay {
	return &overlay{base: base, layers: []map[string][]byte{{}}}
}

// lookup returns the newest overlay entry for key. found is false when the overlay does not know the key.
func (o *overlay) lookup(key string) (value []byte, found bool) {
	for i := len(o.layers) - 1; i >= 0; i-- {
		if v, ok := o.layers[i][key]; ok {
			return v, true
		}
	}
	return nil, false
}

func (o *overlay) get(ctx context.Context, key []byte) ([]byte, bool, error) {
	if v, ok := o.lookup(string(key)); ok {
		return v, v != nil, nil
	}
	return o.base.Get(ctx, key)
}

func (o *overlay) set(key []byte, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	o.layers[len(o.layers)-1][string(key)] = v
}

func (o *overlay) clear(key []byte) {
	o.layers[len(o.layers)-1][string(key)] = nil
}

func (o *overlay) startTransaction() {
	o.layers = append(o.layers, map[string][]byte{})
}

func (o *overlay) rollbackTransaction() error {
	if len(o.layers) < 2 {
		return errNoTransaction
	}
	o.layers = o.layers[:len(o.layers)-1]
	return nil
}

func (o *overlay) commitTransaction() error {
	if len(o.layers) < 2 {
		return errNoTransaction
	}
	top := o.layers[len(o.layers)-1]
	o.layers = o.layers[:len(o.layers)-1]
	parent := o.layers[len(o.layers)-1]
	for k, v := range top {
		parent[k] = v
	}
	return nil
}

// transactionDepth returns the number of open storage transactions.
func (o *overlay) transactionDepth() int {
	return len(o.layers) - 1
}

// localNext returns the smallest overlay key under prefix that is strictly greater than key.
func (o *overlay) localNext(prefix []byte, key []byte) []byte {
	var best []byte
	for _, layer := range o.layers {
		for k := range layer {
			kb := []byte(k)
			if !bytes.HasPrefix(kb, prefix) || bytes.Compare(kb, key) <= 0 {
				continue
			}
			if best == nil || bytes.Compare(kb, best) < 0 {
				best = kb
			}
		}
	}
	return best
}

// nextKey returns the first existing key under prefix strictly after key, merging overlay writes and deletions
// with the base storage.
func (o *overlay) nextKey(ctx context.Context, prefix []byte, key []byte) ([]byte, error) {
	cur := key
	for {
		remote, err := o.base.NextKey(ctx, prefix, cur)
		if err != nil {
			return nil, err
		}
		local := o.localNext(prefix, cur)

		candidate := remote
		if candidate == nil || (local != nil && bytes.Compare(local, candidate) < 0) {
			candidate = local
		}
		if candidate == nil {
			return nil, nil
		}
		if v, ok := o.lookup(string(candidate)); ok && v == nil {
			cur = candidate
			continue
		}
		return candidate, nil
	}
}

// clearPrefix deletes every key starting with prefix. With a limit, at most limit keys are removed and complete
// reports whether keys remain.
func (o *overlay) clearPrefix(ctx context.Context, prefix []byte, limit *uint32) (removed uint32, complete bool, err error) {
	_, exists, err := o.get(ctx, prefix)
	if err != nil {
		return 0, false, err
	}
	next := []byte(nil)
	if exists {
		next = slices.Clone(prefix)
	} else if next, err = o.nextKey(ctx, prefix, prefix); err != nil {
		return 0, false, err
	}
	for next != nil {
		if limit != nil && removed >= *limit {
			return removed, false, nil
		}
		o.clear(next)
		removed++
		if next, err = o.nextKey(ctx, prefix, next); err != nil {
			return removed, false, err
		}
	}
	return removed, true, nil
}

// changes flattens every layer into a key-sorted diff.
func (o *overlay) changes() []cache.StorageChange {
	return o.changesWithPrefix(nil)
}

func (o *overlay) changesWithPrefix(prefix []byte) []cache.StorageChange {
	merged := make(map[string][]byte)
	for _, layer := range o.layers {
		for k, v := range layer {
			if bytes.HasPrefix([]byte(k), prefix) {
				merged[k] = v
			}
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]cache.StorageChange, 0, len(keys))
	for _, k := range keys {
		v := merged[k]
		out = append(out, cache.StorageChange{Key: []byte(k), Value: v, Deleted: v == nil})
	}
	return out
}
