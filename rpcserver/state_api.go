package rpcserver

import (
	"context"

	"github.com/crytic/medusa-geth/common/hexutil"

	"github.com/crytic/subfork/chain/types"
)

// maxKeysPerPage is the largest page state_getKeysPaged serves.
const maxKeysPerPage = 1000

// StateAPI serves the state_ namespace.
type StateAPI struct {
	*backend
}

// GetStorage returns a storage value, or null when the key does not exist.
func (api *StateAPI) GetStorage(ctx context.Context, key hexutil.Bytes, at *types.Hash) (*hexutil.Bytes, error) {
	blk, err := api.blockAt(ctx, at)
	if err != nil {
		return nil, err
	}
	value, found, err := api.storage(ctx, blk, key)
	if err != nil || !found {
		return nil, err
	}
	out := hexutil.Bytes(value)
	return &out, nil
}

// GetStorageHash returns the blake2-256 hash of a storage value, or null when the key does not exist.
func (api *StateAPI) GetStorageHash(ctx context.Context, key hexutil.Bytes, at *types.Hash) (*types.Hash, error) {
	value, err := api.GetStorage(ctx, key, at)
	if value == nil || err != nil {
		return nil, err
	}
	hash := types.Blake2_256(*value)
	return &hash, nil
}

// GetStorageSize returns the length of a storage value, or null when the key does not exist.
func (api *StateAPI) GetStorageSize(ctx context.Context, key hexutil.Bytes, at *types.Hash) (*uint64, error) {
	value, err := api.GetStorage(ctx, key, at)
	if value == nil || err != nil {
		return nil, err
	}
	size := uint64(len(*value))
	return &size, nil
}

// GetKeysPaged returns up to count keys under prefix that sort after startKey.
func (api *StateAPI) GetKeysPaged(ctx context.Context, prefix *hexutil.Bytes, count uint32, startKey *hexutil.Bytes, at *types.Hash) ([]hexutil.Bytes, error) {
	if count > maxKeysPerPage {
		return nil, invalidParams("count exceeds maximum value of %d", maxKeysPerPage)
	}
	blk, err := api.blockAt(ctx, at)
	if err != nil {
		return nil, err
	}
	var p, start []byte
	if prefix != nil {
		p = *prefix
	}
	if startKey != nil {
		start = *startKey
	}
	keys, err := api.chain.StorageKeysPaged(ctx, blk.Number, p, count, start)
	if err != nil {
		return nil, toError(err)
	}
	return hexList(keys), nil
}

// GetMetadata returns the opaque metadata of the runtime of a block.
func (api *StateAPI) GetMetadata(ctx context.Context, at *types.Hash) (hexutil.Bytes, error) {
	blk, err := api.blockAt(ctx, at)
	if err != nil {
		return nil, err
	}
	metadata, err := api.chain.MetadataAt(ctx, blk.Hash)
	if err != nil {
		return nil, toError(err)
	}
	return metadata, nil
}

// GetRuntimeVersion returns the version of the runtime of a block.
func (api *StateAPI) GetRuntimeVersion(ctx context.Context, at *types.Hash) (*types.RuntimeVersion, error) {
	blk, err := api.blockAt(ctx, at)
	if err != nil {
		return nil, err
	}
	return blk.Runtime.Version, nil
}

// Call executes a runtime entry point at a block.
func (api *StateAPI) Call(ctx context.Context, method string, data hexutil.Bytes, at *types.Hash) (hexutil.Bytes, error) {
	blk, err := api.blockAt(ctx, at)
	if err != nil {
		return nil, err
	}
	out, err := api.chain.CallAt(ctx, blk.Hash, method, data)
	if err != nil {
		return nil, toError(err)
	}
	return out, nil
}

// StorageChangeSet lists the values of storage keys at a block.
type StorageChangeSet struct {
	Block   types.Hash         `json:"block"`
	Changes [][]*hexutil.Bytes `json:"changes"`
}

// QueryStorageAt returns the values of keys at a block as a single change set.
func (api *StateAPI) QueryStorageAt(ctx context.Context, keys []hexutil.Bytes, at *types.Hash) ([]StorageChangeSet, error) {
	blk, err := api.blockAt(ctx, at)
	if err != nil {
		return nil, err
	}
	set := StorageChangeSet{Block: blk.Hash, Changes: make([][]*hexutil.Bytes, 0, len(keys))}
	for _, key := range keys {
		value, found, err := api.storage(ctx, blk, key)
		if err != nil {
			return nil, err
		}
		k := key
		var v *hexutil.Bytes
		if found {
			b := hexutil.Bytes(value)
			v = &b
		}
		set.Changes = append(set.Changes, []*hexutil.Bytes{&k, v})
	}
	return []StorageChangeSet{set}, nil
}
