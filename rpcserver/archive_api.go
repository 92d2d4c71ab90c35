package rpcserver

import (
	"context"
	"errors"

	"github.com/crytic/medusa-geth/common/hexutil"

	"github.com/crytic/subfork/chain"
	"github.com/crytic/subfork/chain/types"
)

// maxDescendantItems bounds the items a single descendants query of archive_v1_storage returns.
const maxDescendantItems = 1000

// Storage query types of archive_v1_storage.
const (
	storageQueryValue             = "value"
	storageQueryHash              = "hash"
	storageQueryDescendantsValues = "descendantsValues"
	storageQueryDescendantsHashes = "descendantsHashes"
)

// ArchiveAPI serves the archive_v1_ methods. Every block of the fork is final, so the archive holds all of them.
type ArchiveAPI struct {
	*backend
}

// CallResult is the result of archive_v1_call.
type CallResult struct {
	Success bool           `json:"success"`
	Value   *hexutil.Bytes `json:"value,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// StorageQuery is one item of an archive_v1_storage request.
type StorageQuery struct {
	Key  hexutil.Bytes `json:"key"`
	Type string        `json:"type"`
}

// StorageItem is one item of an archive_v1_storage response.
type StorageItem struct {
	Key   hexutil.Bytes  `json:"key"`
	Value *hexutil.Bytes `json:"value,omitempty"`
	Hash  *types.Hash    `json:"hash,omitempty"`
}

// StorageResult is the result of archive_v1_storage.
type StorageResult struct {
	Items          []StorageItem `json:"items"`
	DiscardedItems int           `json:"discardedItems"`
}

func (api *ArchiveAPI) V1_finalizedHeight() uint32 {
	return api.chain.Head().Number
}

// V1_genesisHash returns the hash of block zero of the origin chain.
func (api *ArchiveAPI) V1_genesisHash(ctx context.Context) (types.Hash, error) {
	hash, err := api.chain.BlockHashAt(ctx, 0)
	if err != nil {
		return types.Hash{}, toError(err)
	}
	return hash, nil
}

// V1_hashByHeight returns the hashes of the blocks at a height, which is at most one.
func (api *ArchiveAPI) V1_hashByHeight(ctx context.Context, height BlockNumber) ([]types.Hash, error) {
	hash, err := api.chain.BlockHashAt(ctx, uint32(height))
	if errors.Is(err, chain.ErrBlockNotFound) {
		return []types.Hash{}, nil
	}
	if err != nil {
		return nil, toError(err)
	}
	return []types.Hash{hash}, nil
}

// V1_header returns the SCALE encoded header of a block, or null for unknown blocks.
func (api *ArchiveAPI) V1_header(ctx context.Context, hash types.Hash) (*hexutil.Bytes, error) {
	blk, err := api.optionalBlock(ctx, &hash)
	if blk == nil || err != nil {
		return nil, err
	}
	encoded := hexutil.Bytes(blk.EncodedHeader())
	return &encoded, nil
}

// V1_body returns the extrinsics of a block, or null for unknown blocks.
func (api *ArchiveAPI) V1_body(ctx context.Context, hash types.Hash) ([]hexutil.Bytes, error) {
	blk, err := api.optionalBlock(ctx, &hash)
	if blk == nil || err != nil {
		return nil, err
	}
	return hexList(blk.Extrinsics), nil
}

// V1_call executes a runtime entry point at a block. Runtime failures are part of the result, not errors.
func (api *ArchiveAPI) V1_call(ctx context.Context, hash types.Hash, function string, params hexutil.Bytes) (*CallResult, error) {
	blk, err := api.optionalBlock(ctx, &hash)
	if blk == nil || err != nil {
		return nil, err
	}
	out, err := api.chain.CallAt(ctx, blk.Hash, function, params)
	if err != nil {
		return &CallResult{Error: err.Error()}, nil
	}
	value := hexutil.Bytes(out)
	return &CallResult{Success: true, Value: &value}, nil
}

// V1_storage reads storage items at a block. Child tries are not supported.
func (api *ArchiveAPI) V1_storage(ctx context.Context, hash types.Hash, items []StorageQuery, childTrie *hexutil.Bytes) (*StorageResult, error) {
	if childTrie != nil {
		return nil, invalidParams("child tries are not supported")
	}
	blk, err := api.optionalBlock(ctx, &hash)
	if blk == nil || err != nil {
		return nil, err
	}

	result := &StorageResult{Items: []StorageItem{}}
	for _, item := range items {
		switch item.Type {
		case storageQueryValue, storageQueryHash:
			value, found, err := api.storage(ctx, blk, item.Key)
			if err != nil {
				return nil, err
			}
			if found {
				result.Items = append(result.Items, storageItem(item.Key, value, item.Type == storageQueryHash))
			}
		case storageQueryDescendantsValues, storageQueryDescendantsHashes:
			keys, err := api.chain.StorageKeysPaged(ctx, blk.Number, item.Key, maxDescendantItems, nil)
			if err != nil {
				return nil, toError(err)
			}
			for _, key := range keys {
				value, found, err := api.storage(ctx, blk, key)
				if err != nil {
					return nil, err
				}
				if found {
					result.Items = append(result.Items, storageItem(key, value, item.Type == storageQueryDescendantsHashes))
				}
			}
		default:
			result.DiscardedItems++
		}
	}
	return result, nil
}

func storageItem(key, value []byte, hashed bool) StorageItem {
	item := StorageItem{Key: key}
	if hashed {
		hash := types.Blake2_256(value)
		item.Hash = &hash
	} else {
		v := hexutil.Bytes(value)
		item.Value = &v
	}
	return item
}
