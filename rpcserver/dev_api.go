package rpcserver

import (
	"context"

	"github.com/crytic/medusa-geth/common/hexutil"

	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging/colors"
)

// maxNewBlocks bounds the blocks a single dev_newBlock call builds.
const maxNewBlocks = 1000

// DevAPI serves the dev_ namespace, which drives block production by hand.
type DevAPI struct {
	*backend
}

// NewBlockParams are the optional parameters of dev_newBlock.
type NewBlockParams struct {
	// Count is the number of blocks to build. It defaults to one.
	Count uint32 `json:"count"`

	// Transactions are appended to the extrinsics of the pool in the first block.
	Transactions []hexutil.Bytes `json:"transactions"`
}

// NewBlockResult describes the last block dev_newBlock built.
type NewBlockResult struct {
	Hash            types.Hash `json:"hash"`
	Number          uint32     `json:"number"`
	ExtrinsicsCount int        `json:"extrinsicsCount"`
	Failed          []string   `json:"failed"`
}

// NewBlock builds blocks on top of the head. The first one includes every queued extrinsic.
func (api *DevAPI) NewBlock(ctx context.Context, params *NewBlockParams) (*NewBlockResult, error) {
	count := uint32(1)
	var extra [][]byte
	if params != nil {
		if params.Count > maxNewBlocks {
			return nil, invalidParams("count exceeds maximum value of %d", maxNewBlocks)
		}
		if params.Count > 0 {
			count = params.Count
		}
		for _, tx := range params.Transactions {
			extra = append(extra, tx)
		}
	}

	result := &NewBlockResult{Failed: []string{}}
	for i := uint32(0); i < count; i++ {
		var queued [][]byte
		if i == 0 {
			queued = api.pool.Drain()
		} else {
			extra = nil
		}
		built, err := api.seal(ctx, queued, extra)
		if err != nil {
			return nil, toError(err)
		}
		for _, failed := range built.Failed {
			result.Failed = append(result.Failed, failed.Reason)
		}
		result.Hash = built.Block.Hash
		result.Number = built.Block.Number
		result.ExtrinsicsCount = len(built.Block.Extrinsics)
	}
	api.logger.Info("built ", count, " block(s), head is now ", colors.Bold, result.Number, colors.Reset, " ",
		colors.Dim, result.Hash, colors.Reset)
	return result, nil
}

// SetStorage writes key value pairs in a new block and returns its hash. A null value deletes the key.
func (api *DevAPI) SetStorage(ctx context.Context, pairs [][2]*hexutil.Bytes) (types.Hash, error) {
	changes := make([]cache.StorageChange, 0, len(pairs))
	for _, pair := range pairs {
		if pair[0] == nil {
			return types.Hash{}, invalidParams("storage key must not be null")
		}
		change := cache.StorageChange{Key: *pair[0]}
		if pair[1] == nil {
			change.Deleted = true
		} else {
			change.Value = *pair[1]
		}
		changes = append(changes, change)
	}
	blk, err := api.chain.SetStorage(ctx, changes)
	if err != nil {
		return types.Hash{}, toError(err)
	}
	return blk.Hash, nil
}

// StorageDiff returns the storage changes of a block built on the fork as key value pairs, in the form dev_setStorage
// takes them. A null value marks a deleted key.
func (api *DevAPI) StorageDiff(ctx context.Context, hash types.Hash) ([][2]*hexutil.Bytes, error) {
	changes, err := api.chain.StorageDiff(ctx, hash)
	if err != nil {
		return nil, toError(err)
	}
	pairs := make([][2]*hexutil.Bytes, 0, len(changes))
	for _, change := range changes {
		key := hexutil.Bytes(change.Key)
		pair := [2]*hexutil.Bytes{&key, nil}
		if !change.Deleted {
			value := hexutil.Bytes(change.Value)
			pair[1] = &value
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}
