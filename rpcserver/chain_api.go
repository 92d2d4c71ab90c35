package rpcserver

import (
	"context"
	"errors"

	"github.com/crytic/subfork/chain"
	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/types"
)

// ChainAPI serves the chain_ namespace.
type ChainAPI struct {
	*backend
}

// GetBlockHash returns the hash of the block at number, the head hash without a number, or null for unknown numbers.
func (api *ChainAPI) GetBlockHash(ctx context.Context, number *BlockNumber) (*types.Hash, error) {
	if number == nil {
		hash := api.chain.Head().Hash
		return &hash, nil
	}
	hash, err := api.chain.BlockHashAt(ctx, uint32(*number))
	if errors.Is(err, chain.ErrBlockNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, toError(err)
	}
	return &hash, nil
}

// GetHeader returns the header of a block, or null for unknown blocks.
func (api *ChainAPI) GetHeader(ctx context.Context, at *types.Hash) (*types.RPCHeader, error) {
	blk, err := api.optionalBlock(ctx, at)
	if blk == nil || err != nil {
		return nil, err
	}
	return blk.Header.ToRPC(), nil
}

// GetBlock returns a block, or null for unknown blocks.
func (api *ChainAPI) GetBlock(ctx context.Context, at *types.Hash) (*block.SignedRPCBlock, error) {
	blk, err := api.optionalBlock(ctx, at)
	if blk == nil || err != nil {
		return nil, err
	}
	return blk.ToRPC(), nil
}

// GetFinalizedHead returns the head. Every block of the fork is final.
func (api *ChainAPI) GetFinalizedHead() types.Hash {
	return api.chain.Head().Hash
}

// GetFinalisedHead is the British spelling of GetFinalizedHead.
func (api *ChainAPI) GetFinalisedHead() types.Hash {
	return api.GetFinalizedHead()
}
