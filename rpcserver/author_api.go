package rpcserver

import (
	"context"

	"github.com/crytic/medusa-geth/common/hexutil"

	"github.com/crytic/subfork/chain/types"
)

// AuthorAPI serves the author_ namespace.
type AuthorAPI struct {
	*backend
}

// SubmitExtrinsic validates an extrinsic against the head and queues it for the next block, which is built right away
// under instant seal. It returns the hash of the extrinsic.
func (api *AuthorAPI) SubmitExtrinsic(ctx context.Context, ext hexutil.Bytes) (types.Hash, error) {
	if _, err := api.chain.ValidateExtrinsic(ctx, ext); err != nil {
		return types.Hash{}, toError(err)
	}
	if !api.instantSeal {
		hash := api.pool.Submit(ext)
		api.logger.Debug("queued extrinsic ", hash)
		return hash, nil
	}

	hash, queued := api.pool.SubmitAndDrain(ext)
	built, err := api.seal(ctx, queued, nil)
	if err != nil {
		// The extrinsic stays queued for the next block.
		return hash, nil
	}
	api.logger.Info("sealed block ", built.Block.Number, " with extrinsic ", hash)
	return hash, nil
}

// PendingExtrinsics returns the extrinsics waiting for the next block.
func (api *AuthorAPI) PendingExtrinsics() []hexutil.Bytes {
	return hexList(api.pool.Pending())
}
