package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/crytic/medusa-geth/common/hexutil"

	"github.com/crytic/subfork/chain"
	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/txpool"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging"
	"github.com/crytic/subfork/logging/colors"
)

// backend is shared by every namespace of the server.
type backend struct {
	chain  *chain.Blockchain
	pool   *txpool.TxPool
	logger *logging.Logger

	// instantSeal builds a block on every accepted submission.
	instantSeal bool
}

// seal builds a block from queued, extrinsics taken out of the pool, followed by extra. When the block cannot be built
// queued goes back to the pool.
func (b *backend) seal(ctx context.Context, queued [][]byte, extra [][]byte) (*chain.BuildBlockResult, error) {
	extrinsics := make([][]byte, 0, len(queued)+len(extra))
	extrinsics = append(append(extrinsics, queued...), extra...)
	built, err := b.chain.BuildBlock(ctx, extrinsics)
	if err != nil {
		b.pool.Requeue(queued)
		if len(queued) > 0 {
			b.logger.Warn(fmt.Sprintf("Failed to build a block, %d extrinsic(s) returned to the pool", len(queued)), err)
		}
		return nil, err
	}
	for _, failed := range built.Failed {
		b.logger.Info("extrinsic ", colors.Dim, types.Blake2_256(failed.Extrinsic), colors.Reset, " ",
			colors.Outcome(false), "failed", colors.Reset, ": ", failed.Reason)
	}
	return built, nil
}

// blockAt returns the block with the given hash, or the head when at is nil.
func (b *backend) blockAt(ctx context.Context, at *types.Hash) (*block.Block, error) {
	if at == nil {
		return b.chain.Head(), nil
	}
	blk, err := b.chain.BlockByHash(ctx, *at)
	if err != nil {
		return nil, toError(err)
	}
	return blk, nil
}

// optionalBlock is blockAt for queries that answer null for unknown blocks.
func (b *backend) optionalBlock(ctx context.Context, at *types.Hash) (*block.Block, error) {
	blk, err := b.blockAt(ctx, at)
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Code == CodeInvalidBlock {
		return nil, nil
	}
	return blk, err
}

// storage reads a value as seen after blk.
func (b *backend) storage(ctx context.Context, blk *block.Block, key []byte) ([]byte, bool, error) {
	value, found, err := b.chain.StorageAt(ctx, blk.Number, key)
	if err != nil {
		return nil, false, toError(err)
	}
	return value, found, nil
}

// BlockNumber is a block number parameter. It accepts JSON numbers, decimal strings and hex strings.
type BlockNumber uint32

// UnmarshalJSON implements json.Unmarshaler.
func (n *BlockNumber) UnmarshalJSON(input []byte) error {
	var number uint64
	if err := json.Unmarshal(input, &number); err == nil {
		if number > uint64(^uint32(0)) {
			return invalidParams("block number %d is out of range", number)
		}
		*n = BlockNumber(number)
		return nil
	}

	var text string
	if err := json.Unmarshal(input, &text); err != nil {
		return invalidParams("block number must be a number or a string")
	}
	var (
		parsed uint64
		err    error
	)
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		parsed, err = hexutil.DecodeUint64(text)
	} else {
		parsed, err = strconv.ParseUint(text, 10, 32)
	}
	if err != nil || parsed > uint64(^uint32(0)) {
		return invalidParams("invalid block number %q", text)
	}
	*n = BlockNumber(parsed)
	return nil
}

// hexList converts raw byte slices to their JSON form.
func hexList(items [][]byte) []hexutil.Bytes {
	out := make([]hexutil.Bytes, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}

// parseAccount decodes an SS58 address or a hex encoded 20 or 32 byte account id.
func parseAccount(address string) ([]byte, error) {
	if strings.HasPrefix(address, "0x") {
		id, err := hexutil.Decode(address)
		if err != nil || (len(id) != 20 && len(id) != 32) {
			return nil, invalidParams("invalid account %q", address)
		}
		return id, nil
	}
	_, id, err := types.SS58Decode(address)
	if err != nil {
		return nil, invalidParams("invalid account %q: %v", address, err)
	}
	return id, nil
}
