package rpcserver

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/crytic/medusa-geth/common/hexutil"

	"github.com/crytic/subfork/chain/types"
)

const queryInfoMethod = "TransactionPaymentApi_query_info"

var dispatchClasses = []string{"normal", "operational", "mandatory"}

// PaymentAPI serves the payment_ namespace.
type PaymentAPI struct {
	*backend
}

// Weight is the two dimensional weight of a dispatch.
type Weight struct {
	RefTime   uint64 `json:"refTime"`
	ProofSize uint64 `json:"proofSize"`
}

// DispatchInfo is the fee information of an extrinsic.
type DispatchInfo struct {
	Weight Weight `json:"weight"`
	Class  string `json:"class"`

	// PartialFee is a decimal string since it may not fit in a JSON number.
	PartialFee string `json:"partialFee"`
}

// QueryInfo asks the runtime for the weight and fee of an extrinsic.
func (api *PaymentAPI) QueryInfo(ctx context.Context, ext hexutil.Bytes, at *types.Hash) (*DispatchInfo, error) {
	blk, err := api.blockAt(ctx, at)
	if err != nil {
		return nil, err
	}
	args := make([]byte, len(ext), len(ext)+4)
	copy(args, ext)
	args = binary.LittleEndian.AppendUint32(args, uint32(len(ext)))

	out, err := api.chain.CallAt(ctx, blk.Hash, queryInfoMethod, args)
	if err != nil {
		return nil, toError(err)
	}
	info, err := decodeDispatchInfo(types.NewDecoder(out))
	if err != nil {
		return nil, toError(fmt.Errorf("failed to decode %s output: %w", queryInfoMethod, err))
	}
	return info, nil
}

func decodeDispatchInfo(dec *scale.Decoder) (*DispatchInfo, error) {
	refTime, err := types.DecodeCompact(dec)
	if err != nil {
		return nil, err
	}
	proofSize, err := types.DecodeCompact(dec)
	if err != nil {
		return nil, err
	}
	class, err := dec.ReadOneByte()
	if err != nil {
		return nil, err
	}
	if int(class) >= len(dispatchClasses) {
		return nil, fmt.Errorf("unknown dispatch class %d", class)
	}
	fee := make([]byte, 16)
	if err := dec.Read(fee); err != nil {
		return nil, err
	}
	return &DispatchInfo{
		Weight:     Weight{RefTime: refTime, ProofSize: proofSize},
		Class:      dispatchClasses[class],
		PartialFee: types.DecodeU128(fee).Dec(),
	}, nil
}
