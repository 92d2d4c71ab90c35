package testutils

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/types"
)

const (
	// ToyFee is the fee the toy runtime charges for every included transfer.
	ToyFee uint64 = 1000

	toyTimestampPallet = 3
	toyBalancesPallet  = 5
	toyTransferCall    = 3
	toySignedVersion   = 0x84
)

var (
	// ToyHeaderKey holds the header of the block under construction between initialization and finalization.
	ToyHeaderKey = []byte(":toy:header")

	// ToyNumberKey is System::Number.
	ToyNumberKey = types.PlainStorageKey("System", "Number")

	toyTimestampKey = types.PlainStorageKey("Timestamp", "Now")
)

// ToyMetadata returns the metadata of the toy runtime.
func ToyMetadata() *metadata.Static {
	return metadata.NewStatic().
		WithPallet("System", metadata.StaticPallet{Index: 0}).
		WithPallet("Timestamp", metadata.StaticPallet{Index: toyTimestampPallet, Calls: map[string]uint8{"set": 0}}).
		WithPallet("Balances", metadata.StaticPallet{
			Index:  toyBalancesPallet,
			Calls:  map[string]uint8{"transfer_keep_alive": toyTransferCall},
			Errors: map[uint8]string{2: "InsufficientBalance"},
		})
}

// ToyTransfer encodes a transfer the toy runtime accepts. The signature is not checked.
func ToyTransfer(from []byte, to []byte, amount uint64) []byte {
	body := []byte{toySignedVersion}
	body = append(body, from...)
	body = append(body, toyBalancesPallet, toyTransferCall)
	body = append(body, to...)
	body = append(body, types.EncodeCompact(amount)...)
	return types.EncodeBytes(body)
}

// ToyAccount returns the account info of a toy account holding balance.
func ToyAccount(balance uint64) []byte {
	return types.BuildAccountInfo(uint256.NewInt(balance))
}

// toyWrites collects the storage writes of a toy runtime call.
type toyWrites map[string][]byte

func (w toyWrites) set(key []byte, value []byte) {
	w[string(key)] = value
}

func (w toyWrites) changes() []cache.StorageChange {
	changes := make([]cache.StorageChange, 0, len(w))
	for k, v := range w {
		changes = append(changes, cache.StorageChange{Key: []byte(k), Value: v, Deleted: v == nil})
	}
	sort.Slice(changes, func(i, j int) bool { return bytes.Compare(changes[i].Key, changes[j].Key) < 0 })
	return changes
}

// toyTransfer is a decoded toy transfer.
type toyTransfer struct {
	from, to []byte
	amount   uint64
}

func decodeToyTransfer(ext []byte) (*toyTransfer, error) {
	body, err := types.DecodeBytes(types.NewDecoder(ext))
	if err != nil {
		return nil, err
	}
	if len(body) < 1+32+2+32+1 || body[0] != toySignedVersion || body[33] != toyBalancesPallet || body[34] != toyTransferCall {
		return nil, fmt.Errorf("not a transfer")
	}
	amount, err := types.DecodeCompact(types.NewDecoder(body[67:]))
	if err != nil {
		return nil, err
	}
	return &toyTransfer{from: body[1:33], to: body[35:67], amount: amount}, nil
}

func toyBalance(ctx context.Context, storage runtime.Storage, account []byte) (*uint256.Int, error) {
	info, ok, err := storage.Get(ctx, types.AccountStorageKey(account))
	if err != nil || !ok {
		return new(uint256.Int), err
	}
	return types.FreeBalance(info)
}

// NewToyRuntime returns a scripted runtime with the block building entry points of a chain that only knows
// timestamps and transfers. Transfers pay ToyFee; a transfer the sender cannot pay for is invalid, and a transfer of
// zero fails to dispatch after paying the fee.
func NewToyRuntime() *ScriptedRuntime {
	r := NewScriptedRuntime()
	r.Handle("Core_version", func(context.Context, []byte, runtime.Storage) (*runtime.CallResult, error) {
		return &runtime.CallResult{Output: r.Version.Encode()}, nil
	})
	r.Handle("Core_initialize_block", func(_ context.Context, args []byte, _ runtime.Storage) (*runtime.CallResult, error) {
		header, err := types.DecodeHeader(args)
		if err != nil {
			return nil, err
		}
		w := toyWrites{}
		w.set(ToyHeaderKey, args)
		w.set(ToyNumberKey, types.U32Key(header.Number))
		return &runtime.CallResult{StorageDiff: w.changes()}, nil
	})
	r.Handle("BlockBuilder_apply_extrinsic", func(ctx context.Context, args []byte, storage runtime.Storage) (*runtime.CallResult, error) {
		body, err := types.DecodeBytes(types.NewDecoder(args))
		if err != nil {
			return nil, err
		}
		w := toyWrites{}
		if len(body) >= 3 && body[0] == 0x04 && body[1] == toyTimestampPallet {
			ts, err := types.DecodeCompact(types.NewDecoder(body[3:]))
			if err != nil {
				return nil, err
			}
			w.set(toyTimestampKey, binary.LittleEndian.AppendUint64(nil, ts))
			return &runtime.CallResult{Output: []byte{0, 0}, StorageDiff: w.changes()}, nil
		}
		if len(body) >= 3 && body[0] == 0x04 {
			// Other inherents are accepted without effect.
			return &runtime.CallResult{Output: []byte{0, 0}}, nil
		}

		tx, err := decodeToyTransfer(args)
		if err != nil {
			// InvalidTransaction::Call
			return &runtime.CallResult{Output: []byte{1, 0, 0}}, nil
		}
		fromBalance, err := toyBalance(ctx, storage, tx.from)
		if err != nil {
			return nil, err
		}
		cost := new(uint256.Int).AddUint64(uint256.NewInt(tx.amount), ToyFee)
		if fromBalance.Lt(cost) {
			// InvalidTransaction::Payment
			return &runtime.CallResult{Output: []byte{1, 0, 1}}, nil
		}
		if tx.amount == 0 {
			fromBalance.SubUint64(fromBalance, ToyFee)
			w.set(types.AccountStorageKey(tx.from), types.BuildAccountInfo(fromBalance))
			// DispatchError::Module { index: 5, error: [2, 0, 0, 0] }
			return &runtime.CallResult{Output: []byte{0, 1, 3, toyBalancesPallet, 2, 0, 0, 0}, StorageDiff: w.changes()}, nil
		}
		toBalance, err := toyBalance(ctx, storage, tx.to)
		if err != nil {
			return nil, err
		}
		fromBalance.Sub(fromBalance, cost)
		toBalance.AddUint64(toBalance, tx.amount)
		w.set(types.AccountStorageKey(tx.from), types.BuildAccountInfo(fromBalance))
		w.set(types.AccountStorageKey(tx.to), types.BuildAccountInfo(toBalance))
		return &runtime.CallResult{Output: []byte{0, 0}, StorageDiff: w.changes()}, nil
	})
	r.Handle("BlockBuilder_finalize_block", func(ctx context.Context, _ []byte, storage runtime.Storage) (*runtime.CallResult, error) {
		raw, ok, err := storage.Get(ctx, ToyHeaderKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("block was not initialized")
		}
		header, err := types.DecodeHeader(raw)
		if err != nil {
			return nil, err
		}
		now, _, err := storage.Get(ctx, toyTimestampKey)
		if err != nil {
			return nil, err
		}
		header.StateRoot = types.Blake2_256(append(append([]byte{}, raw...), now...))
		w := toyWrites{}
		w.set(ToyHeaderKey, nil)
		return &runtime.CallResult{Output: header.Encode(), StorageDiff: w.changes()}, nil
	})
	r.Handle("TaggedTransactionQueue_validate_transaction", func(ctx context.Context, args []byte, storage runtime.Storage) (*runtime.CallResult, error) {
		if len(args) < 1+32 {
			return nil, fmt.Errorf("short arguments")
		}
		tx, err := decodeToyTransfer(args[1 : len(args)-32])
		if err != nil {
			return &runtime.CallResult{Output: []byte{1, 0, 0}}, nil
		}
		balance, err := toyBalance(ctx, storage, tx.from)
		if err != nil {
			return nil, err
		}
		if balance.Lt(new(uint256.Int).AddUint64(uint256.NewInt(tx.amount), ToyFee)) {
			return &runtime.CallResult{Output: []byte{1, 0, 1}}, nil
		}
		// Ok(ValidTransaction { priority: 1, requires: [], provides: [from], longevity: 64, propagate: true })
		out := []byte{0}
		out = binary.LittleEndian.AppendUint64(out, 1)
		out = append(out, types.EncodeBytesVec(nil)...)
		out = append(out, types.EncodeBytesVec([][]byte{tx.from})...)
		out = binary.LittleEndian.AppendUint64(out, 64)
		out = append(out, 1)
		return &runtime.CallResult{Output: out}, nil
	})
	return r
}
