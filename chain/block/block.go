// Package block defines the immutable blocks produced by the fork engine.
package block

import (
	"context"
	"fmt"

	"github.com/crytic/medusa-geth/common/hexutil"

	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/state"
	"github.com/crytic/subfork/chain/types"
)

// Runtime describes the runtime a block executes with. Blocks share a Runtime until one of them writes :code.
type Runtime struct {
	// Code is the runtime blob as stored under :code. It may be zstd compressed.
	Code []byte

	// HeapPages is the number of heap pages runtime calls may use.
	HeapPages uint64

	// Metadata is the decoded metadata of the runtime.
	Metadata metadata.Registry

	// Version is the version reported by the runtime.
	Version *types.RuntimeVersion
}

// Block is a block of the forked chain: either the fork point itself or a block built on top of it. A Block never
// changes once created. Its parent is referenced by hash only.
type Block struct {
	// Number is the block number.
	Number uint32

	// Hash is the blake2-256 hash of the encoded header.
	Hash types.Hash

	// ParentHash is the hash of the parent block.
	ParentHash types.Hash

	// Header is the decoded block header.
	Header *types.Header

	// Extrinsics holds the opaque extrinsics of the block, inherents first.
	Extrinsics [][]byte

	// Storage is the storage layer the block reads from. Every block of a fork shares the same layer and reads it at
	// its own number.
	Storage *state.LocalStorageLayer

	// Runtime is the runtime that produced the block and executes its children.
	Runtime *Runtime
}

// New creates a block from its header. The hash is derived from the header.
func New(header *types.Header, extrinsics [][]byte, storage *state.LocalStorageLayer, runtime *Runtime) *Block {
	return &Block{
		Number:     header.Number,
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Header:     header,
		Extrinsics: extrinsics,
		Storage:    storage,
		Runtime:    runtime,
	}
}

// EncodedHeader returns the SCALE encoding of the header.
func (b *Block) EncodedHeader() []byte {
	return b.Header.Encode()
}

// Validate checks that the hash and the number agree with the header.
func (b *Block) Validate() error {
	if hash := b.Header.Hash(); hash != b.Hash {
		return fmt.Errorf("block hash %s does not match header hash %s", b.Hash, hash)
	}
	if b.Header.Number != b.Number {
		return fmt.Errorf("block number %d does not match header number %d", b.Number, b.Header.Number)
	}
	if b.Header.ParentHash != b.ParentHash {
		return fmt.Errorf("block parent %s does not match header parent %s", b.ParentHash, b.Header.ParentHash)
	}
	return nil
}

// View returns the storage as seen after this block.
func (b *Block) View() *state.StorageView {
	return b.Storage.View(b.Number)
}

// PendingView returns the storage of the child under construction: the pending diff on top of this block.
func (b *Block) PendingView() *state.StorageView {
	return b.Storage.View(b.Number + 1)
}

// Get reads a storage value as seen after this block.
func (b *Block) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return b.Storage.Get(ctx, b.Number, key)
}

// RPCBlock is the JSON representation of a block used by chain_getBlock.
type RPCBlock struct {
	Header     *types.RPCHeader `json:"header"`
	Extrinsics []hexutil.Bytes  `json:"extrinsics"`
}

// SignedRPCBlock wraps a block with its (always empty) justifications.
type SignedRPCBlock struct {
	Block          RPCBlock `json:"block"`
	Justifications any      `json:"justifications"`
}

// ToRPC converts the block into the representation returned by chain_getBlock.
func (b *Block) ToRPC() *SignedRPCBlock {
	extrinsics := make([]hexutil.Bytes, 0, len(b.Extrinsics))
	for _, ext := range b.Extrinsics {
		extrinsics = append(extrinsics, ext)
	}
	return &SignedRPCBlock{Block: RPCBlock{Header: b.Header.ToRPC(), Extrinsics: extrinsics}}
}
