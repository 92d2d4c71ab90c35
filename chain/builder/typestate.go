package builder

import (
	"context"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/inherent"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/types"
)

// Pending, Initialized and Ready each expose the operations of one phase, so building out of order does not
// compile. A value should not be used once the next phase was obtained from it.

// Pending is a builder that has not called Core_initialize_block yet.
type Pending struct {
	b *BlockBuilder
}

// Initialized is a builder whose inherents are yet to be applied.
type Initialized struct {
	b *BlockBuilder
}

// Ready is a builder accepting user extrinsics.
type Ready struct {
	b *BlockBuilder
}

// New creates a builder for the child of parent.
func New(parent *block.Block, exec runtime.Caller, header *types.Header, providers []inherent.Provider) *Pending {
	return &Pending{b: NewBlockBuilder(parent, exec, header, providers)}
}

// Initialize runs Core_initialize_block.
func (p *Pending) Initialize(ctx context.Context) (*Initialized, error) {
	if err := p.b.Initialize(ctx); err != nil {
		return nil, err
	}
	return &Initialized{b: p.b}, nil
}

// Abort drops the pending diff.
func (p *Pending) Abort() {
	p.b.Abort()
}

// ApplyInherents applies the inherents of every provider.
func (i *Initialized) ApplyInherents(ctx context.Context) (*Ready, error) {
	if err := i.b.ApplyInherents(ctx); err != nil {
		return nil, err
	}
	return &Ready{b: i.b}, nil
}

// Abort drops the pending diff.
func (i *Initialized) Abort() {
	i.b.Abort()
}

// ApplyExtrinsic applies a user extrinsic.
func (r *Ready) ApplyExtrinsic(ctx context.Context, ext []byte) (*ApplyOutcome, error) {
	return r.b.ApplyExtrinsic(ctx, ext)
}

// Extrinsics returns the extrinsics included so far.
func (r *Ready) Extrinsics() [][]byte {
	return r.b.Extrinsics()
}

// Finalize commits the block.
func (r *Ready) Finalize(ctx context.Context) (*block.Block, *Prototype, error) {
	return r.b.Finalize(ctx)
}

// Abort drops the pending diff.
func (r *Ready) Abort() {
	r.b.Abort()
}
