// Package builder produces the child of a block by driving the runtime through the block building entry points.
package builder

import (
	"context"
	"fmt"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/inherent"
	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/trie"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging"
)

const (
	initializeBlockMethod = "Core_initialize_block"
	applyExtrinsicMethod  = "BlockBuilder_apply_extrinsic"
	finalizeBlockMethod   = "BlockBuilder_finalize_block"
)

// Phase is the step a BlockBuilder has reached. Phases only move forward.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseInitialized
	PhaseInherentsApplied
	PhaseFinalized
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseInitialized:
		return "initialized"
	case PhaseInherentsApplied:
		return "inherents applied"
	case PhaseFinalized:
		return "finalized"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Prototype is the runtime a block was built with, kept for proof export.
type Prototype struct {
	Code      []byte
	HeapPages uint64
	Version   *types.RuntimeVersion
}

// BlockBuilder builds the child of a block. Every runtime call reads the pending diff of the parent's storage layer,
// and the diff of every accepted call is written back to it. Finalize commits the diff.
//
// A BlockBuilder is used by one goroutine at a time. Phases must run in order: Initialize, ApplyInherents, any number
// of ApplyExtrinsic, Finalize. Out of order calls fail without side effects.
type BlockBuilder struct {
	parent    *block.Block
	exec      runtime.Caller
	providers []inherent.Provider
	header    *types.Header

	phase      Phase
	extrinsics [][]byte

	// mockRelayInclusion sets ParaInherent::Included before finalization, see inherent.NeedsRelayInclusionMock.
	mockRelayInclusion bool

	logger *logging.Logger
}

// NewBlockBuilder creates a builder for the child of parent described by header, usually made by CreateNextHeader.
func NewBlockBuilder(parent *block.Block, exec runtime.Caller, header *types.Header, providers []inherent.Provider) *BlockBuilder {
	var registry metadata.Registry
	if parent.Runtime != nil {
		registry = parent.Runtime.Metadata
	}
	isParachain := registry != nil && registry.HasPallet("ParachainSystem")
	return &BlockBuilder{
		parent:             parent,
		exec:               exec,
		providers:          providers,
		header:             header,
		mockRelayInclusion: inherent.NeedsRelayInclusionMock(registry, isParachain),
		logger:             logging.GlobalLogger.NewSubLogger("module", logging.BUILDER_SERVICE),
	}
}

// CreateNextHeader returns the header the child of parent starts with: the next number, zero roots and the given
// digest items. The runtime fills in the roots during finalization.
func CreateNextHeader(parent *block.Block, digests []types.DigestItem) *types.Header {
	return &types.Header{
		ParentHash: parent.Hash,
		Number:     parent.Number + 1,
		Digest:     digests,
	}
}

// Phase returns the current phase.
func (b *BlockBuilder) Phase() Phase {
	return b.phase
}

// Parent returns the block being extended.
func (b *BlockBuilder) Parent() *block.Block {
	return b.parent
}

// Extrinsics returns the extrinsics included so far, inherents first.
func (b *BlockBuilder) Extrinsics() [][]byte {
	return b.extrinsics
}

// storage returns the state runtime calls execute against: the pending diff over the parent.
func (b *BlockBuilder) storage() runtime.Storage {
	return runtime.WithStateRoot(b.parent.PendingView(), b.parent.Header.StateRoot)
}

func (b *BlockBuilder) registry() metadata.Registry {
	if b.parent.Runtime == nil {
		return nil
	}
	return b.parent.Runtime.Metadata
}

func (b *BlockBuilder) apply(changes []cache.StorageChange) {
	if len(changes) > 0 {
		b.parent.Storage.SetBatch(changes)
	}
}

// Initialize runs Core_initialize_block with the header.
func (b *BlockBuilder) Initialize(ctx context.Context) error {
	switch b.phase {
	case PhaseNew:
	case PhaseFinalized:
		return ErrAlreadyFinalized
	default:
		return ErrAlreadyInitialized
	}
	if b.parent.Storage.CommittedHash() != b.parent.Hash {
		return ErrStaleParent
	}

	res, err := b.exec.Call(ctx, initializeBlockMethod, b.header.Encode(), b.storage())
	if err != nil {
		return err
	}
	b.apply(res.StorageDiff)
	b.phase = PhaseInitialized
	b.logger.Debug("initialized block ", b.header.Number, " on top of ", b.parent.Hash)
	return nil
}

// ApplyInherents asks every provider for its inherents, in order, and applies them. Every inherent must succeed.
func (b *BlockBuilder) ApplyInherents(ctx context.Context) error {
	switch b.phase {
	case PhaseInitialized:
	case PhaseNew:
		return ErrNotInitialized
	case PhaseFinalized:
		return ErrAlreadyFinalized
	default:
		return ErrInherentsAlreadyApplied
	}

	for _, provider := range b.providers {
		exts, err := provider.Provide(ctx, b.parent, b.exec)
		if err != nil {
			return &InherentProviderError{Provider: provider.Identifier(), Err: err}
		}
		for _, ext := range exts {
			outcome, err := b.applyExtrinsic(ctx, ext)
			if err != nil {
				return &InherentProviderError{Provider: provider.Identifier(), Err: err}
			}
			switch outcome.Kind {
			case DispatchFailed:
				return &InherentProviderError{Provider: provider.Identifier(), Err: outcome.DispatchError}
			case Excluded:
				return &InherentProviderError{Provider: provider.Identifier(), Err: outcome.Invalid}
			}
		}
		b.logger.Trace("applied ", len(exts), " inherents from ", provider.Identifier())
	}
	b.phase = PhaseInherentsApplied
	return nil
}

// ApplyExtrinsic applies a user extrinsic. Included extrinsics, whether their call succeeded or not, keep their
// storage changes. Excluded ones leave no trace. An error means the runtime call itself failed, and the extrinsic is
// excluded too.
func (b *BlockBuilder) ApplyExtrinsic(ctx context.Context, ext []byte) (*ApplyOutcome, error) {
	switch b.phase {
	case PhaseInherentsApplied:
	case PhaseNew:
		return nil, ErrNotInitialized
	case PhaseInitialized:
		return nil, ErrInherentsNotApplied
	default:
		return nil, ErrAlreadyFinalized
	}
	return b.applyExtrinsic(ctx, ext)
}

func (b *BlockBuilder) applyExtrinsic(ctx context.Context, ext []byte) (*ApplyOutcome, error) {
	res, err := b.exec.Call(ctx, applyExtrinsicMethod, ext, b.storage())
	if err != nil {
		return nil, err
	}
	outcome, err := DecodeApplyResult(res.Output, b.registry())
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s output: %w", applyExtrinsicMethod, err)
	}
	if outcome.Included() {
		b.apply(res.StorageDiff)
		b.extrinsics = append(b.extrinsics, ext)
		outcome.StorageChanges = len(res.StorageDiff)
	}
	return outcome, nil
}

// Finalize runs BlockBuilder_finalize_block, commits the pending diff and returns the new block along with the
// runtime it was built with.
func (b *BlockBuilder) Finalize(ctx context.Context) (*block.Block, *Prototype, error) {
	switch b.phase {
	case PhaseInherentsApplied:
	case PhaseNew:
		return nil, nil, ErrNotInitialized
	case PhaseInitialized:
		return nil, nil, ErrInherentsNotApplied
	default:
		return nil, nil, ErrAlreadyFinalized
	}
	if b.parent.Storage.CommittedHash() != b.parent.Hash {
		return nil, nil, ErrStaleParent
	}

	if b.mockRelayInclusion {
		b.parent.Storage.Set(inherent.ParaInherentIncludedKey, []byte{})
	}
	res, err := b.exec.Call(ctx, finalizeBlockMethod, nil, b.storage())
	if err != nil {
		return nil, nil, err
	}
	header, err := types.DecodeHeader(res.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode %s output: %w", finalizeBlockMethod, err)
	}
	b.apply(res.StorageDiff)

	// The extrinsics root always reflects the extrinsics the block was built with.
	version := trie.V0
	if rt := b.parent.Runtime; rt != nil && rt.Version != nil && rt.Version.StateVersion == 1 {
		version = trie.V1
	}
	if header.ExtrinsicsRoot, err = trie.OrderedRoot(version, b.extrinsics); err != nil {
		return nil, nil, err
	}
	header.ParentHash = b.parent.Hash
	header.Number = b.parent.Number + 1

	// Another block may have been committed while the runtime was finalizing this one.
	if b.parent.Storage.CommittedHash() != b.parent.Hash {
		return nil, nil, ErrStaleParent
	}
	if err := b.parent.Storage.Commit(ctx, header.Hash()); err != nil {
		return nil, nil, err
	}
	b.phase = PhaseFinalized

	child := block.New(header, b.extrinsics, b.parent.Storage, b.parent.Runtime)
	b.logger.Info("built block ", child.Number, " (", child.Hash, ") with ", len(b.extrinsics), " extrinsics")

	var prototype *Prototype
	if rt := b.parent.Runtime; rt != nil {
		prototype = &Prototype{Code: rt.Code, HeapPages: rt.HeapPages, Version: rt.Version}
	}
	return child, prototype, nil
}

// Abort drops the pending diff and ends the builder. It is a no-op once finalized.
func (b *BlockBuilder) Abort() {
	if b.phase == PhaseFinalized {
		return
	}
	b.parent.Storage.Discard()
	b.phase = PhaseFinalized
}
