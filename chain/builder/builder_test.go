package builder

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/inherent"
	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/trie"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/utils/testutils"
)

const startTimestamp uint64 = 1_700_000_000_000

// newTestParent forks an offline origin whose accounts are funded, and returns its fork block.
func newTestParent(t *testing.T, registry metadata.Registry, extra map[string][]byte) *block.Block {
	storage := map[string][]byte{
		string(inherent.TimestampNowKey):             binary.LittleEndian.AppendUint64(nil, startTimestamp),
		string(types.AccountStorageKey(types.Alice)): testutils.ToyAccount(1_000_000),
		string(types.AccountStorageKey(types.Bob)):   testutils.ToyAccount(0),
	}
	for k, v := range extra {
		storage[k] = v
	}
	origin := testutils.NewOrigin(3, storage)
	_, local := origin.Layers()
	hash, _ := origin.Head()
	header, err := origin.Header(context.Background(), hash)
	require.NoError(t, err)
	exec := testutils.NewToyRuntime()
	return block.New(header, nil, local, &block.Runtime{Code: []byte("code"), HeapPages: 64, Metadata: registry, Version: exec.Version})
}

func newTestBuilder(t *testing.T) (*BlockBuilder, *block.Block) {
	parent := newTestParent(t, testutils.ToyMetadata(), nil)
	providers := inherent.DefaultProviders(false, inherent.Config{})
	return NewBlockBuilder(parent, testutils.NewToyRuntime(), CreateNextHeader(parent, nil), providers), parent
}

func balanceAt(t *testing.T, b *block.Block, account []byte) *uint256.Int {
	info, ok, err := b.Get(context.Background(), types.AccountStorageKey(account))
	require.NoError(t, err)
	require.True(t, ok)
	balance, err := types.FreeBalance(info)
	require.NoError(t, err)
	return balance
}

// TestPhaseOrdering checks that every phase fails when called out of order.
func TestPhaseOrdering(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBuilder(t)

	assert.ErrorIs(t, b.ApplyInherents(ctx), ErrNotInitialized)
	_, err := b.ApplyExtrinsic(ctx, []byte{0})
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, _, err = b.Finalize(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, b.Initialize(ctx))
	assert.ErrorIs(t, b.Initialize(ctx), ErrAlreadyInitialized)
	_, err = b.ApplyExtrinsic(ctx, []byte{0})
	assert.ErrorIs(t, err, ErrInherentsNotApplied)
	_, _, err = b.Finalize(ctx)
	assert.ErrorIs(t, err, ErrInherentsNotApplied)

	require.NoError(t, b.ApplyInherents(ctx))
	assert.ErrorIs(t, b.ApplyInherents(ctx), ErrInherentsAlreadyApplied)
	assert.ErrorIs(t, b.Initialize(ctx), ErrAlreadyInitialized)

	_, _, err = b.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseFinalized, b.Phase())
	assert.ErrorIs(t, b.Initialize(ctx), ErrAlreadyFinalized)
	assert.ErrorIs(t, b.ApplyInherents(ctx), ErrAlreadyFinalized)
	_, err = b.ApplyExtrinsic(ctx, []byte{0})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	_, _, err = b.Finalize(ctx)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

// TestEmptyBlock checks the child of an empty build: next number, parent link and advanced timestamp.
func TestEmptyBlock(t *testing.T) {
	ctx := context.Background()
	parent := newTestParent(t, testutils.ToyMetadata(), nil)
	providers := inherent.DefaultProviders(false, inherent.Config{})

	initialized, err := New(parent, testutils.NewToyRuntime(), CreateNextHeader(parent, nil), providers).Initialize(ctx)
	require.NoError(t, err)
	ready, err := initialized.ApplyInherents(ctx)
	require.NoError(t, err)
	assert.Len(t, ready.Extrinsics(), 1)
	child, prototype, err := ready.Finalize(ctx)
	require.NoError(t, err)

	assert.Equal(t, parent.Number+1, child.Number)
	assert.Equal(t, parent.Hash, child.ParentHash)
	assert.Equal(t, child.Header.Hash(), child.Hash)
	require.NoError(t, child.Validate())
	assert.Equal(t, child.Hash, parent.Storage.CommittedHash())

	now, ok, err := child.Get(ctx, inherent.TimestampNowKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, startTimestamp+inherent.DefaultRelaySlotDuration, binary.LittleEndian.Uint64(now))

	// The parent still sees its own timestamp.
	now, _, err = parent.Get(ctx, inherent.TimestampNowKey)
	require.NoError(t, err)
	assert.Equal(t, startTimestamp, binary.LittleEndian.Uint64(now))

	// The header scratch key of the runtime was removed by finalization.
	_, ok, err = child.Get(ctx, testutils.ToyHeaderKey)
	require.NoError(t, err)
	assert.False(t, ok)

	root, err := trie.OrderedRoot(trie.V1, child.Extrinsics)
	require.NoError(t, err)
	assert.Equal(t, root, child.Header.ExtrinsicsRoot)

	require.NotNil(t, prototype)
	assert.Equal(t, []byte("code"), prototype.Code)
	assert.EqualValues(t, 64, prototype.HeapPages)
}

// TestTransfer checks that a transfer debits the sender by the amount and the fee and credits the receiver by the
// amount.
func TestTransfer(t *testing.T) {
	ctx := context.Background()
	b, parent := newTestBuilder(t)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.ApplyInherents(ctx))

	outcome, err := b.ApplyExtrinsic(ctx, testutils.ToyTransfer(types.Alice, types.Bob, 500))
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Kind)
	assert.True(t, outcome.Included())
	assert.Equal(t, 2, outcome.StorageChanges)

	child, _, err := b.Finalize(ctx)
	require.NoError(t, err)
	assert.Len(t, child.Extrinsics, 2)

	assert.Equal(t, uint256.NewInt(1_000_000-500-testutils.ToyFee), balanceAt(t, child, types.Alice))
	assert.Equal(t, uint256.NewInt(500), balanceAt(t, child, types.Bob))
	assert.Equal(t, uint256.NewInt(1_000_000), balanceAt(t, parent, types.Alice))
}

// TestApplyOutcomes checks that dispatch failures are included and validity failures are not.
func TestApplyOutcomes(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBuilder(t)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.ApplyInherents(ctx))

	outcome, err := b.ApplyExtrinsic(ctx, testutils.ToyTransfer(types.Bob, types.Alice, 10))
	require.NoError(t, err)
	assert.Equal(t, Excluded, outcome.Kind)
	require.NotNil(t, outcome.Invalid)
	assert.Equal(t, Invalid, outcome.Invalid.Kind)
	assert.Equal(t, "Payment", outcome.Invalid.Reason)

	outcome, err = b.ApplyExtrinsic(ctx, testutils.ToyTransfer(types.Alice, types.Bob, 0))
	require.NoError(t, err)
	assert.Equal(t, DispatchFailed, outcome.Kind)
	require.NotNil(t, outcome.DispatchError)
	assert.Equal(t, "Balances", outcome.DispatchError.Pallet)
	assert.Equal(t, "InsufficientBalance", outcome.DispatchError.Name)

	child, _, err := b.Finalize(ctx)
	require.NoError(t, err)
	assert.Len(t, child.Extrinsics, 2)
	assert.Equal(t, uint256.NewInt(1_000_000-testutils.ToyFee), balanceAt(t, child, types.Alice))
}

// failingProvider is an inherent provider that always fails.
type failingProvider struct{}

func (failingProvider) Identifier() string { return "Failing" }

func (failingProvider) Provide(context.Context, *block.Block, runtime.Caller) ([][]byte, error) {
	return nil, errors.New("no inherent today")
}

func (failingProvider) Warmup(context.Context, *block.Block, runtime.Caller) {}

func (failingProvider) InvalidateCache() {}

func TestInherentProviderError(t *testing.T) {
	ctx := context.Background()
	parent := newTestParent(t, testutils.ToyMetadata(), nil)
	b := NewBlockBuilder(parent, testutils.NewToyRuntime(), CreateNextHeader(parent, nil), []inherent.Provider{failingProvider{}})
	require.NoError(t, b.Initialize(ctx))

	err := b.ApplyInherents(ctx)
	var providerErr *InherentProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, "Failing", providerErr.Provider)
	assert.Equal(t, PhaseInitialized, b.Phase())

	// Aborting drops the diff of Core_initialize_block.
	b.Abort()
	assert.Empty(t, parent.Storage.Diff())
	assert.ErrorIs(t, b.Initialize(ctx), ErrAlreadyFinalized)
}

// TestNoProviders checks that applying an empty provider list succeeds.
func TestNoProviders(t *testing.T) {
	ctx := context.Background()
	parent := newTestParent(t, testutils.ToyMetadata(), nil)
	b := NewBlockBuilder(parent, testutils.NewToyRuntime(), CreateNextHeader(parent, nil), nil)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.ApplyInherents(ctx))
	assert.Empty(t, b.Extrinsics())
}

// TestExecutorErrorKeepsDiff checks that a trapping call leaves the accumulated diff untouched.
func TestExecutorErrorKeepsDiff(t *testing.T) {
	ctx := context.Background()
	parent := newTestParent(t, testutils.ToyMetadata(), nil)
	exec := testutils.NewToyRuntime()
	b := NewBlockBuilder(parent, exec, CreateNextHeader(parent, nil), inherent.DefaultProviders(false, inherent.Config{}))
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.ApplyInherents(ctx))
	before := parent.Storage.Diff()

	exec.Handle(applyExtrinsicMethod, func(context.Context, []byte, runtime.Storage) (*runtime.CallResult, error) {
		return nil, &runtime.ExecutorError{Kind: runtime.Trap, Method: applyExtrinsicMethod, Err: errors.New("unreachable")}
	})
	_, err := b.ApplyExtrinsic(ctx, testutils.ToyTransfer(types.Alice, types.Bob, 1))
	var execErr *runtime.ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, runtime.Trap, execErr.Kind)
	assert.Equal(t, before, parent.Storage.Diff())
	assert.Len(t, b.Extrinsics(), 1)
}

// TestStaleParent checks that a builder refuses a parent that is no longer the head.
func TestStaleParent(t *testing.T) {
	ctx := context.Background()
	b, parent := newTestBuilder(t)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.ApplyInherents(ctx))
	_, _, err := b.Finalize(ctx)
	require.NoError(t, err)

	again := NewBlockBuilder(parent, testutils.NewToyRuntime(), CreateNextHeader(parent, nil), nil)
	assert.ErrorIs(t, again.Initialize(ctx), ErrStaleParent)
}

// TestStaleParentAtFinalize checks that a builder does not commit on top of a parent that stopped being the head after
// it was initialized.
func TestStaleParentAtFinalize(t *testing.T) {
	ctx := context.Background()
	first, parent := newTestBuilder(t)
	second := NewBlockBuilder(parent, testutils.NewToyRuntime(), CreateNextHeader(parent, nil), nil)
	require.NoError(t, first.Initialize(ctx))
	require.NoError(t, second.Initialize(ctx))
	require.NoError(t, first.ApplyInherents(ctx))
	require.NoError(t, second.ApplyInherents(ctx))
	child, _, err := first.Finalize(ctx)
	require.NoError(t, err)

	_, _, err = second.Finalize(ctx)
	assert.ErrorIs(t, err, ErrStaleParent)
	assert.Equal(t, child.Hash, parent.Storage.CommittedHash())

	// a commit that lands while the runtime finalizes is caught before this builder commits
	parent = newTestParent(t, testutils.ToyMetadata(), nil)
	toy := testutils.NewToyRuntime()
	exec := testutils.NewToyRuntime()
	exec.Handle("BlockBuilder_finalize_block", func(ctx context.Context, args []byte, storage runtime.Storage) (*runtime.CallResult, error) {
		res, err := toy.Call(ctx, "BlockBuilder_finalize_block", args, storage)
		if err != nil {
			return nil, err
		}
		return res, parent.Storage.Commit(ctx, types.Hash{0x99})
	})
	racing := NewBlockBuilder(parent, exec, CreateNextHeader(parent, nil), nil)
	require.NoError(t, racing.Initialize(ctx))
	require.NoError(t, racing.ApplyInherents(ctx))
	_, _, err = racing.Finalize(ctx)
	assert.ErrorIs(t, err, ErrStaleParent)
	assert.Equal(t, types.Hash{0x99}, parent.Storage.CommittedHash())
}

// TestRelayInclusionMock checks that relay chains get ParaInherent::Included set before finalization.
func TestRelayInclusionMock(t *testing.T) {
	ctx := context.Background()
	registry := testutils.ToyMetadata().WithPallet("ParaInherent", metadata.StaticPallet{Index: 54})
	parent := newTestParent(t, registry, nil)
	b := NewBlockBuilder(parent, testutils.NewToyRuntime(), CreateNextHeader(parent, nil), nil)
	require.NoError(t, b.Initialize(ctx))
	require.NoError(t, b.ApplyInherents(ctx))
	child, _, err := b.Finalize(ctx)
	require.NoError(t, err)

	value, ok, err := child.Get(ctx, inherent.ParaInherentIncludedKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, value)
}

func TestCreateNextHeader(t *testing.T) {
	parent := newTestParent(t, testutils.ToyMetadata(), nil)
	digests := inherent.SlotDigests(metadata.NewStatic().WithPallet("Aura", metadata.StaticPallet{}), 9)
	header := CreateNextHeader(parent, digests)
	assert.Equal(t, parent.Number+1, header.Number)
	assert.Equal(t, parent.Hash, header.ParentHash)
	assert.True(t, header.StateRoot.IsZero())
	assert.True(t, header.ExtrinsicsRoot.IsZero())
	assert.Equal(t, digests, header.Digest)
}
