package chain

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/builder"
	"github.com/crytic/subfork/chain/inherent"
	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/state"
	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/utils/testutils"
)

const startTimestamp uint64 = 1_700_000_000_000

var (
	toyCode    = []byte("toy runtime")
	testPrefix = []byte("\x01test:")
)

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func key(suffix string) []byte {
	return append(append([]byte{}, testPrefix...), suffix...)
}

// testChain is a fork of an offline origin running the toy runtime.
type testChain struct {
	*Blockchain
	origin   *testutils.Origin
	exec     *testutils.ScriptedRuntime
	created  int
	creation sync.Mutex
}

// newTestChain forks a four block origin chain holding the toy runtime, a timestamp, a funded Alice and two keys under
// testPrefix. extra is merged into the origin storage.
func newTestChain(t *testing.T, registry metadata.Registry, extra map[string][]byte) *testChain {
	storage := map[string][]byte{
		string(types.CodeKey):                        toyCode,
		string(inherent.TimestampNowKey):             u64(startTimestamp),
		string(types.AccountStorageKey(types.Alice)): testutils.ToyAccount(1_000_000),
		string(key("a")):                             {1},
		string(key("c")):                             {3},
	}
	for k, v := range extra {
		storage[k] = v
	}
	if registry == nil {
		registry = testutils.ToyMetadata()
	}

	tc := &testChain{origin: testutils.NewOrigin(4, storage), exec: testutils.NewToyRuntime()}
	chain, err := Fork(context.Background(), tc.origin, cache.NewNonPersistentCache(), ForkOptions{
		Metadata: registry,
		RuntimeFactory: func(context.Context, []byte, uint64, runtime.ExecutorConfig) (Executor, error) {
			tc.creation.Lock()
			defer tc.creation.Unlock()
			tc.created++
			return tc.exec, nil
		},
	})
	require.NoError(t, err)
	tc.Blockchain = chain
	t.Cleanup(func() {
		_ = chain.Close(context.Background())
	})
	return tc
}

func (tc *testChain) balance(t *testing.T, number uint32, account []byte) *uint256.Int {
	info, found, err := tc.StorageAt(context.Background(), number, types.AccountStorageKey(account))
	require.NoError(t, err)
	if !found {
		return new(uint256.Int)
	}
	balance, err := types.FreeBalance(info)
	require.NoError(t, err)
	return balance
}

func TestFork(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)
	originHead, originNumber := tc.origin.Head()

	head := tc.Head()
	assert.Equal(t, originHead, head.Hash)
	assert.Equal(t, originNumber, head.Number)
	assert.Same(t, head, tc.ForkBlock())
	require.NoError(t, head.Validate())
	assert.Equal(t, toyCode, head.Runtime.Code)
	assert.Equal(t, runtime.DefaultHeapPages, head.Runtime.HeapPages)

	assert.Equal(t, "test-runtime", tc.ChainName())
	assert.Equal(t, "Test Chain", tc.SystemChain())
	assert.False(t, tc.ChainType().IsParachain)
	assert.Len(t, tc.Providers(), 1)
	assert.Equal(t, 1, tc.created)

	properties, err := tc.Properties(ctx)
	require.NoError(t, err)
	assert.Equal(t, "UNIT", properties["tokenSymbol"])
}

// TestForkPrefetch checks that the prefixes given to Fork are loaded in the background and that Prefetch stops with
// its context.
func TestForkPrefetch(t *testing.T) {
	origin := testutils.NewOrigin(4, map[string][]byte{
		string(types.CodeKey): toyCode,
		string(key("a")):      {1},
		string(key("b")):      {2},
	})
	exec := testutils.NewToyRuntime()
	chain, err := Fork(context.Background(), origin, cache.NewNonPersistentCache(), ForkOptions{
		Metadata: testutils.ToyMetadata(),
		Prefetch: [][]byte{testPrefix},
		RuntimeFactory: func(context.Context, []byte, uint64, runtime.ExecutorConfig) (Executor, error) {
			return exec, nil
		},
	})
	require.NoError(t, err)
	defer chain.Close(context.Background())

	select {
	case <-chain.PrefetchDone():
	case <-time.After(5 * time.Second):
		t.Fatal("background prefetch did not finish")
	}
	assert.True(t, chain.remote.IsPrefixComplete(testPrefix))

	// a completed prefix is not fetched again
	count, err := chain.Prefetch(context.Background(), [][]byte{testPrefix})
	require.NoError(t, err)
	assert.Zero(t, count)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = chain.Prefetch(ctx, [][]byte{[]byte("\x02other:")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForkPoints(t *testing.T) {
	ctx := context.Background()
	origin := testutils.NewOrigin(4, map[string][]byte{string(types.CodeKey): toyCode})
	factory := func(context.Context, []byte, uint64, runtime.ExecutorConfig) (Executor, error) {
		return testutils.NewToyRuntime(), nil
	}

	chain, err := Fork(ctx, origin, cache.NewNonPersistentCache(), ForkOptions{At: AtNumber(1), RuntimeFactory: factory, Metadata: testutils.ToyMetadata()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, chain.Head().Number)

	chain, err = Fork(ctx, origin, cache.NewNonPersistentCache(), ForkOptions{At: AtHash(chain.Head().Hash), RuntimeFactory: factory, Metadata: testutils.ToyMetadata()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, chain.Head().Number)

	_, err = Fork(ctx, origin, cache.NewNonPersistentCache(), ForkOptions{At: AtNumber(99), RuntimeFactory: factory})
	assert.ErrorIs(t, err, state.ErrBlockNumberNotFound)

	_, err = Fork(ctx, origin, cache.NewNonPersistentCache(), ForkOptions{At: AtHash(types.Blake2_256([]byte("nope"))), RuntimeFactory: factory})
	assert.ErrorIs(t, err, ErrBlockNotFound)

	// Without metadata from the runtime or the origin, the fork fails.
	_, err = Fork(ctx, origin, cache.NewNonPersistentCache(), ForkOptions{RuntimeFactory: factory})
	assert.Error(t, err)
}

func TestForkWithoutCode(t *testing.T) {
	origin := testutils.NewOrigin(2, nil)
	_, err := Fork(context.Background(), origin, cache.NewNonPersistentCache(), ForkOptions{
		RuntimeFactory: func(context.Context, []byte, uint64, runtime.ExecutorConfig) (Executor, error) {
			return testutils.NewToyRuntime(), nil
		},
	})
	assert.ErrorIs(t, err, ErrRuntimeCodeNotFound)
}

func TestParachainDetection(t *testing.T) {
	registry := testutils.ToyMetadata().WithPallet("ParachainSystem", metadata.StaticPallet{Index: 1})
	tc := newTestChain(t, registry, map[string][]byte{string(inherent.ParaIDKey): binary.LittleEndian.AppendUint32(nil, 2000)})

	assert.Equal(t, ChainType{IsParachain: true, ParaID: 2000}, tc.ChainType())
	assert.Equal(t, "Parachain", tc.ChainType().String())
	providers := tc.Providers()
	require.Len(t, providers, 2)
	assert.Equal(t, inherent.ParachainIdentifier, providers[0].Identifier())
	assert.EqualValues(t, 2000, providers[0].(*inherent.Parachain).ParaID())
	assert.Equal(t, inherent.TimestampIdentifier, providers[1].Identifier())
}

// TestBuildEmptyBlocks checks that every empty block advances the timestamp by one slot and leaves earlier blocks
// untouched.
func TestBuildEmptyBlocks(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)
	fork := tc.Head()

	var events []NewBlockEvent
	tc.Events.NewBlock.Subscribe(func(event NewBlockEvent) error {
		events = append(events, event)
		return nil
	})

	parent := fork
	for i := uint64(1); i <= 3; i++ {
		child, err := tc.BuildEmptyBlock(ctx)
		require.NoError(t, err)
		assert.Equal(t, parent.Number+1, child.Number)
		assert.Equal(t, parent.Hash, child.ParentHash)
		assert.Same(t, child, tc.Head())
		assert.Len(t, child.Extrinsics, 1)

		now, found, err := tc.Storage(ctx, inherent.TimestampNowKey)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, startTimestamp+i*inherent.DefaultRelaySlotDuration, binary.LittleEndian.Uint64(now))
		parent = child
	}

	now, _, err := tc.StorageAt(ctx, fork.Number, inherent.TimestampNowKey)
	require.NoError(t, err)
	assert.Equal(t, startTimestamp, binary.LittleEndian.Uint64(now))

	require.Len(t, events, 3)
	assert.Same(t, tc.Head(), events[2].Block)
	assert.Contains(t, events[0].ModifiedKeys, inherent.TimestampNowKey)

	_, _, err = tc.StorageAt(ctx, parent.Number+1, inherent.TimestampNowKey)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

// TestBuildBlockTransfer checks that a transfer debits the sender by the amount and the fee and credits the receiver,
// and that rejected extrinsics are reported.
func TestBuildBlockTransfer(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)
	fork := tc.Head()

	transfer := testutils.ToyTransfer(types.Alice, types.Bob, 500)
	unpaid := testutils.ToyTransfer(types.Bob, types.Alice, 10)
	zero := testutils.ToyTransfer(types.Alice, types.Bob, 0)
	result, err := tc.BuildBlock(ctx, [][]byte{transfer, unpaid, zero})
	require.NoError(t, err)

	assert.Equal(t, [][]byte{transfer}, result.Included)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, unpaid, result.Failed[0].Extrinsic)
	assert.False(t, result.Failed[0].Included)
	assert.Equal(t, builder.Excluded, result.Failed[0].Outcome.Kind)
	assert.Equal(t, zero, result.Failed[1].Extrinsic)
	assert.True(t, result.Failed[1].Included)
	assert.Contains(t, result.Failed[1].Reason, "InsufficientBalance")

	// Timestamp, the transfer and the failed dispatch.
	assert.Len(t, result.Block.Extrinsics, 3)

	head := result.Block.Number
	assert.Equal(t, uint256.NewInt(1_000_000-500-2*testutils.ToyFee), tc.balance(t, head, types.Alice))
	assert.Equal(t, uint256.NewInt(500), tc.balance(t, head, types.Bob))
	assert.Equal(t, uint256.NewInt(1_000_000), tc.balance(t, fork.Number, types.Alice))
	assert.True(t, tc.balance(t, fork.Number, types.Bob).IsZero())
}

func TestBlockQueries(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)
	fork := tc.Head()
	first, err := tc.BuildEmptyBlock(ctx)
	require.NoError(t, err)
	second, err := tc.BuildEmptyBlock(ctx)
	require.NoError(t, err)

	hash, err := tc.BlockHashAt(ctx, first.Number)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, hash)

	b, err := tc.BlockByNumber(ctx, second.Number)
	require.NoError(t, err)
	assert.Same(t, second, b)

	number, err := tc.BlockNumberByHash(ctx, first.Hash)
	require.NoError(t, err)
	assert.Equal(t, first.Number, number)

	// Blocks before the fork point come from the origin and share the fork runtime.
	originHash, found, err := tc.origin.BlockHash(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	b, err = tc.BlockByHash(ctx, originHash)
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.Number)
	assert.Equal(t, originHash, b.Hash)
	assert.Same(t, fork.Runtime, b.Runtime)

	hash, err = tc.BlockHashAt(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, originHash, hash)

	number, err = tc.BlockNumberByHash(ctx, originHash)
	require.NoError(t, err)
	assert.EqualValues(t, 1, number)

	_, err = tc.BlockHashAt(ctx, second.Number+1)
	assert.ErrorIs(t, err, ErrBlockNotFound)
	_, err = tc.BlockByHash(ctx, types.Blake2_256([]byte("unknown")))
	assert.ErrorIs(t, err, ErrBlockNotFound)
	_, err = tc.BlockNumberByHash(ctx, types.Blake2_256([]byte("unknown")))
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestCallAt(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)
	tc.exec.Handle("Test_now", func(ctx context.Context, _ []byte, storage runtime.Storage) (*runtime.CallResult, error) {
		now, _, err := storage.Get(ctx, inherent.TimestampNowKey)
		return &runtime.CallResult{Output: now, StorageDiff: []cache.StorageChange{{Key: inherent.TimestampNowKey, Deleted: true}}}, err
	})
	fork := tc.Head()
	_, err := tc.BuildEmptyBlock(ctx)
	require.NoError(t, err)

	out, err := tc.Call(ctx, "Core_version", nil)
	require.NoError(t, err)
	version, err := types.DecodeRuntimeVersion(out)
	require.NoError(t, err)
	assert.Equal(t, "test-runtime", version.SpecName)

	out, err = tc.Call(ctx, "Test_now", nil)
	require.NoError(t, err)
	assert.Equal(t, startTimestamp+inherent.DefaultRelaySlotDuration, binary.LittleEndian.Uint64(out))

	out, err = tc.CallAt(ctx, fork.Hash, "Test_now", nil)
	require.NoError(t, err)
	assert.Equal(t, startTimestamp, binary.LittleEndian.Uint64(out))

	// Writes of calls are discarded.
	_, found, err := tc.Storage(ctx, inherent.TimestampNowKey)
	require.NoError(t, err)
	assert.True(t, found)

	_, err = tc.Call(ctx, "Missing_method", nil)
	var execErr *runtime.ExecutorError
	assert.ErrorAs(t, err, &execErr)
}

func TestStorageKeysPaged(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)
	fork := tc.Head()
	head, err := tc.SetStorage(ctx, []cache.StorageChange{
		{Key: key("b"), Value: []byte{2}},
		{Key: key("c"), Deleted: true},
	})
	require.NoError(t, err)

	keys, err := tc.StorageKeysPaged(ctx, head.Number, testPrefix, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{key("a"), key("b")}, keys)

	keys, err = tc.StorageKeysPaged(ctx, fork.Number, testPrefix, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{key("a"), key("c")}, keys)

	keys, err = tc.StorageKeysPaged(ctx, head.Number, testPrefix, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{key("a")}, keys)

	keys, err = tc.StorageKeysPaged(ctx, head.Number, testPrefix, 10, key("a"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{key("b")}, keys)
}

func TestValidateExtrinsic(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)

	valid, err := tc.ValidateExtrinsic(ctx, testutils.ToyTransfer(types.Alice, types.Bob, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 1, valid.Priority)
	assert.Equal(t, [][]byte{types.Alice}, valid.Provides)

	_, err = tc.ValidateExtrinsic(ctx, testutils.ToyTransfer(types.Bob, types.Alice, 1))
	var validityErr *builder.TransactionValidityError
	require.ErrorAs(t, err, &validityErr)
	assert.Equal(t, builder.Invalid, validityErr.Kind)
	assert.Equal(t, "Payment", validityErr.Reason)

	tc.exec.Returns(validateTransactionMethod, []byte{9})
	_, err = tc.ValidateExtrinsic(ctx, testutils.ToyTransfer(types.Alice, types.Bob, 1))
	require.ErrorAs(t, err, &validityErr)
	assert.Equal(t, builder.Unknown, validityErr.Kind)
	assert.Equal(t, "CannotLookup", validityErr.Reason)
}

// TestSetStorageUpgradesRuntime checks that writing :code creates a new executor and announces the upgrade.
func TestSetStorageUpgradesRuntime(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)
	fork := tc.Head()

	var upgrades []RuntimeUpgradedEvent
	tc.Events.RuntimeUpgraded.Subscribe(func(event RuntimeUpgradedEvent) error {
		upgrades = append(upgrades, event)
		return nil
	})

	upgraded, err := tc.SetStorage(ctx, []cache.StorageChange{{Key: types.CodeKey, Value: []byte("toy runtime v2")}})
	require.NoError(t, err)
	assert.Empty(t, upgraded.Extrinsics)
	assert.NotEqual(t, fork.Header.StateRoot, upgraded.Header.StateRoot)
	assert.Equal(t, []byte("toy runtime v2"), upgraded.Runtime.Code)
	assert.NotSame(t, fork.Runtime, upgraded.Runtime)
	assert.Equal(t, 2, tc.created)
	require.Len(t, upgrades, 1)
	assert.Same(t, fork.Runtime, upgrades[0].Previous)

	// Blocks built afterwards keep the new runtime.
	child, err := tc.BuildEmptyBlock(ctx)
	require.NoError(t, err)
	assert.Same(t, upgraded.Runtime, child.Runtime)
	assert.Equal(t, 2, tc.created)

	// Plain writes do not.
	plain, err := tc.SetStorage(ctx, []cache.StorageChange{{Key: key("z"), Value: []byte{0}}})
	require.NoError(t, err)
	assert.Same(t, upgraded.Runtime, plain.Runtime)
	assert.Len(t, upgrades, 1)
}

func TestFundDevAccounts(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, testutils.ToyMetadata().WithPallet("Sudo", metadata.StaticPallet{Index: 9}), nil)

	funded, err := tc.FundDevAccounts(ctx, types.DevBalance)
	require.NoError(t, err)
	for _, account := range types.SubstrateDevAccounts {
		assert.Equal(t, types.DevBalance, tc.balance(t, funded.Number, account.ID), account.Name)
	}
	sudo, found, err := tc.Storage(ctx, types.SudoKeyStorageKey())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.Alice, sudo)

	// Ethereum accounts are only funded on chains that know them.
	_, found, err = tc.Storage(ctx, types.AccountStorageKey(types.Alith))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDevAccountChangesOnEvmChain(t *testing.T) {
	tc := newTestChain(t, testutils.ToyMetadata().WithPallet("EVM", metadata.StaticPallet{Index: 50}), nil)
	changes, err := tc.DevAccountChanges(context.Background(), uint256.NewInt(7))
	require.NoError(t, err)
	require.Len(t, changes, len(types.EthereumDevAccounts))
	assert.Equal(t, types.AccountStorageKey(types.Alith), changes[0].Key)
}

// TestConcurrentBuilds checks that concurrent builds are serialized into a single chain.
func TestConcurrentBuilds(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)
	fork := tc.Head()

	const builds = 4
	var wg sync.WaitGroup
	blocks := make([]*block.Block, builds)
	errs := make([]error, builds)
	for i := 0; i < builds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blocks[i], errs[i] = tc.BuildEmptyBlock(ctx)
		}(i)
	}
	wg.Wait()

	numbers := make(map[uint32]bool)
	for i := 0; i < builds; i++ {
		require.NoError(t, errs[i])
		numbers[blocks[i].Number] = true
	}
	assert.Len(t, numbers, builds)
	assert.Equal(t, fork.Number+builds, tc.Head().Number)
}

func TestBuildErrorMapping(t *testing.T) {
	err := buildError(builder.ErrStaleParent)
	assert.ErrorIs(t, err, ErrConcurrentBlockBuild)
	assert.ErrorIs(t, err, builder.ErrStaleParent)
	assert.Equal(t, builder.ErrNotInitialized, buildError(builder.ErrNotInitialized))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	tc := newTestChain(t, nil, nil)
	require.NoError(t, tc.Close(ctx))
	require.NoError(t, tc.Close(ctx))
	_, err := tc.BuildEmptyBlock(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
