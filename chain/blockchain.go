// Package chain drives a fork of a Substrate chain: it creates the fork block from an origin chain, builds blocks on
// top of it and answers queries about every block it knows.
package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crytic/medusa-geth/common/hexutil"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/builder"
	"github.com/crytic/subfork/chain/inherent"
	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/state"
	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging"
)

const (
	metadataMethod            = "Metadata_metadata"
	validateTransactionMethod = "TaggedTransactionQueue_validate_transaction"

	// externalSource is the TransactionSource of transactions submitted from outside the node.
	externalSource = 0x02
)

// Blockchain is a local fork of an origin chain. Blocks built on it live in memory and reference their parent by hash.
// Reads of blocks at or before the fork point are served by the origin chain through the storage cache.
//
// A Blockchain is safe for concurrent use. Block production is serialized.
type Blockchain struct {
	origin  OriginClient
	remote  *state.RemoteStorageLayer
	storage *state.LocalStorageLayer
	options ForkOptions
	factory RuntimeFactory

	// lock guards the block arena and the head.
	lock      sync.RWMutex
	blocks    map[types.Hash]*block.Block
	byNumber  map[uint32]types.Hash
	head      *block.Block
	forkBlock *block.Block

	// execLock guards the executors and the runtimes of origin blocks.
	execLock       sync.Mutex
	executors      map[*block.Runtime]Executor
	originRuntimes map[types.Hash]*block.Runtime
	closed         bool

	// buildLock serializes every writer of the pending diff.
	buildLock sync.Mutex

	chainName   string
	systemChain string
	chainType   ChainType
	providers   []inherent.Provider

	propertiesLock sync.Mutex
	properties     map[string]any

	// stopPrefetch cancels the background prefetch, and prefetchDone is closed once it returned.
	stopPrefetch context.CancelFunc
	prefetchDone chan struct{}

	// Events defines the event system for the Blockchain.
	Events BlockchainEvents

	logger *logging.Logger
}

// BuildBlockResult describes a block built from user extrinsics.
type BuildBlockResult struct {
	// Block is the new head.
	Block *block.Block

	// Included lists the user extrinsics that were applied successfully.
	Included [][]byte

	// Failed lists the user extrinsics that failed, whether they made it into the block or not.
	Failed []FailedExtrinsic
}

// FailedExtrinsic is a user extrinsic that did not apply successfully.
type FailedExtrinsic struct {
	Extrinsic []byte

	// Reason describes the failure.
	Reason string

	// Included is set when the extrinsic is part of the block anyway, which is the case of dispatch failures.
	Included bool

	// Outcome is the decoded result of the runtime, nil when the runtime call itself failed.
	Outcome *builder.ApplyOutcome
}

// Fork creates a Blockchain whose head is a block of the origin chain. The cache holds everything read from the
// origin and may be shared with earlier forks of the same block.
func Fork(ctx context.Context, origin OriginClient, storageCache cache.StorageCache, options ForkOptions) (*Blockchain, error) {
	c := &Blockchain{
		origin:         origin,
		options:        options,
		factory:        options.RuntimeFactory,
		blocks:         make(map[types.Hash]*block.Block),
		byNumber:       make(map[uint32]types.Hash),
		executors:      make(map[*block.Runtime]Executor),
		originRuntimes: make(map[types.Hash]*block.Runtime),
		logger:         logging.GlobalLogger.NewSubLogger("module", logging.CHAIN_SERVICE),
	}
	if c.factory == nil {
		c.factory = NewWasmExecutor
	}

	forkHash, err := resolveForkPoint(ctx, origin, options.At)
	if err != nil {
		return nil, err
	}
	header, err := origin.Header(ctx, forkHash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch the header of fork block %s: %w", forkHash, err)
	}
	if header == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, forkHash)
	}

	remote := state.NewRemoteStorageLayer(origin, storageCache, forkHash, header.Number)
	c.remote = remote
	c.storage = state.NewLocalStorageLayer(remote)
	body, err := remote.BlockBody(ctx, forkHash)
	if err != nil {
		return nil, err
	}

	rt, exec, err := c.loadRuntime(ctx, header.Number, forkHash, nil)
	if err != nil {
		return nil, err
	}
	forkBlock := block.New(header, body, c.storage, rt)
	if forkBlock.Hash != forkHash {
		c.logger.Warn("re-encoded header of fork block ", forkHash, " hashes to ", forkBlock.Hash)
		forkBlock.Hash = forkHash
	}
	c.forkBlock = forkBlock
	c.head = forkBlock
	c.blocks[forkHash] = forkBlock
	c.byNumber[forkBlock.Number] = forkHash

	c.chainType = detectChainType(ctx, forkBlock)
	c.chainName = rt.Version.SpecName
	if c.systemChain, err = origin.SystemChain(ctx); err != nil {
		c.logger.Debug("system_chain is unavailable, using the runtime spec name: ", err)
		c.systemChain = c.chainName
	}

	c.providers = options.Providers
	if c.providers == nil {
		config := options.Inherents
		if config.ParaID == 0 {
			config.ParaID = c.chainType.ParaID
		}
		c.providers = inherent.DefaultProviders(c.chainType.IsParachain, config)
	}
	for _, provider := range c.providers {
		provider.Warmup(ctx, forkBlock, exec)
	}

	c.logger.Info("forked ", c.chainName, " (", c.chainType, ") at block ", forkBlock.Number, " (", forkHash, ")")

	prefetchCtx, stop := context.WithCancel(ctx)
	c.stopPrefetch = stop
	c.prefetchDone = make(chan struct{})
	go func() {
		defer close(c.prefetchDone)
		_, _ = c.Prefetch(prefetchCtx, options.Prefetch)
	}()
	return c, nil
}

// Prefetch loads every key under each prefix at the fork block into the storage cache. A prefix that fails is logged
// and skipped. It returns the number of keys fetched, stopping early only when ctx is done.
func (c *Blockchain) Prefetch(ctx context.Context, prefixes [][]byte) (int, error) {
	total := 0
	for _, prefix := range prefixes {
		start := time.Now()
		count, err := c.remote.PrefetchPrefix(ctx, prefix, state.DefaultPrefetchPageSize)
		total += count
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.logger.Debug("prefetch stopped after ", total, " keys")
			return total, ctxErr
		}
		if err != nil {
			c.logger.Warn("Failed to prefetch storage prefix "+hexutil.Encode(prefix), err)
			continue
		}
		c.logger.Info("prefetched ", count, " keys under ", hexutil.Encode(prefix), " in ", time.Since(start).Round(time.Millisecond))
	}
	return total, nil
}

// PrefetchDone returns a channel closed once the background prefetch started by Fork returned.
func (c *Blockchain) PrefetchDone() <-chan struct{} {
	return c.prefetchDone
}

// resolveForkPoint returns the hash of the origin block a fork starts from.
func resolveForkPoint(ctx context.Context, origin OriginClient, at ForkPoint) (types.Hash, error) {
	switch {
	case !at.Hash.IsZero():
		return at.Hash, nil
	case at.ByNumber:
		hash, found, err := origin.BlockHash(ctx, at.Number)
		if err != nil {
			return types.Hash{}, err
		}
		if !found {
			return types.Hash{}, fmt.Errorf("%w: %d", state.ErrBlockNumberNotFound, at.Number)
		}
		return hash, nil
	default:
		return origin.FinalizedHead(ctx)
	}
}

// detectChainType tells parachains apart by the ParachainSystem pallet, and reads their id.
func detectChainType(ctx context.Context, b *block.Block) ChainType {
	if b.Runtime.Metadata == nil || !b.Runtime.Metadata.HasPallet("ParachainSystem") {
		return ChainType{}
	}
	chainType := ChainType{IsParachain: true}
	value, found, err := b.Get(ctx, inherent.ParaIDKey)
	if err == nil && found && len(value) == 4 {
		chainType.ParaID = binary.LittleEndian.Uint32(value)
	}
	return chainType
}

// loadRuntime reads the runtime stored at block number and creates its executor. The metadata comes from the
// runtime itself; when that fails the metadata of previous is kept, or the origin is asked when there is no previous
// runtime.
func (c *Blockchain) loadRuntime(ctx context.Context, number uint32, at types.Hash, previous *block.Runtime) (*block.Runtime, Executor, error) {
	code, found, err := c.storage.Get(ctx, number, types.CodeKey)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, ErrRuntimeCodeNotFound
	}
	pages, pagesFound, err := c.storage.Get(ctx, number, types.HeapPagesKey)
	if err != nil {
		return nil, nil, err
	}
	heapPages, err := runtime.HeapPagesFromStorage(pages, pagesFound)
	if err != nil {
		return nil, nil, err
	}

	exec, err := c.factory(ctx, code, heapPages, c.options.Executor)
	if err != nil {
		return nil, nil, err
	}
	version, err := exec.RuntimeVersion(ctx)
	if err != nil {
		_ = exec.Close(ctx)
		return nil, nil, err
	}
	rt := &block.Runtime{Code: code, HeapPages: heapPages, Version: version, Metadata: c.options.Metadata}
	if rt.Metadata == nil {
		if rt.Metadata, err = c.readMetadata(ctx, exec, number, at, previous); err != nil {
			_ = exec.Close(ctx)
			return nil, nil, err
		}
	}

	c.execLock.Lock()
	c.executors[rt] = exec
	c.execLock.Unlock()
	return rt, exec, nil
}

// readMetadata decodes the metadata of a runtime.
func (c *Blockchain) readMetadata(ctx context.Context, exec Executor, number uint32, at types.Hash, previous *block.Runtime) (metadata.Registry, error) {
	res, err := exec.Call(ctx, metadataMethod, nil, c.storage.View(number))
	if err == nil {
		decoded, decodeErr := metadata.Decode(res.Output)
		if decodeErr == nil {
			return decoded, nil
		}
		err = decodeErr
	}
	if previous != nil {
		c.logger.Warn("failed to read the metadata of the new runtime, keeping the previous one: ", err)
		return previous.Metadata, nil
	}

	c.logger.Debug("failed to read metadata from the runtime, asking the origin: ", err)
	raw, originErr := c.origin.Metadata(ctx, at)
	if originErr != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", errors.Join(err, originErr))
	}
	decoded, decodeErr := metadata.Decode(raw)
	if decodeErr != nil {
		return nil, decodeErr
	}
	return decoded, nil
}

// executorFor returns the executor of a runtime, creating it on first use.
func (c *Blockchain) executorFor(ctx context.Context, rt *block.Runtime) (Executor, error) {
	c.execLock.Lock()
	defer c.execLock.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if exec, ok := c.executors[rt]; ok {
		return exec, nil
	}
	exec, err := c.factory(ctx, rt.Code, rt.HeapPages, c.options.Executor)
	if err != nil {
		return nil, err
	}
	c.executors[rt] = exec
	return exec, nil
}

// Close releases every executor. The storage cache is owned by the caller of Fork and stays open.
func (c *Blockchain) Close(ctx context.Context) error {
	c.stopPrefetch()
	<-c.prefetchDone

	c.execLock.Lock()
	defer c.execLock.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for rt, exec := range c.executors {
		errs = append(errs, exec.Close(ctx))
		delete(c.executors, rt)
	}
	return errors.Join(errs...)
}

// Head returns the latest block.
func (c *Blockchain) Head() *block.Block {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.head
}

// ForkBlock returns the origin block the fork started from.
func (c *Blockchain) ForkBlock() *block.Block {
	return c.forkBlock
}

// ChainName returns the spec name of the runtime at the fork point.
func (c *Blockchain) ChainName() string {
	return c.chainName
}

// SystemChain returns the chain name reported by the origin, or the spec name when the origin did not report one.
func (c *Blockchain) SystemChain() string {
	return c.systemChain
}

// ChainType returns the type detected at the fork point.
func (c *Blockchain) ChainType() ChainType {
	return c.chainType
}

// Providers returns the inherent providers blocks are built with.
func (c *Blockchain) Providers() []inherent.Provider {
	return c.providers
}

// StorageLayer returns the storage layer shared by every block of the fork.
func (c *Blockchain) StorageLayer() *state.LocalStorageLayer {
	return c.storage
}

// Properties returns the chain properties reported by the origin (token symbol, decimals, ss58 format). They are
// fetched once and kept.
func (c *Blockchain) Properties(ctx context.Context) (map[string]any, error) {
	c.propertiesLock.Lock()
	defer c.propertiesLock.Unlock()
	if c.properties != nil {
		return c.properties, nil
	}
	properties, err := c.origin.SystemProperties(ctx)
	if err != nil {
		return nil, err
	}
	if properties == nil {
		properties = map[string]any{}
	}
	c.properties = properties
	return properties, nil
}

// BuildBlock builds a block on top of the head with the inherents and the given extrinsics, and makes it the head.
// Extrinsics the runtime rejects are reported in the result rather than failing the build.
func (c *Blockchain) BuildBlock(ctx context.Context, extrinsics [][]byte) (*BuildBlockResult, error) {
	c.buildLock.Lock()
	defer c.buildLock.Unlock()

	parent := c.Head()
	exec, err := c.executorFor(ctx, parent.Runtime)
	if err != nil {
		return nil, err
	}
	header := builder.CreateNextHeader(parent, c.slotDigests(ctx, parent, exec))

	pending := builder.New(parent, exec, header, c.providers)
	initialized, err := pending.Initialize(ctx)
	if err != nil {
		pending.Abort()
		return nil, buildError(err)
	}
	ready, err := initialized.ApplyInherents(ctx)
	if err != nil {
		initialized.Abort()
		return nil, buildError(err)
	}

	result := &BuildBlockResult{}
	for _, ext := range extrinsics {
		outcome, err := ready.ApplyExtrinsic(ctx, ext)
		switch {
		case err != nil:
			c.logger.Debug("failed to apply extrinsic: ", err)
			result.Failed = append(result.Failed, FailedExtrinsic{Extrinsic: ext, Reason: err.Error()})
		case outcome.Kind == builder.Success:
			result.Included = append(result.Included, ext)
		case outcome.Kind == builder.DispatchFailed:
			result.Failed = append(result.Failed, FailedExtrinsic{Extrinsic: ext, Reason: outcome.DispatchError.Error(), Included: true, Outcome: outcome})
		default:
			result.Failed = append(result.Failed, FailedExtrinsic{Extrinsic: ext, Reason: outcome.Invalid.Error(), Outcome: outcome})
		}
	}

	child, _, err := ready.Finalize(ctx)
	if err != nil {
		ready.Abort()
		return nil, buildError(err)
	}
	if result.Block, err = c.adopt(ctx, parent, child); err != nil {
		return nil, err
	}
	return result, nil
}

// BuildEmptyBlock builds a block holding only inherents.
func (c *Blockchain) BuildEmptyBlock(ctx context.Context) (*block.Block, error) {
	result, err := c.BuildBlock(ctx, nil)
	if err != nil {
		return nil, err
	}
	return result.Block, nil
}

func buildError(err error) error {
	if errors.Is(err, builder.ErrStaleParent) {
		return fmt.Errorf("%w: %w", ErrConcurrentBlockBuild, err)
	}
	return err
}

// slotDigests returns the pre-runtime digest of the slot the child of parent is built in, when the chain runs a
// known slot based consensus.
func (c *Blockchain) slotDigests(ctx context.Context, parent *block.Block, exec runtime.Caller) []types.DigestItem {
	if parent.Runtime.Metadata == nil {
		return nil
	}
	for _, provider := range c.providers {
		timestamp, ok := provider.(*inherent.Timestamp)
		if !ok {
			continue
		}
		now, err := timestamp.CurrentTimestamp(ctx, parent)
		if err != nil {
			c.logger.Debug("no slot digest for block ", parent.Number+1, ": ", err)
			return nil
		}
		slot := inherent.NextSlot(now, timestamp.Slots().SlotDuration(ctx, parent, exec))
		return inherent.SlotDigests(parent.Runtime.Metadata, slot)
	}
	return nil
}

// adopt makes a committed child of parent the head. A child that wrote :code gets the new runtime.
func (c *Blockchain) adopt(ctx context.Context, parent *block.Block, child *block.Block) (*block.Block, error) {
	upgraded := c.storage.HasCodeChangedAt(child.Number)
	if upgraded {
		child = block.New(child.Header, child.Extrinsics, child.Storage, c.upgradeRuntime(ctx, child, parent.Runtime))
	}

	c.lock.Lock()
	if c.head.Hash != parent.Hash {
		c.lock.Unlock()
		return nil, ErrConcurrentBlockBuild
	}
	c.blocks[child.Hash] = child
	c.byNumber[child.Number] = child.Hash
	c.head = child
	c.lock.Unlock()

	if upgraded {
		for _, provider := range c.providers {
			provider.InvalidateCache()
		}
		if err := c.Events.RuntimeUpgraded.Publish(RuntimeUpgradedEvent{Chain: c, Block: child, Previous: parent.Runtime}); err != nil {
			c.logger.Warn("runtime upgrade event handler failed: ", err)
		}
	}
	event := NewBlockEvent{Chain: c, Block: child, ModifiedKeys: c.storage.ModifiedKeys(child.Number)}
	if err := c.Events.NewBlock.Publish(event); err != nil {
		c.logger.Warn("new block event handler failed: ", err)
	}
	return child, nil
}

// upgradeRuntime loads the runtime a block wrote. The block is committed already, so a runtime that cannot be loaded
// is logged and its executor creation is retried by the next build.
func (c *Blockchain) upgradeRuntime(ctx context.Context, child *block.Block, previous *block.Runtime) *block.Runtime {
	rt, _, err := c.loadRuntime(ctx, child.Number, child.Hash, previous)
	if err == nil {
		c.logger.Info("runtime upgraded at block ", child.Number, " to ", rt.Version.SpecName, " v", rt.Version.SpecVersion)
		return rt
	}
	c.logger.Error("failed to load the runtime written by block ", child.Number, ": ", err)
	code, _, _ := c.storage.Get(ctx, child.Number, types.CodeKey)
	return &block.Runtime{Code: code, HeapPages: previous.HeapPages, Metadata: previous.Metadata, Version: previous.Version}
}

// BlockByHash returns a block of the fork, or an origin block at or before the fork point.
func (c *Blockchain) BlockByHash(ctx context.Context, hash types.Hash) (*block.Block, error) {
	c.lock.RLock()
	b, ok := c.blocks[hash]
	c.lock.RUnlock()
	if ok {
		return b, nil
	}

	header, err := c.originHeader(ctx, hash)
	if err != nil {
		return nil, err
	}
	body, err := c.storage.Remote().BlockBody(ctx, hash)
	if err != nil {
		return nil, err
	}
	rt, err := c.originRuntime(ctx, header.Number)
	if err != nil {
		return nil, err
	}
	b = block.New(header, body, c.storage, rt)
	b.Hash = hash
	return b, nil
}

// originHeader returns the header of an origin block that is an ancestor of the fork block.
func (c *Blockchain) originHeader(ctx context.Context, hash types.Hash) (*types.Header, error) {
	remote := c.storage.Remote()
	header, err := remote.BlockHeader(ctx, hash)
	if errors.Is(err, state.ErrBlockHashNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	if header.Number > remote.ForkNumber() {
		return nil, fmt.Errorf("%w: %s is past the fork point", ErrBlockNotFound, hash)
	}
	canonical, err := remote.BlockHashByNumber(ctx, header.Number)
	if err != nil {
		return nil, err
	}
	if canonical != hash {
		return nil, fmt.Errorf("%w: %s is not an ancestor of the fork point", ErrBlockNotFound, hash)
	}
	return header, nil
}

// originRuntime returns the runtime of the origin block at number. Runtimes are shared by code hash.
func (c *Blockchain) originRuntime(ctx context.Context, number uint32) (*block.Runtime, error) {
	code, found, err := c.storage.Get(ctx, number, types.CodeKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrRuntimeCodeNotFound
	}
	if bytes.Equal(code, c.forkBlock.Runtime.Code) {
		return c.forkBlock.Runtime, nil
	}

	codeHash := types.Blake2_256(code)
	c.execLock.Lock()
	rt, ok := c.originRuntimes[codeHash]
	c.execLock.Unlock()
	if ok {
		return rt, nil
	}
	hash, err := c.storage.Remote().BlockHashByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	rt, _, err = c.loadRuntime(ctx, number, hash, c.forkBlock.Runtime)
	if err != nil {
		return nil, err
	}
	c.execLock.Lock()
	c.originRuntimes[codeHash] = rt
	c.execLock.Unlock()
	return rt, nil
}

// BlockByNumber returns the block at number, built locally or fetched from the origin.
func (c *Blockchain) BlockByNumber(ctx context.Context, number uint32) (*block.Block, error) {
	hash, err := c.BlockHashAt(ctx, number)
	if err != nil {
		return nil, err
	}
	return c.BlockByHash(ctx, hash)
}

// BlockHashAt returns the hash of the block at number.
func (c *Blockchain) BlockHashAt(ctx context.Context, number uint32) (types.Hash, error) {
	c.lock.RLock()
	hash, ok := c.byNumber[number]
	headNumber := c.head.Number
	c.lock.RUnlock()
	if ok {
		return hash, nil
	}
	if number > headNumber {
		return types.Hash{}, fmt.Errorf("%w: number %d is past the head", ErrBlockNotFound, number)
	}
	hash, err := c.storage.Remote().BlockHashByNumber(ctx, number)
	if errors.Is(err, state.ErrBlockNumberNotFound) {
		return types.Hash{}, fmt.Errorf("%w: number %d", ErrBlockNotFound, number)
	}
	return hash, err
}

// BlockNumberByHash returns the number of a known block.
func (c *Blockchain) BlockNumberByHash(ctx context.Context, hash types.Hash) (uint32, error) {
	c.lock.RLock()
	b, ok := c.blocks[hash]
	c.lock.RUnlock()
	if ok {
		return b.Number, nil
	}
	header, err := c.originHeader(ctx, hash)
	if err != nil {
		return 0, err
	}
	return header.Number, nil
}

// Call executes a runtime entry point against the head.
func (c *Blockchain) Call(ctx context.Context, method string, args []byte) ([]byte, error) {
	return c.CallAt(ctx, c.Head().Hash, method, args)
}

// CallAt executes a runtime entry point against the state after the block with the given hash. Storage writes of the
// call are discarded.
func (c *Blockchain) CallAt(ctx context.Context, hash types.Hash, method string, args []byte) ([]byte, error) {
	b, err := c.BlockByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	res, err := c.callAt(ctx, b, method, args)
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// MetadataAt returns the opaque metadata of the runtime of the block with the given hash. Blocks that still run the
// fork runtime fall back to the origin when the runtime cannot produce it.
func (c *Blockchain) MetadataAt(ctx context.Context, hash types.Hash) ([]byte, error) {
	b, err := c.BlockByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	res, err := c.callAt(ctx, b, metadataMethod, nil)
	if err == nil {
		raw, decodeErr := types.DecodeBytes(types.NewDecoder(res.Output))
		if decodeErr == nil {
			return raw, nil
		}
		err = decodeErr
	}
	if b.Runtime != c.forkBlock.Runtime {
		return nil, err
	}
	c.logger.Debug("runtime did not return metadata, asking the origin: ", err)
	return c.origin.Metadata(ctx, c.forkBlock.Hash)
}

func (c *Blockchain) callAt(ctx context.Context, b *block.Block, method string, args []byte) (*runtime.CallResult, error) {
	exec, err := c.executorFor(ctx, b.Runtime)
	if err != nil {
		return nil, err
	}
	return exec.Call(ctx, method, args, runtime.WithStateRoot(b.View(), b.Header.StateRoot))
}

// Storage returns a storage value at the head.
func (c *Blockchain) Storage(ctx context.Context, key []byte) ([]byte, bool, error) {
	return c.StorageAt(ctx, c.Head().Number, key)
}

// StorageAt returns a storage value as seen after block number.
func (c *Blockchain) StorageAt(ctx context.Context, number uint32, key []byte) ([]byte, bool, error) {
	if head := c.Head(); number > head.Number {
		return nil, false, fmt.Errorf("%w: number %d is past the head", ErrBlockNotFound, number)
	}
	return c.storage.Get(ctx, number, key)
}

// StorageKeysPaged returns up to count existing keys under prefix that sort after startKey, as seen after block
// number. An empty startKey starts at the prefix itself.
func (c *Blockchain) StorageKeysPaged(ctx context.Context, number uint32, prefix []byte, count uint32, startKey []byte) ([][]byte, error) {
	if head := c.Head(); number > head.Number {
		return nil, fmt.Errorf("%w: number %d is past the head", ErrBlockNotFound, number)
	}
	view := c.storage.View(number)
	keys := make([][]byte, 0, count)
	cur := startKey
	if bytes.Compare(cur, prefix) < 0 {
		cur = prefix
		if _, found, err := view.Get(ctx, prefix); err != nil {
			return nil, err
		} else if found && count > 0 {
			keys = append(keys, prefix)
		}
	}
	for uint32(len(keys)) < count {
		next, err := view.NextKey(ctx, prefix, cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		keys = append(keys, next)
		cur = next
	}
	return keys, nil
}

// ValidateExtrinsic asks the runtime at the head whether an extrinsic could be included. A refusal is returned as a
// *builder.TransactionValidityError; failures to ask are reported as an unknown validity.
func (c *Blockchain) ValidateExtrinsic(ctx context.Context, ext []byte) (*builder.ValidTransaction, error) {
	head := c.Head()
	args := make([]byte, 0, 1+len(ext)+types.HashLength)
	args = append(args, externalSource)
	args = append(args, ext...)
	args = append(args, head.Hash[:]...)

	cannotLookup := &builder.TransactionValidityError{Kind: builder.Unknown, Reason: "CannotLookup"}
	res, err := c.callAt(ctx, head, validateTransactionMethod, args)
	if err != nil {
		c.logger.Debug("failed to validate extrinsic: ", err)
		return nil, cannotLookup
	}
	valid, err := builder.DecodeTransactionValidity(res.Output)
	if err != nil {
		var validityErr *builder.TransactionValidityError
		if errors.As(err, &validityErr) {
			return nil, validityErr
		}
		c.logger.Debug("failed to decode the validity of an extrinsic: ", err)
		return nil, cannotLookup
	}
	return valid, nil
}
