package chain

import (
	"context"

	"github.com/holiman/uint256"

	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/chain/builder"
	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/trie"
	"github.com/crytic/subfork/chain/types"
)

// SetStorage writes storage directly and commits the writes as a new block without running the runtime. The block
// has no extrinsics and its state root only identifies the change. Writing :code upgrades the runtime like a block
// built by the runtime would.
func (c *Blockchain) SetStorage(ctx context.Context, changes []cache.StorageChange) (*block.Block, error) {
	c.buildLock.Lock()
	defer c.buildLock.Unlock()

	parent := c.Head()
	if c.storage.CommittedHash() != parent.Hash {
		return nil, ErrConcurrentBlockBuild
	}
	c.storage.SetBatch(changes)

	header := builder.CreateNextHeader(parent, nil)
	header.StateRoot = pseudoStateRoot(parent.Header.StateRoot, c.storage.Diff())
	version := trie.V0
	if parent.Runtime.Version != nil && parent.Runtime.Version.StateVersion == 1 {
		version = trie.V1
	}
	var err error
	if header.ExtrinsicsRoot, err = trie.OrderedRoot(version, nil); err != nil {
		c.storage.Discard()
		return nil, err
	}
	if err := c.storage.Commit(ctx, header.Hash()); err != nil {
		c.storage.Discard()
		return nil, err
	}
	c.logger.Info("set ", len(changes), " storage values in block ", header.Number)
	return c.adopt(ctx, parent, block.New(header, nil, c.storage, parent.Runtime))
}

// pseudoStateRoot derives a state root from the parent root and a diff. It is not a trie root: it only makes blocks
// with different state have different headers.
func pseudoStateRoot(parent types.Hash, diff []cache.StorageChange) types.Hash {
	data := append([]byte{}, parent[:]...)
	for _, change := range diff {
		data = append(data, types.EncodeBytes(change.Key)...)
		data = append(data, types.EncodeOptionBytes(change.Value, !change.Deleted)...)
	}
	return types.Blake2_256(data)
}

// DevAccountChanges returns the storage writes that give every development account the given free balance. Accounts
// that exist keep their nonce and other balances. Ethereum accounts are funded under their 20-byte id on chains with
// an EVM pallet, and under their fallback 32-byte id on chains with pallet-revive. When the chain has a Sudo pallet,
// Alice (Alith on EVM chains) becomes the sudo key.
func (c *Blockchain) DevAccountChanges(ctx context.Context, balance *uint256.Int) ([]cache.StorageChange, error) {
	registry := c.Head().Runtime.Metadata
	hasPallet := func(name string) bool { return registry != nil && registry.HasPallet(name) }
	evm := hasPallet("EVM") || hasPallet("Ethereum")

	var accounts [][]byte
	if !evm {
		for _, account := range types.SubstrateDevAccounts {
			accounts = append(accounts, account.ID)
		}
	}
	for _, account := range types.EthereumDevAccounts {
		switch {
		case evm:
			accounts = append(accounts, account.ID)
		case hasPallet("Revive"):
			accounts = append(accounts, types.EthereumFallbackAccountID(account.ID))
		}
	}

	changes := make([]cache.StorageChange, 0, len(accounts)+1)
	for _, account := range accounts {
		key := types.AccountStorageKey(account)
		existing, found, err := c.Storage(ctx, key)
		if err != nil {
			return nil, err
		}
		info := types.BuildAccountInfo(balance)
		if found {
			if info, err = types.PatchFreeBalance(existing, balance); err != nil {
				return nil, err
			}
		}
		changes = append(changes, cache.StorageChange{Key: key, Value: info})
	}

	if hasPallet("Sudo") {
		sudo := types.Alice
		if evm {
			sudo = types.Alith
		}
		changes = append(changes, cache.StorageChange{Key: types.SudoKeyStorageKey(), Value: sudo})
	}
	return changes, nil
}

// FundDevAccounts gives every development account the given free balance in a new block.
func (c *Blockchain) FundDevAccounts(ctx context.Context, balance *uint256.Int) (*block.Block, error) {
	changes, err := c.DevAccountChanges(ctx, balance)
	if err != nil {
		return nil, err
	}
	return c.SetStorage(ctx, changes)
}

// StorageDiff returns the storage changes made by a block built on the fork, sorted by key. Blocks of the origin chain,
// the fork block included, have none.
func (c *Blockchain) StorageDiff(ctx context.Context, hash types.Hash) ([]cache.StorageChange, error) {
	blk, err := c.BlockByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if blk.Number <= c.forkBlock.Number {
		return []cache.StorageChange{}, nil
	}
	return c.storage.CommittedDiff(hash)
}
