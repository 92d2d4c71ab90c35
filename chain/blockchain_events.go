package chain

import (
	"github.com/crytic/subfork/chain/block"
	"github.com/crytic/subfork/events"
)

// BlockchainEvents defines the event emitters of a Blockchain.
type BlockchainEvents struct {
	// NewBlock emits a NewBlockEvent after a block became the head.
	NewBlock events.EventEmitter[NewBlockEvent]

	// RuntimeUpgraded emits a RuntimeUpgradedEvent after a block changed :code.
	RuntimeUpgraded events.EventEmitter[RuntimeUpgradedEvent]
}

// NewBlockEvent describes a block built on the fork. It is published once the block is the head.
type NewBlockEvent struct {
	Chain *Blockchain
	Block *block.Block

	// ModifiedKeys lists the storage keys the block wrote, sorted.
	ModifiedKeys [][]byte
}

// RuntimeUpgradedEvent describes a block that replaced the runtime.
type RuntimeUpgradedEvent struct {
	Chain *Blockchain
	Block *block.Block

	// Previous is the runtime of the parent block.
	Previous *block.Runtime
}
