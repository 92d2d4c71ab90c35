package chain

import (
	"errors"
)

var (
	// ErrRuntimeCodeNotFound is returned when a block has no :code in storage.
	ErrRuntimeCodeNotFound = errors.New("runtime code not found in storage")

	// ErrConcurrentBlockBuild is returned when the head moved while a block was being built on top of it.
	ErrConcurrentBlockBuild = errors.New("head changed while the block was being built")

	// ErrBlockNotFound is returned by queries for blocks that neither the fork nor the origin chain know.
	ErrBlockNotFound = errors.New("block not found")

	// ErrClosed is returned by operations on a closed Blockchain.
	ErrClosed = errors.New("blockchain is closed")
)
