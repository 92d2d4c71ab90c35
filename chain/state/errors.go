package state

import (
	"errors"
	"fmt"

	"github.com/crytic/medusa-geth/common/hexutil"
)

var (
	// ErrBlockNumberNotFound is returned when no block is known at the requested number.
	ErrBlockNumberNotFound = errors.New("block number not found")

	// ErrBlockHashNotFound is returned when no block is known with the requested hash.
	ErrBlockHashNotFound = errors.New("block hash not found")
)

// StorageError wraps a failure of the remote layer or its cache.
type StorageError struct {
	Op  string
	Key []byte
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key == nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, hexutil.Encode(e.Key), e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, key []byte, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}
