package builder

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when a phase needs Initialize to have run first.
	ErrNotInitialized = errors.New("block builder is not initialized")

	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("block builder is already initialized")

	// ErrInherentsNotApplied is returned when extrinsics are applied or the block is finalized before the inherents.
	ErrInherentsNotApplied = errors.New("inherents have not been applied")

	// ErrInherentsAlreadyApplied is returned by a second call to ApplyInherents.
	ErrInherentsAlreadyApplied = errors.New("inherents have already been applied")

	// ErrAlreadyFinalized is returned by any phase once the block was finalized or abandoned.
	ErrAlreadyFinalized = errors.New("block builder is already finalized")

	// ErrStaleParent is returned when the parent is no longer the committed head of its storage layer.
	ErrStaleParent = errors.New("parent block is not the head of the chain")
)

// InherentProviderError is returned when an inherent provider fails or one of its inherents is rejected.
type InherentProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *InherentProviderError) Error() string {
	return fmt.Sprintf("inherent provider %s failed: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *InherentProviderError) Unwrap() error {
	return e.Err
}

// ValidityKind tells whether a transaction is invalid for good or may become valid later.
type ValidityKind int

const (
	// Invalid transactions will never be valid, e.g. a bad signature or a stale nonce.
	Invalid ValidityKind = iota
	// Unknown transactions could not be validated yet, e.g. a future nonce.
	Unknown
)

// String returns the kind name.
func (k ValidityKind) String() string {
	if k == Unknown {
		return "unknown"
	}
	return "invalid"
}

// TransactionValidityError is the reason the runtime refused a transaction.
type TransactionValidityError struct {
	Kind ValidityKind

	// Reason is the variant name, e.g. "Payment", "Future" or "Custom".
	Reason string

	// Custom is the code of a Custom reason.
	Custom uint8
}

// Error implements the error interface.
func (e *TransactionValidityError) Error() string {
	if e.Reason == "Custom" {
		return fmt.Sprintf("%s transaction: custom error %d", e.Kind, e.Custom)
	}
	return fmt.Sprintf("%s transaction: %s", e.Kind, e.Reason)
}
