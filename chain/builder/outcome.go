package builder

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"

	"github.com/crytic/subfork/chain/metadata"
	"github.com/crytic/subfork/chain/types"
)

var (
	invalidTransactionReasons = []string{
		"Call", "Payment", "Future", "Stale", "BadProof", "AncientBirthBlock", "ExhaustsResources", "Custom",
		"BadMandatory", "MandatoryValidation", "BadSigner", "IndeterminateImplicit", "UnknownOrigin",
	}
	unknownTransactionReasons = []string{"CannotLookup", "NoUnsignedValidator", "Custom"}

	dispatchErrorKinds = []string{
		"Other", "CannotLookup", "BadOrigin", "Module", "ConsumerRemaining", "NoProviders", "TooManyConsumers",
		"Token", "Arithmetic", "Transactional", "Exhausted", "Corruption", "Unavailable", "RootNotAllowed", "Trie",
	}

	errShortOutput = errors.New("runtime output is truncated")
)

// OutcomeKind is the result of applying an extrinsic.
type OutcomeKind int

const (
	// Success means the extrinsic was included and its call succeeded.
	Success OutcomeKind = iota
	// DispatchFailed means the extrinsic was included but its call failed. Fees were still paid.
	DispatchFailed
	// Excluded means the runtime refused the extrinsic, which is not part of the block.
	Excluded
)

// ApplyOutcome describes what happened to an extrinsic given to ApplyExtrinsic.
type ApplyOutcome struct {
	Kind OutcomeKind

	// DispatchError is set when Kind is DispatchFailed.
	DispatchError *DispatchError

	// Invalid is set when Kind is Excluded.
	Invalid *TransactionValidityError

	// StorageChanges is the number of storage writes of an included extrinsic.
	StorageChanges int
}

// Included reports whether the extrinsic is part of the block.
func (o *ApplyOutcome) Included() bool {
	return o.Kind != Excluded
}

// DispatchError is the error returned by a failed call.
type DispatchError struct {
	// Kind is the variant name, e.g. "Module" or "BadOrigin".
	Kind string

	// PalletIndex and ErrorIndex identify a Module error.
	PalletIndex uint8
	ErrorIndex  uint8

	// Pallet and Name are resolved from the metadata for Module errors, when possible.
	Pallet string
	Name   string

	// Detail is the variant index of the nested error of Token, Arithmetic, Transactional and Trie errors.
	Detail uint8
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Kind == "Module" {
		if e.Pallet != "" {
			return fmt.Sprintf("dispatch error: %s.%s", e.Pallet, e.Name)
		}
		return fmt.Sprintf("dispatch error: module %d error %d", e.PalletIndex, e.ErrorIndex)
	}
	return "dispatch error: " + e.Kind
}

func readByte(dec *scale.Decoder) (byte, error) {
	b, err := dec.ReadOneByte()
	if err != nil {
		return 0, errShortOutput
	}
	return b, nil
}

// decodeDispatchError reads a DispatchError, resolving module errors with the registry when it is not nil.
func decodeDispatchError(dec *scale.Decoder, registry metadata.Registry) (*DispatchError, error) {
	variant, err := readByte(dec)
	if err != nil {
		return nil, err
	}
	if int(variant) >= len(dispatchErrorKinds) {
		return nil, fmt.Errorf("unknown dispatch error variant %d", variant)
	}
	e := &DispatchError{Kind: dispatchErrorKinds[variant]}
	switch e.Kind {
	case "Module":
		var raw [5]byte
		if err := dec.Read(raw[:]); err != nil {
			return nil, errShortOutput
		}
		e.PalletIndex, e.ErrorIndex = raw[0], raw[1]
		if registry != nil {
			if pallet, name, ok := registry.ModuleError(e.PalletIndex, e.ErrorIndex); ok {
				e.Pallet, e.Name = pallet, name
			}
		}
	case "Token", "Arithmetic", "Transactional", "Trie":
		if e.Detail, err = readByte(dec); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// decodeValidityError reads a TransactionValidityError.
func decodeValidityError(dec *scale.Decoder) (*TransactionValidityError, error) {
	kind, err := readByte(dec)
	if err != nil {
		return nil, err
	}
	reasons := invalidTransactionReasons
	e := &TransactionValidityError{Kind: Invalid}
	switch kind {
	case 0:
	case 1:
		e.Kind, reasons = Unknown, unknownTransactionReasons
	default:
		return nil, fmt.Errorf("unknown transaction validity error variant %d", kind)
	}
	variant, err := readByte(dec)
	if err != nil {
		return nil, err
	}
	if int(variant) >= len(reasons) {
		return nil, fmt.Errorf("unknown %s transaction variant %d", e.Kind, variant)
	}
	e.Reason = reasons[variant]
	if e.Reason == "Custom" {
		if e.Custom, err = readByte(dec); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// DecodeApplyResult decodes the output of BlockBuilder_apply_extrinsic, a
// Result<Result<(), DispatchError>, TransactionValidityError>.
func DecodeApplyResult(output []byte, registry metadata.Registry) (*ApplyOutcome, error) {
	dec := types.NewDecoder(output)
	outer, err := readByte(dec)
	if err != nil {
		return nil, err
	}
	switch outer {
	case 0:
		inner, err := readByte(dec)
		if err != nil {
			return nil, err
		}
		if inner == 0 {
			return &ApplyOutcome{Kind: Success}, nil
		}
		dispatchErr, err := decodeDispatchError(dec, registry)
		if err != nil {
			return nil, err
		}
		return &ApplyOutcome{Kind: DispatchFailed, DispatchError: dispatchErr}, nil
	case 1:
		validityErr, err := decodeValidityError(dec)
		if err != nil {
			return nil, err
		}
		return &ApplyOutcome{Kind: Excluded, Invalid: validityErr}, nil
	}
	return nil, fmt.Errorf("unknown apply extrinsic result variant %d", outer)
}

// ValidTransaction is the outcome of a successful TaggedTransactionQueue_validate_transaction call.
type ValidTransaction struct {
	Priority  uint64
	Requires  [][]byte
	Provides  [][]byte
	Longevity uint64
	Propagate bool
}

// DecodeTransactionValidity decodes a Result<ValidTransaction, TransactionValidityError>. A refused transaction is
// returned as a *TransactionValidityError.
func DecodeTransactionValidity(output []byte) (*ValidTransaction, error) {
	dec := types.NewDecoder(output)
	variant, err := readByte(dec)
	if err != nil {
		return nil, err
	}
	if variant == 1 {
		validityErr, err := decodeValidityError(dec)
		if err != nil {
			return nil, err
		}
		return nil, validityErr
	}
	if variant != 0 {
		return nil, fmt.Errorf("unknown transaction validity variant %d", variant)
	}

	var v ValidTransaction
	var u64 [8]byte
	if err := dec.Read(u64[:]); err != nil {
		return nil, errShortOutput
	}
	v.Priority = binary.LittleEndian.Uint64(u64[:])
	if v.Requires, err = types.DecodeBytesVec(dec); err != nil {
		return nil, err
	}
	if v.Provides, err = types.DecodeBytesVec(dec); err != nil {
		return nil, err
	}
	if err := dec.Read(u64[:]); err != nil {
		return nil, errShortOutput
	}
	v.Longevity = binary.LittleEndian.Uint64(u64[:])
	propagate, err := readByte(dec)
	if err != nil {
		return nil, err
	}
	v.Propagate = propagate == 1
	return &v, nil
}
