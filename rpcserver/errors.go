package rpcserver

import (
	"errors"
	"fmt"

	"github.com/crytic/subfork/chain"
	"github.com/crytic/subfork/chain/builder"
	"github.com/crytic/subfork/chain/state"
)

// JSON-RPC error codes returned by the server.
const (
	// CodeInvalidTransaction is returned for transactions the runtime refused.
	CodeInvalidTransaction = 1010
	// CodeUnknownTransaction is returned for transactions whose validity could not be determined.
	CodeUnknownTransaction = 1011
	// CodeInvalidParams is returned for malformed parameters.
	CodeInvalidParams = -32602
	// CodeInternal is returned for every other failure.
	CodeInternal = -32603
	// CodeInvalidBlock is returned for queries at blocks the fork does not know.
	CodeInvalidBlock = -32801
	// CodeOperationNotFound is returned for unknown operation ids.
	CodeOperationNotFound = -32803
)

// Error is a JSON-RPC error with a code and optional data. It implements the error interfaces the rpc server
// inspects when writing responses.
type Error struct {
	Code    int
	Message string
	Data    any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// ErrorCode returns the JSON-RPC error code.
func (e *Error) ErrorCode() int {
	return e.Code
}

// ErrorData returns the data member of the JSON-RPC error.
func (e *Error) ErrorData() any {
	return e.Data
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// toError maps an error of the fork engine to a JSON-RPC error.
func toError(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var validityErr *builder.TransactionValidityError
	if errors.As(err, &validityErr) {
		if validityErr.Kind == builder.Unknown {
			return &Error{Code: CodeUnknownTransaction, Message: "Unknown Transaction Validity", Data: validityErr.Error()}
		}
		return &Error{Code: CodeInvalidTransaction, Message: "Invalid Transaction", Data: validityErr.Error()}
	}

	if errors.Is(err, chain.ErrBlockNotFound) || errors.Is(err, state.ErrBlockNumberNotFound) || errors.Is(err, state.ErrBlockHashNotFound) {
		return &Error{Code: CodeInvalidBlock, Message: "Invalid block", Data: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
