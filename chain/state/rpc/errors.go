package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crytic/medusa-geth/rpc"
)

// ErrorKind classifies failures talking to the origin chain.
type ErrorKind int

const (
	// ErrorKindConnectionFailed means the endpoint could not be reached.
	ErrorKindConnectionFailed ErrorKind = iota
	// ErrorKindRequestFailed means the endpoint answered with a JSON-RPC error.
	ErrorKindRequestFailed
	// ErrorKindTimeout means the request was cancelled or exceeded its deadline.
	ErrorKindTimeout
	// ErrorKindInvalidResponse means the response could not be decoded.
	ErrorKindInvalidResponse
)

// String returns the name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindConnectionFailed:
		return "connection failed"
	case ErrorKindRequestFailed:
		return "request failed"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindInvalidResponse:
		return "invalid response"
	default:
		return "unknown"
	}
}

// ClientError is returned by every operation of the origin chain client.
type ClientError struct {
	Kind     ErrorKind
	Method   string
	Endpoint string
	Err      error
}

func newClientError(kind ErrorKind, method string, endpoint string, err error) *ClientError {
	return &ClientError{Kind: kind, Method: method, Endpoint: endpoint, Err: err}
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	return fmt.Sprintf("origin rpc %s: %s on %s: %v", e.Kind, e.Method, e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the JSON-RPC error code of an upstream error, or -32603 for local failures.
func (e *ClientError) ErrorCode() int {
	var rpcErr rpc.Error
	if errors.As(e.Err, &rpcErr) {
		return rpcErr.ErrorCode()
	}
	return -32603
}

// classifyError wraps an error returned by the underlying client into a ClientError.
func classifyError(method string, endpoint string, err error) error {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return err
	}
	var rpcErr rpc.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newClientError(ErrorKindTimeout, method, endpoint, err)
	case errors.As(err, &rpcErr):
		return newClientError(ErrorKindRequestFailed, method, endpoint, err)
	case isDecodeError(err):
		return newClientError(ErrorKindInvalidResponse, method, endpoint, err)
	default:
		return newClientError(ErrorKindConnectionFailed, method, endpoint, err)
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
