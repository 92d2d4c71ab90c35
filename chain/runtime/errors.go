package runtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an ExecutorError.
type ErrorKind int

const (
	// PrototypeCreation means the runtime code could not be decompressed, compiled or linked.
	PrototypeCreation ErrorKind = iota
	// Start means the entry point could not be invoked (unknown export, allocation of the input failed).
	Start
	// Trap means the runtime aborted while executing.
	Trap
	// StorageFailure means a host function failed to read from the underlying storage.
	StorageFailure
	// InvalidHeapPages means the :heappages value could not be used.
	InvalidHeapPages
)

// String returns a readable name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case PrototypeCreation:
		return "prototype creation"
	case Start:
		return "start"
	case Trap:
		return "trap"
	case StorageFailure:
		return "storage"
	case InvalidHeapPages:
		return "invalid heap pages"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ExecutorError is returned by every failing executor operation.
type ExecutorError struct {
	Kind   ErrorKind
	Method string
	Err    error
}

// Error implements the error interface.
func (e *ExecutorError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("runtime %s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("runtime %s error in %s: %v", e.Kind, e.Method, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutorError) Unwrap() error {
	return e.Err
}

func executorError(kind ErrorKind, method string, err error) *ExecutorError {
	// Keep the innermost classification when a host function already produced one.
	var inner *ExecutorError
	if errors.As(err, &inner) {
		return &ExecutorError{Kind: inner.Kind, Method: method, Err: inner.Err}
	}
	return &ExecutorError{Kind: kind, Method: method, Err: err}
}

// trap is the value host functions panic with to abort execution.
type trap struct {
	kind ErrorKind
	err  error
}

func (t *trap) Error() string {
	return t.err.Error()
}

func (t *trap) Unwrap() error {
	return t.err
}

// abort stops the running call with a Trap error.
func abort(format string, args ...any) {
	panic(&trap{kind: Trap, err: fmt.Errorf(format, args...)})
}

// abortStorage stops the running call with a StorageFailure error.
func abortStorage(err error) {
	panic(&trap{kind: StorageFailure, err: err})
}
