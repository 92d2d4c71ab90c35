package runtime

import "fmt"

// DefaultHeapPages is the number of extra 64KiB pages made available to the runtime allocator when the chain does
// not set :heappages.
const DefaultHeapPages uint64 = 2048

// SignatureMockMode controls how the crypto verification host functions treat signatures.
type SignatureMockMode string

const (
	// SignatureMockNone verifies every signature.
	SignatureMockNone SignatureMockMode = "none"
	// SignatureMockMagic accepts signatures starting with 0xdeadbeef and padded with 0xcd, and verifies the rest.
	SignatureMockMagic SignatureMockMode = "magic"
	// SignatureMockAlwaysValid accepts every signature.
	SignatureMockAlwaysValid SignatureMockMode = "always"
)

// Validate checks that the mode is known. An empty mode is treated as SignatureMockNone.
func (m SignatureMockMode) Validate() error {
	switch m {
	case "", SignatureMockNone, SignatureMockMagic, SignatureMockAlwaysValid:
		return nil
	}
	return fmt.Errorf("unknown signature mock mode %q", string(m))
}

// LogLevel mirrors the level filter exposed to the runtime through ext_logging_max_level.
type LogLevel uint32

const (
	LogLevelOff LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// String returns the level name used by runtime log targets.
func (l LogLevel) String() string {
	switch l {
	case LogLevelOff:
		return "off"
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	case LogLevelTrace:
		return "trace"
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// ExecutorConfig describes how runtime calls are executed.
type ExecutorConfig struct {
	// HeapPages overrides the number of heap pages. Zero selects :heappages from storage or DefaultHeapPages.
	HeapPages uint64 `json:"heapPages"`

	// SignatureMock selects how signatures are verified.
	SignatureMock SignatureMockMode `json:"signatureMock"`

	// MaxLogLevel is the most verbose runtime log level that is forwarded to the logger.
	MaxLogLevel LogLevel `json:"maxLogLevel"`

	// AllowUnresolvedImports replaces host functions this executor does not provide with stubs that trap when called.
	AllowUnresolvedImports bool `json:"allowUnresolvedImports"`

	// StorageProofSize is returned by ext_storage_proof_size.
	StorageProofSize uint64 `json:"storageProofSize"`
}

// DefaultExecutorConfig returns the configuration used when none is provided.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		SignatureMock: SignatureMockNone,
		MaxLogLevel:   LogLevelInfo,
	}
}

// Validate checks the configuration.
func (c ExecutorConfig) Validate() error {
	if err := c.SignatureMock.Validate(); err != nil {
		return err
	}
	if c.MaxLogLevel > LogLevelTrace {
		return fmt.Errorf("max log level %d is out of range", uint32(c.MaxLogLevel))
	}
	return nil
}
