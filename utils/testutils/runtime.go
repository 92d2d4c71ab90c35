package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/types"
)

// RuntimeMethod implements one entry point of a ScriptedRuntime.
type RuntimeMethod func(ctx context.Context, args []byte, storage runtime.Storage) (*runtime.CallResult, error)

var _ runtime.Caller = (*ScriptedRuntime)(nil)

// ScriptedRuntime is a runtime.Caller whose entry points are Go functions. Calls to methods that were not scripted
// fail like calls to a missing export.
type ScriptedRuntime struct {
	lock    sync.Mutex
	methods map[string]RuntimeMethod
	calls   []string

	// Version is returned by RuntimeVersion.
	Version *types.RuntimeVersion
}

// NewScriptedRuntime creates a runtime without entry points.
func NewScriptedRuntime() *ScriptedRuntime {
	return &ScriptedRuntime{
		methods: make(map[string]RuntimeMethod),
		Version: &types.RuntimeVersion{SpecName: "test-runtime", ImplName: "test-runtime", SpecVersion: 1, StateVersion: 1},
	}
}

// Handle scripts an entry point and returns the runtime for chaining.
func (r *ScriptedRuntime) Handle(method string, fn RuntimeMethod) *ScriptedRuntime {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.methods[method] = fn
	return r
}

// Returns scripts an entry point that always returns output without touching storage.
func (r *ScriptedRuntime) Returns(method string, output []byte) *ScriptedRuntime {
	return r.Handle(method, func(context.Context, []byte, runtime.Storage) (*runtime.CallResult, error) {
		return &runtime.CallResult{Output: output}, nil
	})
}

// Calls returns the methods called so far, in order.
func (r *ScriptedRuntime) Calls() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.calls...)
}

// Call implements runtime.Caller.
func (r *ScriptedRuntime) Call(ctx context.Context, method string, args []byte, storage runtime.Storage) (*runtime.CallResult, error) {
	r.lock.Lock()
	fn, ok := r.methods[method]
	r.calls = append(r.calls, method)
	r.lock.Unlock()
	if !ok {
		return nil, &runtime.ExecutorError{Kind: runtime.Start, Method: method, Err: fmt.Errorf("runtime does not export %s", method)}
	}
	return fn(ctx, args, storage)
}

// RuntimeVersion returns Version.
func (r *ScriptedRuntime) RuntimeVersion(context.Context) (*types.RuntimeVersion, error) {
	return r.Version, nil
}

// Close does nothing.
func (r *ScriptedRuntime) Close(context.Context) error {
	return nil
}
