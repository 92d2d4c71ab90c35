package logging

// These constants are used to identify the various services that may do some logging. They are the values of the
// "module" key of sub-loggers.
const (
	// CHAIN_SERVICE is the constant used to identify the chain package
	CHAIN_SERVICE = "chain"
	// BUILDER_SERVICE is the constant used to identify the block builder
	BUILDER_SERVICE = "builder"
	// RUNTIME_SERVICE is the constant used to identify the runtime executor
	RUNTIME_SERVICE = "runtime"
	// INHERENT_SERVICE is the constant used to identify the inherent providers
	INHERENT_SERVICE = "inherent"
	// RPC_SERVICE is the constant used to identify the rpcserver package
	RPC_SERVICE = "rpc"
	// CLI_SERVICE is the constant used to identify the cmd package
	CLI_SERVICE = "cli"
)
