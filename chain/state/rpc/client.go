package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/crytic/medusa-geth/rpc"

	"github.com/crytic/subfork/chain/types"
)

// SignedBlock is the chain_getBlock response.
type SignedBlock struct {
	Block struct {
		Header     types.RPCHeader `json:"header"`
		Extrinsics []hexutil.Bytes `json:"extrinsics"`
	} `json:"block"`
	Justifications json.RawMessage `json:"justifications,omitempty"`
}

// storageChangeSet is a state_queryStorageAt response entry. Each change is a [key, value|null] pair.
type storageChangeSet struct {
	Block   types.Hash        `json:"block"`
	Changes [][]*hexutil.Bytes `json:"changes"`
}

// Client is a typed client for the Substrate JSON-RPC methods read by the fork engine.
type Client struct {
	pool *ClientPool
}

// NewClient creates a client backed by the given pool.
func NewClient(pool *ClientPool) *Client {
	return &Client{pool: pool}
}

// Dial connects a pool of poolSize connections to endpoint and returns a client over it.
func Dial(ctx context.Context, endpoint string, poolSize uint) (*Client, error) {
	pool, err := NewClientPool(ctx, endpoint, poolSize)
	if err != nil {
		return nil, err
	}
	return NewClient(pool), nil
}

// Pool returns the connection pool of the client.
func (c *Client) Pool() *ClientPool {
	return c.pool
}

// Endpoint returns the endpoint of the origin chain.
func (c *Client) Endpoint() string {
	return c.pool.Endpoint()
}

// Close closes the underlying connections.
func (c *Client) Close() {
	c.pool.Close()
}

// FinalizedHead returns the hash of the latest finalized block.
func (c *Client) FinalizedHead(ctx context.Context) (types.Hash, error) {
	var hash types.Hash
	err := c.pool.ExecuteRequestBlocking(ctx, &hash, "chain_getFinalizedHead")
	return hash, err
}

// Header returns the header of a block, or nil if the block is unknown.
func (c *Client) Header(ctx context.Context, hash types.Hash) (*types.Header, error) {
	var header *types.RPCHeader
	if err := c.pool.ExecuteRequestBlocking(ctx, &header, "chain_getHeader", hash); err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}
	h, err := header.ToHeader()
	if err != nil {
		return nil, newClientError(ErrorKindInvalidResponse, "chain_getHeader", c.Endpoint(), err)
	}
	return h, nil
}

// BlockHash returns the hash of the block at number. The second value is false if there is no such block.
func (c *Client) BlockHash(ctx context.Context, number uint32) (types.Hash, bool, error) {
	var hash *types.Hash
	if err := c.pool.ExecuteRequestBlocking(ctx, &hash, "chain_getBlockHash", number); err != nil {
		return types.Hash{}, false, err
	}
	if hash == nil {
		return types.Hash{}, false, nil
	}
	return *hash, true, nil
}

// Block returns the header and extrinsics of a block, or nil if the block is unknown.
func (c *Client) Block(ctx context.Context, hash types.Hash) (*types.Header, [][]byte, error) {
	var block *SignedBlock
	if err := c.pool.ExecuteRequestBlocking(ctx, &block, "chain_getBlock", hash); err != nil {
		return nil, nil, err
	}
	if block == nil {
		return nil, nil, nil
	}
	header, err := block.Block.Header.ToHeader()
	if err != nil {
		return nil, nil, newClientError(ErrorKindInvalidResponse, "chain_getBlock", c.Endpoint(), err)
	}
	extrinsics := make([][]byte, len(block.Block.Extrinsics))
	for i, ext := range block.Block.Extrinsics {
		extrinsics[i] = ext
	}
	return header, extrinsics, nil
}

// Storage returns the value of key at block at. The second value is false if the key is absent.
func (c *Client) Storage(ctx context.Context, key []byte, at types.Hash) ([]byte, bool, error) {
	var value *hexutil.Bytes
	if err := c.pool.ExecuteRequestBlocking(ctx, &value, "state_getStorage", hexutil.Bytes(key), at); err != nil {
		return nil, false, err
	}
	if value == nil {
		return nil, false, nil
	}
	return *value, true, nil
}

// StorageBatch fetches many keys in one state_queryStorageAt call. The result has one entry per key in input order,
// nil where the key is absent.
func (c *Client) StorageBatch(ctx context.Context, keys [][]byte, at types.Hash) ([]*[]byte, error) {
	out := make([]*[]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	params := make([]hexutil.Bytes, len(keys))
	for i, key := range keys {
		params[i] = key
	}
	var sets []storageChangeSet
	if err := c.pool.ExecuteRequestBlocking(ctx, &sets, "state_queryStorageAt", params, at); err != nil {
		return nil, err
	}

	values := make(map[string]*[]byte)
	for _, set := range sets {
		for _, change := range set.Changes {
			if len(change) != 2 || change[0] == nil {
				return nil, newClientError(ErrorKindInvalidResponse, "state_queryStorageAt", c.Endpoint(),
					fmt.Errorf("malformed change entry"))
			}
			key := change[0].String()
			if change[1] == nil {
				values[key] = nil
				continue
			}
			value := []byte(*change[1])
			values[key] = &value
		}
	}
	for i, key := range keys {
		out[i] = values[hexutil.Encode(key)]
	}
	return out, nil
}

// KeysPaged returns up to count keys under prefix that sort after startKey.
func (c *Client) KeysPaged(ctx context.Context, prefix []byte, count uint32, startKey []byte, at types.Hash) ([][]byte, error) {
	var keys []hexutil.Bytes
	var start any
	if len(startKey) > 0 {
		start = hexutil.Bytes(startKey)
	}
	if err := c.pool.ExecuteRequestBlocking(ctx, &keys, "state_getKeysPaged", hexutil.Bytes(prefix), count, start, at); err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, key := range keys {
		out[i] = key
	}
	return out, nil
}

// Metadata returns the opaque metadata of the runtime at block at.
func (c *Client) Metadata(ctx context.Context, at types.Hash) ([]byte, error) {
	var metadata hexutil.Bytes
	err := c.pool.ExecuteRequestBlocking(ctx, &metadata, "state_getMetadata", at)
	return metadata, err
}

// RuntimeVersion returns the runtime version at block at.
func (c *Client) RuntimeVersion(ctx context.Context, at types.Hash) (*types.RuntimeVersion, error) {
	var version types.RuntimeVersion
	if err := c.pool.ExecuteRequestBlocking(ctx, &version, "state_getRuntimeVersion", at); err != nil {
		return nil, err
	}
	return &version, nil
}

// RuntimeCode returns the runtime wasm blob stored under :code at block at.
func (c *Client) RuntimeCode(ctx context.Context, at types.Hash) ([]byte, bool, error) {
	return c.Storage(ctx, types.CodeKey, at)
}

// StateCall executes a runtime API call on the origin node.
func (c *Client) StateCall(ctx context.Context, method string, data []byte, at types.Hash) ([]byte, error) {
	var result hexutil.Bytes
	err := c.pool.ExecuteRequestBlocking(ctx, &result, "state_call", method, hexutil.Bytes(data), at)
	return result, err
}

// SystemChain returns the chain name reported by the node.
func (c *Client) SystemChain(ctx context.Context) (string, error) {
	var name string
	err := c.pool.ExecuteRequestBlocking(ctx, &name, "system_chain")
	return name, err
}

// SystemProperties returns the chain properties (token symbol, decimals, address format).
func (c *Client) SystemProperties(ctx context.Context) (map[string]any, error) {
	var properties map[string]any
	err := c.pool.ExecuteRequestBlocking(ctx, &properties, "system_properties")
	return properties, err
}

// BatchStorage reads the same key at several blocks with a single JSON-RPC batch.
func (c *Client) BatchStorage(ctx context.Context, key []byte, blocks []types.Hash) ([]*[]byte, error) {
	batch := make([]rpc.BatchElem, len(blocks))
	results := make([]*hexutil.Bytes, len(blocks))
	for i, block := range blocks {
		batch[i] = rpc.BatchElem{
			Method: "state_getStorage",
			Args:   []any{hexutil.Bytes(key), block},
			Result: &results[i],
		}
	}
	if err := c.pool.ExecuteBatch(ctx, batch); err != nil {
		return nil, err
	}
	out := make([]*[]byte, len(blocks))
	for i := range batch {
		if batch[i].Error != nil {
			return nil, batch[i].Error
		}
		if results[i] != nil {
			value := []byte(*results[i])
			out[i] = &value
		}
	}
	return out, nil
}
