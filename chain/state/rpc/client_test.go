package rpc

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/crytic/medusa-geth/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crytic/subfork/chain/types"
)

// fakeChain serves the chain_* methods of a tiny origin chain.
type fakeChain struct {
	header *types.Header
}

func (f *fakeChain) GetFinalizedHead() types.Hash {
	return f.header.Hash()
}

func (f *fakeChain) GetHeader(hash types.Hash) *types.RPCHeader {
	if hash != f.header.Hash() {
		return nil
	}
	return f.header.ToRPC()
}

func (f *fakeChain) GetBlockHash(number uint32) *types.Hash {
	if number != f.header.Number {
		return nil
	}
	h := f.header.Hash()
	return &h
}

// fakeState serves the state_* methods from a fixed key/value map.
type fakeState struct {
	storage map[string][]byte
	calls   atomic.Int64
	delay   time.Duration
}

func (f *fakeState) GetStorage(key hexutil.Bytes, at types.Hash) *hexutil.Bytes {
	f.calls.Add(1)
	time.Sleep(f.delay)
	value, ok := f.storage[string(key)]
	if !ok {
		return nil
	}
	b := hexutil.Bytes(value)
	return &b
}

func (f *fakeState) QueryStorageAt(keys []hexutil.Bytes, at types.Hash) []storageChangeSet {
	f.calls.Add(1)
	set := storageChangeSet{Block: at}
	// answer in reverse order to check that results are mapped back by key
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		if value, ok := f.storage[string(key)]; ok {
			b := hexutil.Bytes(value)
			set.Changes = append(set.Changes, []*hexutil.Bytes{&key, &b})
		} else {
			set.Changes = append(set.Changes, []*hexutil.Bytes{&key, nil})
		}
	}
	return []storageChangeSet{set}
}

func (f *fakeState) Call(method string, data hexutil.Bytes, at types.Hash) (hexutil.Bytes, error) {
	if method != "Core_version" {
		return nil, errors.New("unknown method")
	}
	return hexutil.Bytes{0x01}, nil
}

type fakeSystem struct{}

func (fakeSystem) Chain() string {
	return "Development"
}

func startFakeOrigin(t *testing.T, state *fakeState, chain *fakeChain) *Client {
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("chain", chain))
	require.NoError(t, server.RegisterName("state", state))
	require.NoError(t, server.RegisterName("system", fakeSystem{}))
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		httpServer.Close()
		server.Stop()
	})

	client, err := Dial(context.Background(), httpServer.URL, 2)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func testHeader() *types.Header {
	return &types.Header{ParentHash: types.Blake2_256([]byte("parent")), Number: 42}
}

// TestClientChainQueries verifies header and hash queries.
func TestClientChainQueries(t *testing.T) {
	header := testHeader()
	client := startFakeOrigin(t, &fakeState{}, &fakeChain{header: header})
	ctx := context.Background()

	head, err := client.FinalizedHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, header.Hash(), head)

	fetched, err := client.Header(ctx, head)
	require.NoError(t, err)
	assert.Equal(t, header.Hash(), fetched.Hash())

	missing, err := client.Header(ctx, types.Hash{})
	require.NoError(t, err)
	assert.Nil(t, missing)

	hash, found, err := client.BlockHash(ctx, 42)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, head, hash)

	_, found, err = client.BlockHash(ctx, 41)
	require.NoError(t, err)
	assert.False(t, found)

	name, err := client.SystemChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Development", name)
}

// TestClientStorage verifies single and batched storage reads.
func TestClientStorage(t *testing.T) {
	state := &fakeState{storage: map[string][]byte{"a": {1}, "c": {3}}}
	client := startFakeOrigin(t, state, &fakeChain{header: testHeader()})
	ctx := context.Background()

	value, found, err := client.Storage(ctx, []byte("a"), types.Hash{})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{1}, value)

	_, found, err = client.Storage(ctx, []byte("b"), types.Hash{})
	require.NoError(t, err)
	assert.False(t, found)

	values, err := client.StorageBatch(ctx, [][]byte{[]byte("c"), []byte("b"), []byte("a")}, types.Hash{})
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, []byte{3}, *values[0])
	assert.Nil(t, values[1])
	assert.Equal(t, []byte{1}, *values[2])

	batched, err := client.BatchStorage(ctx, []byte("a"), []types.Hash{{1}, {2}})
	require.NoError(t, err)
	require.Len(t, batched, 2)
	assert.Equal(t, []byte{1}, *batched[1])
}

// TestClientErrors verifies the classification of upstream failures.
func TestClientErrors(t *testing.T) {
	client := startFakeOrigin(t, &fakeState{}, &fakeChain{header: testHeader()})

	_, err := client.StateCall(context.Background(), "Missing_api", nil, types.Hash{})
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorKindRequestFailed, clientErr.Kind)
	assert.Equal(t, "state_call", clientErr.Method)

	_, err = client.SystemProperties(context.Background())
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorKindRequestFailed, clientErr.Kind)

	_, err = Dial(context.Background(), "ws://127.0.0.1:1", 1)
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorKindConnectionFailed, clientErr.Kind)
}

// TestClientTimeout verifies that a cancelled context surfaces as a timeout without retrying.
func TestClientTimeout(t *testing.T) {
	state := &fakeState{delay: 200 * time.Millisecond}
	client := startFakeOrigin(t, state, &fakeChain{header: testHeader()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := client.Storage(ctx, []byte("a"), types.Hash{})
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorKindTimeout, clientErr.Kind)

	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, state.calls.Load(), int64(1))
}

// TestClientRequestTimeout verifies that the pool bounds requests of callers without a deadline.
func TestClientRequestTimeout(t *testing.T) {
	state := &fakeState{storage: map[string][]byte{"a": {1}}, delay: 200 * time.Millisecond}
	client := startFakeOrigin(t, state, &fakeChain{header: testHeader()})
	client.Pool().SetRequestTimeout(20 * time.Millisecond)

	_, _, err := client.Storage(context.Background(), []byte("a"), types.Hash{})
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorKindTimeout, clientErr.Kind)

	client.Pool().SetRequestTimeout(0)
	value, found, err := client.Storage(context.Background(), []byte("a"), types.Hash{})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{1}, value)
}

// TestInflightDeduplication verifies that identical concurrent requests share one round trip.
func TestInflightDeduplication(t *testing.T) {
	state := &fakeState{storage: map[string][]byte{"a": {1}}, delay: 100 * time.Millisecond}
	client := startFakeOrigin(t, state, &fakeChain{header: testHeader()})

	results := make(chan []byte, 5)
	for i := 0; i < 5; i++ {
		go func() {
			value, _, err := client.Storage(context.Background(), []byte("a"), types.Hash{})
			assert.NoError(t, err)
			results <- value
		}()
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, []byte{1}, <-results)
	}
	assert.Less(t, state.calls.Load(), int64(5))
}
