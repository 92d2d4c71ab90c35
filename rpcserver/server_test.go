package rpcserver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/crytic/medusa-geth/rpc"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crytic/subfork/chain"
	"github.com/crytic/subfork/chain/config"
	"github.com/crytic/subfork/chain/inherent"
	"github.com/crytic/subfork/chain/runtime"
	"github.com/crytic/subfork/chain/state/cache"
	"github.com/crytic/subfork/chain/txpool"
	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/logging"
	"github.com/crytic/subfork/utils/testutils"
)

var (
	keyA = []byte("\x01test:a")
	keyC = []byte("\x01test:c")
)

type testServer struct {
	chain  *chain.Blockchain
	pool   *txpool.TxPool
	origin *testutils.Origin
	exec   *testutils.ScriptedRuntime
	http   *httptest.Server
	client *rpc.Client
}

// newTestServer serves a fork of a four block offline origin running the toy runtime.
func newTestServer(t *testing.T) *testServer {
	return newTestServerWithConfig(t, config.GetDefaultProjectConfig().RpcServer)
}

// newTestServerWithConfig is newTestServer with a custom server configuration.
func newTestServerWithConfig(t *testing.T, cfg config.RpcServerConfig) *testServer {
	ctx := context.Background()
	origin := testutils.NewOrigin(4, map[string][]byte{
		string(types.CodeKey):                        []byte("toy runtime"),
		string(inherent.TimestampNowKey):             binary.LittleEndian.AppendUint64(nil, 1_700_000_000_000),
		string(types.AccountStorageKey(types.Alice)): testutils.ToyAccount(1_000_000),
		string(keyA):                                {1},
		string(keyC):                                {3},
	})
	origin.MetadataBytes = []byte{0x6d, 0x65, 0x74, 0x61}

	exec := testutils.NewToyRuntime()
	c, err := chain.Fork(ctx, origin, cache.NewNonPersistentCache(), chain.ForkOptions{
		Metadata: testutils.ToyMetadata(),
		RuntimeFactory: func(context.Context, []byte, uint64, runtime.ExecutorConfig) (chain.Executor, error) {
			return exec, nil
		},
	})
	require.NoError(t, err)

	logs := logging.NewLogBufferWriter(16)
	logging.GlobalLogger = logging.NewLogger(zerolog.InfoLevel, false)
	logging.GlobalLogger.AddWriter(logs, logging.UNSTRUCTURED)

	pool := txpool.New()
	server, err := NewServer(c, pool, cfg, logs)
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	client, err := rpc.DialHTTP(ts.URL)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		ts.Close()
		_ = server.Close()
		_ = c.Close(ctx)
		logging.GlobalLogger = logging.NewLogger(zerolog.Disabled, false)
	})
	return &testServer{chain: c, pool: pool, origin: origin, exec: exec, http: ts, client: client}
}

func (s *testServer) call(t *testing.T, result any, method string, args ...any) {
	require.NoError(t, s.client.CallContext(context.Background(), result, method, args...))
}

func requireCode(t *testing.T, err error, code int) rpc.Error {
	var rpcErr rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, code, rpcErr.ErrorCode())
	return rpcErr
}

func TestSystemNamespace(t *testing.T) {
	s := newTestServer(t)

	var name, chainName, chainType string
	s.call(t, &name, "system_name")
	s.call(t, &chainName, "system_chain")
	s.call(t, &chainType, "system_chainType")
	assert.Equal(t, "subfork", name)
	assert.Equal(t, "Test Chain", chainName)
	assert.Equal(t, "Development", chainType)

	var properties map[string]any
	s.call(t, &properties, "system_properties")
	assert.Equal(t, "UNIT", properties["tokenSymbol"])

	var health Health
	s.call(t, &health, "system_health")
	assert.Equal(t, Health{}, health)

	var nonce uint32
	s.call(t, &nonce, "system_accountNextIndex", types.SS58Encode(types.Alice, 42))
	assert.Zero(t, nonce)
	s.call(t, &nonce, "system_accountNextIndex", hexutil.Encode(types.Bob))
	assert.Zero(t, nonce)

	err := s.client.Call(&nonce, "system_accountNextIndex", "not an address")
	requireCode(t, err, CodeInvalidParams)
}

func TestChainNamespace(t *testing.T) {
	s := newTestServer(t)
	head := s.chain.Head()

	var hash *types.Hash
	s.call(t, &hash, "chain_getBlockHash")
	require.NotNil(t, hash)
	assert.Equal(t, head.Hash, *hash)

	s.call(t, &hash, "chain_getBlockHash", "0x1")
	require.NotNil(t, hash)
	expected, err := s.chain.BlockHashAt(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, expected, *hash)

	s.call(t, &hash, "chain_getBlockHash", 99)
	assert.Nil(t, hash)

	var header *types.RPCHeader
	s.call(t, &header, "chain_getHeader", head.Hash)
	require.NotNil(t, header)
	assert.Equal(t, head.Header.ToRPC(), header)

	s.call(t, &header, "chain_getHeader", types.Hash{0xff})
	assert.Nil(t, header)

	var finalized types.Hash
	s.call(t, &finalized, "chain_getFinalisedHead")
	assert.Equal(t, head.Hash, finalized)
}

func TestStateNamespace(t *testing.T) {
	s := newTestServer(t)

	var value *hexutil.Bytes
	s.call(t, &value, "state_getStorage", hexutil.Bytes(keyA))
	require.NotNil(t, value)
	assert.Equal(t, hexutil.Bytes{1}, *value)

	s.call(t, &value, "state_getStorage", hexutil.Bytes("\x01test:b"))
	assert.Nil(t, value)

	var size *uint64
	s.call(t, &size, "state_getStorageSize", hexutil.Bytes(keyC))
	require.NotNil(t, size)
	assert.EqualValues(t, 1, *size)

	var keys []hexutil.Bytes
	s.call(t, &keys, "state_getKeysPaged", hexutil.Bytes("\x01test:"), 10)
	assert.Equal(t, []hexutil.Bytes{keyA, keyC}, keys)

	err := s.client.Call(&keys, "state_getKeysPaged", hexutil.Bytes("\x01test:"), 1001)
	requireCode(t, err, CodeInvalidParams)

	err = s.client.Call(&value, "state_getStorage", hexutil.Bytes(keyA), types.Hash{0xff})
	requireCode(t, err, CodeInvalidBlock)

	var metadata hexutil.Bytes
	s.call(t, &metadata, "state_getMetadata")
	assert.Equal(t, hexutil.Bytes(s.origin.MetadataBytes), metadata)

	var version types.RuntimeVersion
	s.call(t, &version, "state_getRuntimeVersion")
	assert.Equal(t, "test-runtime", version.SpecName)

	var changes []StorageChangeSet
	s.call(t, &changes, "state_queryStorageAt", []hexutil.Bytes{keyA, hexutil.Bytes("\x01test:b")})
	require.Len(t, changes, 1)
	assert.Equal(t, s.chain.Head().Hash, changes[0].Block)
	require.Len(t, changes[0].Changes, 2)
	assert.Equal(t, hexutil.Bytes{1}, *changes[0].Changes[0][1])
	assert.Nil(t, changes[0].Changes[1][1])
}

func TestSubmitAndBuild(t *testing.T) {
	s := newTestServer(t)
	start := s.chain.Head().Number
	transfer := testutils.ToyTransfer(types.Alice, types.Bob, 500)

	var hash types.Hash
	s.call(t, &hash, "author_submitExtrinsic", hexutil.Bytes(transfer))
	assert.Equal(t, txpool.Hash(transfer), hash)

	var pending []hexutil.Bytes
	s.call(t, &pending, "author_pendingExtrinsics")
	assert.Equal(t, []hexutil.Bytes{transfer}, pending)

	// Bob cannot pay for anything yet.
	err := s.client.Call(&hash, "author_submitExtrinsic", hexutil.Bytes(testutils.ToyTransfer(types.Bob, types.Alice, 1)))
	rpcErr := requireCode(t, err, CodeInvalidTransaction)
	dataErr, ok := rpcErr.(rpc.DataError)
	require.True(t, ok)
	assert.Contains(t, dataErr.ErrorData(), "Payment")

	var built NewBlockResult
	s.call(t, &built, "dev_newBlock")
	assert.Equal(t, start+1, built.Number)
	assert.Equal(t, 2, built.ExtrinsicsCount)
	assert.Empty(t, built.Failed)
	assert.Zero(t, s.pool.Len())

	var value *hexutil.Bytes
	s.call(t, &value, "state_getStorage", hexutil.Bytes(types.AccountStorageKey(types.Bob)))
	require.NotNil(t, value)
	balance, err := types.FreeBalance(*value)
	require.NoError(t, err)
	assert.EqualValues(t, 500, balance.Uint64())

	s.call(t, &built, "dev_newBlock", NewBlockParams{Count: 3})
	assert.Equal(t, start+4, built.Number)
	assert.Equal(t, 1, built.ExtrinsicsCount)

	err = s.client.Call(&built, "dev_newBlock", NewBlockParams{Count: maxNewBlocks + 1})
	requireCode(t, err, CodeInvalidParams)
}

// TestNewBlockFailureRequeues checks that a block that cannot be built returns the queued extrinsics to the pool.
func TestNewBlockFailureRequeues(t *testing.T) {
	s := newTestServer(t)
	start := s.chain.Head().Number

	transfer := hexutil.Bytes(testutils.ToyTransfer(types.Alice, types.Bob, 500))
	var hash types.Hash
	s.call(t, &hash, "author_submitExtrinsic", transfer)

	s.exec.Handle("BlockBuilder_finalize_block", func(context.Context, []byte, runtime.Storage) (*runtime.CallResult, error) {
		return nil, errors.New("finalize failed")
	})
	var built NewBlockResult
	err := s.client.Call(&built, "dev_newBlock")
	require.Error(t, err)
	assert.Equal(t, start, s.chain.Head().Number)

	var pending []hexutil.Bytes
	s.call(t, &pending, "author_pendingExtrinsics")
	assert.Equal(t, []hexutil.Bytes{transfer}, pending)

	// once the runtime recovers the extrinsic makes it into the next block
	toy := testutils.NewToyRuntime()
	s.exec.Handle("BlockBuilder_finalize_block", func(ctx context.Context, args []byte, storage runtime.Storage) (*runtime.CallResult, error) {
		return toy.Call(ctx, "BlockBuilder_finalize_block", args, storage)
	})
	s.call(t, &built, "dev_newBlock")
	assert.Equal(t, start+1, built.Number)
	assert.Equal(t, 2, built.ExtrinsicsCount)
	assert.Zero(t, s.pool.Len())
}

// TestInstantSeal checks that every accepted submission is sealed in its own block when instant seal is on.
func TestInstantSeal(t *testing.T) {
	cfg := config.GetDefaultProjectConfig().RpcServer
	cfg.InstantSeal = true
	s := newTestServerWithConfig(t, cfg)
	start := s.chain.Head().Number

	transfer := testutils.ToyTransfer(types.Alice, types.Bob, 500)
	var hash types.Hash
	s.call(t, &hash, "author_submitExtrinsic", hexutil.Bytes(transfer))
	assert.Equal(t, txpool.Hash(transfer), hash)

	head := s.chain.Head()
	assert.Equal(t, start+1, head.Number)
	assert.Len(t, head.Extrinsics, 2)
	assert.Equal(t, transfer, head.Extrinsics[1])
	assert.Zero(t, s.pool.Len())

	// a failed seal keeps the extrinsic queued
	s.exec.Handle("BlockBuilder_finalize_block", func(context.Context, []byte, runtime.Storage) (*runtime.CallResult, error) {
		return nil, errors.New("finalize failed")
	})
	second := testutils.ToyTransfer(types.Alice, types.Bob, 200)
	s.call(t, &hash, "author_submitExtrinsic", hexutil.Bytes(second))
	assert.Equal(t, txpool.Hash(second), hash)
	assert.Equal(t, start+1, s.chain.Head().Number)
	assert.Equal(t, [][]byte{second}, s.pool.Pending())
}

// TestStorageDiff reads back the changes a dev_setStorage block committed.
func TestStorageDiff(t *testing.T) {
	s := newTestServer(t)

	two := hexutil.Bytes{2}
	a, c := hexutil.Bytes(keyA), hexutil.Bytes(keyC)
	var hash types.Hash
	s.call(t, &hash, "dev_setStorage", [][2]*hexutil.Bytes{{&c, nil}, {&a, &two}})

	var diff [][2]*hexutil.Bytes
	s.call(t, &diff, "dev_storageDiff", hash)
	require.Len(t, diff, 2)
	assert.Equal(t, a, *diff[0][0])
	assert.Equal(t, two, *diff[0][1])
	assert.Equal(t, c, *diff[1][0])
	assert.Nil(t, diff[1][1])

	s.call(t, &diff, "dev_storageDiff", s.chain.ForkBlock().Hash)
	assert.Empty(t, diff)

	err := s.client.Call(&diff, "dev_storageDiff", types.Hash{0x42})
	requireCode(t, err, CodeInvalidBlock)
}

func TestSetStorage(t *testing.T) {
	s := newTestServer(t)
	start := s.chain.Head().Number

	two := hexutil.Bytes{2}
	a, c := hexutil.Bytes(keyA), hexutil.Bytes(keyC)
	var hash types.Hash
	s.call(t, &hash, "dev_setStorage", [][2]*hexutil.Bytes{{&a, &two}, {&c, nil}})
	assert.Equal(t, s.chain.Head().Hash, hash)
	assert.Equal(t, start+1, s.chain.Head().Number)

	var value *hexutil.Bytes
	s.call(t, &value, "state_getStorage", a)
	require.NotNil(t, value)
	assert.Equal(t, two, *value)
	s.call(t, &value, "state_getStorage", c)
	assert.Nil(t, value)

	// The fork block still sees the old values.
	forkHash := s.chain.ForkBlock().Hash
	s.call(t, &value, "state_getStorage", c, forkHash)
	require.NotNil(t, value)
	assert.Equal(t, hexutil.Bytes{3}, *value)
}

func TestArchiveNamespace(t *testing.T) {
	s := newTestServer(t)
	_, err := s.chain.BuildEmptyBlock(context.Background())
	require.NoError(t, err)
	head := s.chain.Head()

	var height uint32
	s.call(t, &height, "archive_v1_finalizedHeight")
	assert.Equal(t, head.Number, height)

	var genesis types.Hash
	s.call(t, &genesis, "archive_v1_genesisHash")
	expected, err := s.chain.BlockHashAt(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, expected, genesis)

	var hashes []types.Hash
	s.call(t, &hashes, "archive_v1_hashByHeight", head.Number)
	assert.Equal(t, []types.Hash{head.Hash}, hashes)
	s.call(t, &hashes, "archive_v1_hashByHeight", head.Number+1)
	assert.Empty(t, hashes)

	var header *hexutil.Bytes
	s.call(t, &header, "archive_v1_header", head.Hash)
	require.NotNil(t, header)
	assert.Equal(t, hexutil.Bytes(head.EncodedHeader()), *header)

	var body []hexutil.Bytes
	s.call(t, &body, "archive_v1_body", head.Hash)
	assert.Len(t, body, 1)

	var result CallResult
	s.call(t, &result, "archive_v1_call", head.Hash, "Core_version", hexutil.Bytes{})
	assert.True(t, result.Success)
	s.call(t, &result, "archive_v1_call", head.Hash, "Missing_method", hexutil.Bytes{})
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	var storage StorageResult
	s.call(t, &storage, "archive_v1_storage", head.Hash, []StorageQuery{
		{Key: keyA, Type: "value"},
		{Key: keyC, Type: "hash"},
		{Key: hexutil.Bytes("\x01test:"), Type: "descendantsValues"},
		{Key: keyA, Type: "closestDescendantMerkleValue"},
	})
	require.Len(t, storage.Items, 4)
	assert.Equal(t, hexutil.Bytes{1}, *storage.Items[0].Value)
	assert.Equal(t, types.Blake2_256([]byte{3}), *storage.Items[1].Hash)
	assert.Equal(t, hexutil.Bytes(keyC), storage.Items[3].Key)
	assert.Equal(t, 1, storage.DiscardedItems)
}

func TestChainSpecNamespace(t *testing.T) {
	s := newTestServer(t)

	var name, genesis string
	s.call(t, &name, "chainSpec_v1_chainName")
	s.call(t, &genesis, "chainSpec_v1_genesisHash")
	assert.Equal(t, "Test Chain", name)
	expected, err := s.chain.BlockHashAt(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, expected.Hex(), genesis)
}

func TestTransactionNamespace(t *testing.T) {
	s := newTestServer(t)

	var id string
	s.call(t, &id, "transaction_v1_broadcast", hexutil.Bytes(testutils.ToyTransfer(types.Alice, types.Bob, 1)))
	assert.Len(t, id, 36)
	assert.Equal(t, 1, s.pool.Len())

	// Invalid extrinsics still get an operation id but never reach the pool.
	var dropped string
	s.call(t, &dropped, "transaction_v1_broadcast", hexutil.Bytes{0x00})
	assert.NotEqual(t, id, dropped)
	assert.Equal(t, 1, s.pool.Len())

	require.NoError(t, s.client.Call(nil, "transaction_v1_stop", id))
	err := s.client.Call(nil, "transaction_v1_stop", id)
	requireCode(t, err, CodeOperationNotFound)
}

func TestPaymentQueryInfo(t *testing.T) {
	s := newTestServer(t)
	transfer := testutils.ToyTransfer(types.Alice, types.Bob, 1)

	// The toy runtime has no payment api until one is scripted.
	var info DispatchInfo
	err := s.client.Call(&info, "payment_queryInfo", hexutil.Bytes(transfer))
	requireCode(t, err, CodeInternal)

	var args []byte
	s.exec.Handle(queryInfoMethod, func(_ context.Context, in []byte, _ runtime.Storage) (*runtime.CallResult, error) {
		args = in
		out := append(types.EncodeCompact(1_000_000), types.EncodeCompact(3_000)...)
		out = append(out, 1)
		out = append(out, types.EncodeU128(uint256.NewInt(testutils.ToyFee))...)
		return &runtime.CallResult{Output: out}, nil
	})
	s.call(t, &info, "payment_queryInfo", hexutil.Bytes(transfer))
	assert.Equal(t, Weight{RefTime: 1_000_000, ProofSize: 3_000}, info.Weight)
	assert.Equal(t, "operational", info.Class)
	assert.Equal(t, "1000", info.PartialFee)
	assert.Equal(t, binary.LittleEndian.AppendUint32(append([]byte{}, transfer...), uint32(len(transfer))), args)
}

func TestMetricsAndLogs(t *testing.T) {
	s := newTestServer(t)
	_, err := s.chain.BuildEmptyBlock(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(s.http.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "subfork_head_number")
	assert.Contains(t, string(body), "subfork_remote_cache_hits_total")

	var built NewBlockResult
	s.call(t, &built, "dev_newBlock")

	resp, err = http.Get(s.http.URL + "/logs?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var logs struct {
		Logs []logging.LogEntry `json:"logs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	require.Len(t, logs.Logs, 1)
	assert.Contains(t, logs.Logs[0].Message, "head is now")

	resp, err = http.Get(s.http.URL + "/logs?limit=x")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

func TestWebsocket(t *testing.T) {
	s := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.http.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "system_name", "params": []any{}}))
	var response struct {
		ID     int    `json:"id"`
		Result string `json:"result"`
	}
	require.NoError(t, conn.ReadJSON(&response))
	assert.Equal(t, 1, response.ID)
	assert.Equal(t, "subfork", response.Result)
}
