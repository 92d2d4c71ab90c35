package types

import (
	"encoding/json"
	"testing"

	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWellKnownStorageKeys verifies hashing against storage keys observed on live chains.
func TestWellKnownStorageKeys(t *testing.T) {
	assert.Equal(t, "0x26aa394eea5630e07c48ae0c9558cef7", hexutil.Encode(Twox128([]byte("System"))))
	assert.Equal(t,
		"0xf0c365c3cf59d671eb72da0e7a4113c49f1f0515f462cdcf84e0f1d6045dfcbb",
		hexutil.Encode(PlainStorageKey("Timestamp", "Now")))
	assert.Equal(t,
		"0x1cb6f36e027abb2091cfb5110ab5087f06155b3cd9a8c9e5e9a23fd5dc13a5ed",
		hexutil.Encode(PlainStorageKey("Babe", "CurrentSlot")))
	assert.Equal(t,
		"0xcd710b30bd2eab0352ddcc26417aa1941b3c252fcb29d88eff4f3de5de4476c3",
		hexutil.Encode(PlainStorageKey("Paras", "Heads")))
	assert.Equal(t,
		"0x0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
		Blake2_256(nil).Hex())
	assert.Len(t, Twox64([]byte("x")), 8)
	assert.Len(t, Twox256([]byte("x")), 32)
}

// TestAccountStorageKey checks the layout of a System::Account key.
func TestAccountStorageKey(t *testing.T) {
	key := AccountStorageKey(Alice)
	require.Len(t, key, 32+16+32)
	assert.Equal(t, PlainStorageKey("System", "Account"), key[:32])
	assert.Equal(t, Blake2_128(Alice), key[32:48])
	assert.Equal(t, Alice, key[48:])
}

// TestAccountInfoBalancePatching builds, patches and decodes AccountInfo balances.
func TestAccountInfoBalancePatching(t *testing.T) {
	info := BuildAccountInfo(uint256.NewInt(1_000_000))
	require.Len(t, info, 80)
	assert.Equal(t, byte(1), info[8])

	free, err := FreeBalance(info)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), free.Uint64())

	patched, err := PatchFreeBalance(info, DevBalance)
	require.NoError(t, err)
	free, err = FreeBalance(patched)
	require.NoError(t, err)
	assert.True(t, free.Eq(DevBalance))
	assert.Equal(t, 127, DevBalance.BitLen())

	// the original must not be modified
	free, err = FreeBalance(info)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), free.Uint64())

	_, err = PatchFreeBalance([]byte{1, 2, 3}, DevBalance)
	assert.Error(t, err)
}

// TestHeaderEncodeDecode verifies header SCALE encoding, decoding and the JSON representation.
func TestHeaderEncodeDecode(t *testing.T) {
	header := &Header{
		ParentHash: Blake2_256([]byte("parent")),
		Number:     1_000_000,
		StateRoot:  Blake2_256([]byte("state")),
		Digest: []DigestItem{
			PreRuntimeDigest(AuraEngineID, []byte{1, 0, 0, 0, 0, 0, 0, 0}),
			{Kind: DigestOther, Data: []byte{9, 9}},
			{Kind: DigestRuntimeEnvironmentUpdated},
		},
	}

	encoded := header.Encode()
	decoded, err := DecodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, header, decoded)
	assert.Equal(t, header.Hash(), Blake2_256(encoded))

	// A small block number is encoded as a single compact byte.
	small := &Header{Number: 1}
	assert.Len(t, small.Encode(), 32+1+32+32+1)
	assert.Equal(t, byte(0x04), small.Encode()[32])

	// JSON roundtrip
	b, err := json.Marshal(header.ToRPC())
	require.NoError(t, err)
	var rpcHeader RPCHeader
	require.NoError(t, json.Unmarshal(b, &rpcHeader))
	fromRPC, err := rpcHeader.ToHeader()
	require.NoError(t, err)
	assert.Equal(t, header.Hash(), fromRPC.Hash())
}

// TestHashText checks hex marshalling of hashes.
func TestHashText(t *testing.T) {
	h := Blake2_256([]byte("abc"))
	parsed, err := HexToHash(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = HexToHash("0x1234")
	assert.Error(t, err)
	assert.True(t, Hash{}.IsZero())
}

// TestCompactEncoding checks compact integer boundaries.
func TestCompactEncoding(t *testing.T) {
	for _, v := range []uint64{0, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, 1<<64 - 1} {
		decoded, err := DecodeCompact(NewDecoder(EncodeCompact(v)))
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	}
	items := [][]byte{{1, 2}, {}, {3}}
	decoded, err := DecodeBytesVec(NewDecoder(EncodeBytesVec(items)))
	require.NoError(t, err)
	assert.Equal(t, items, decoded)
}

// TestRuntimeVersion checks API ids and the version codec.
func TestRuntimeVersion(t *testing.T) {
	core := RuntimeAPIID("Core")
	assert.Equal(t, "0xdf6acb689907609b", hexutil.Encode(core[:]))

	v := &RuntimeVersion{
		SpecName:           "polkadot",
		ImplName:           "parity-polkadot",
		AuthoringVersion:   0,
		SpecVersion:        1_003_000,
		ImplVersion:        0,
		APIs:               []RuntimeAPI{{ID: core, Version: 5}},
		TransactionVersion: 26,
		StateVersion:       1,
	}
	decoded, err := DecodeRuntimeVersion(v.Encode())
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
	assert.True(t, decoded.HasAPI(core))
	assert.False(t, decoded.HasAPI(RuntimeAPIID("AuraApi")))

	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"apis":[["0xdf6acb689907609b",5]]`)
	var fromJSON RuntimeVersion
	require.NoError(t, json.Unmarshal(b, &fromJSON))
	assert.Equal(t, *v, fromJSON)
}

func TestSS58(t *testing.T) {
	const aliceAddress = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	assert.Equal(t, aliceAddress, SS58Encode(Alice, 42))

	format, account, err := SS58Decode(aliceAddress)
	require.NoError(t, err)
	assert.EqualValues(t, 42, format)
	assert.Equal(t, Alice, account)

	// Two byte network prefixes round trip.
	format, account, err = SS58Decode(SS58Encode(Bob, 1284))
	require.NoError(t, err)
	assert.EqualValues(t, 1284, format)
	assert.Equal(t, Bob, account)

	_, _, err = SS58Decode(aliceAddress[:len(aliceAddress)-1] + "Z")
	assert.Error(t, err)
	_, _, err = SS58Decode("0OIl")
	assert.Error(t, err)
}
