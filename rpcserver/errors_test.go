package rpcserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crytic/subfork/chain"
	"github.com/crytic/subfork/chain/builder"
	"github.com/crytic/subfork/chain/state"
	"github.com/crytic/subfork/chain/types"
)

func TestToError(t *testing.T) {
	testCases := []struct {
		err  error
		code int
	}{
		{&builder.TransactionValidityError{Kind: builder.Invalid, Reason: "Payment"}, CodeInvalidTransaction},
		{fmt.Errorf("wrapped: %w", &builder.TransactionValidityError{Kind: builder.Unknown, Reason: "CannotLookup"}), CodeUnknownTransaction},
		{fmt.Errorf("%w: 0x01", chain.ErrBlockNotFound), CodeInvalidBlock},
		{state.ErrBlockNumberNotFound, CodeInvalidBlock},
		{invalidParams("bad"), CodeInvalidParams},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range testCases {
		var rpcErr *Error
		require.ErrorAs(t, toError(tc.err), &rpcErr)
		assert.Equal(t, tc.code, rpcErr.ErrorCode(), tc.err.Error())
	}
	assert.NoError(t, toError(nil))

	var rpcErr *Error
	require.ErrorAs(t, toError(&builder.TransactionValidityError{Reason: "Stale"}), &rpcErr)
	assert.Equal(t, "Invalid Transaction", rpcErr.Message)
	assert.Equal(t, "invalid transaction: Stale", rpcErr.ErrorData())
}

func TestBlockNumberUnmarshal(t *testing.T) {
	for input, expected := range map[string]BlockNumber{
		`7`:            7,
		`"12"`:         12,
		`"0x10"`:       16,
		`"0xffffffff"`: 4294967295,
	} {
		var n BlockNumber
		require.NoError(t, json.Unmarshal([]byte(input), &n), input)
		assert.Equal(t, expected, n, input)
	}

	for _, input := range []string{`-1`, `4294967296`, `"0x100000000"`, `"abc"`, `true`} {
		var n BlockNumber
		assert.Error(t, json.Unmarshal([]byte(input), &n), input)
	}
}

func TestParseAccount(t *testing.T) {
	account, err := parseAccount(types.SS58Encode(types.Alice, 0))
	require.NoError(t, err)
	assert.Equal(t, types.Alice, account)

	account, err = parseAccount("0xf24ff3a9cf04c71dbc94d0b566f7a27b94566cac")
	require.NoError(t, err)
	assert.Equal(t, types.Alith, account)

	for _, address := range []string{"0x1234", "0xzz", "5Grwv"} {
		_, err := parseAccount(address)
		assert.Error(t, err, address)
	}
}
