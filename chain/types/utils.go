package types

import "github.com/crytic/medusa-geth/common/hexutil"

func mustHex(s string) []byte {
	b, err := hexutil.Decode(s)
	if err != nil {
		panic(err)
	}
	return b
}
