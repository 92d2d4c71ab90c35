package types

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
)

// NewDecoder returns a SCALE decoder reading from b.
func NewDecoder(b []byte) *scale.Decoder {
	return scale.NewDecoder(bytes.NewReader(b))
}

// EncodeCompact returns the SCALE compact encoding of v.
func EncodeCompact(v uint64) []byte {
	var buf bytes.Buffer
	// Writes into a bytes.Buffer cannot fail.
	_ = scale.NewEncoder(&buf).EncodeUintCompact(*new(big.Int).SetUint64(v))
	return buf.Bytes()
}

// DecodeCompact reads a SCALE compact integer that must fit in a uint64.
func DecodeCompact(dec *scale.Decoder) (uint64, error) {
	v, err := dec.DecodeUintCompact()
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("compact integer %s overflows uint64", v.String())
	}
	return v.Uint64(), nil
}

// EncodeBytes returns the SCALE encoding of a byte vector (compact length prefix followed by the bytes).
func EncodeBytes(b []byte) []byte {
	out := EncodeCompact(uint64(len(b)))
	return append(out, b...)
}

// DecodeBytes reads a SCALE encoded byte vector.
func DecodeBytes(dec *scale.Decoder) ([]byte, error) {
	n, err := DecodeCompact(dec)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n == 0 {
		return b, nil
	}
	if err := dec.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// EncodeOptionBytes returns the SCALE encoding of an Option<Vec<u8>>.
func EncodeOptionBytes(b []byte, some bool) []byte {
	if !some {
		return []byte{0}
	}
	return append([]byte{1}, EncodeBytes(b)...)
}

// DecodeBytesVec reads a SCALE encoded Vec<Vec<u8>>.
func DecodeBytesVec(dec *scale.Decoder) ([][]byte, error) {
	n, err := DecodeCompact(dec)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		item, err := DecodeBytes(dec)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// EncodeBytesVec returns the SCALE encoding of a Vec<Vec<u8>>.
func EncodeBytesVec(items [][]byte) []byte {
	out := EncodeCompact(uint64(len(items)))
	for _, item := range items {
		out = append(out, EncodeBytes(item)...)
	}
	return out
}
