package types

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

var ss58Prefix = []byte("SS58PRE")

func ss58Checksum(data []byte) []byte {
	sum := blake2b.Sum512(append(append([]byte{}, ss58Prefix...), data...))
	return sum[:2]
}

// SS58Encode encodes a 32 byte account id as an SS58 address of the given network format.
func SS58Encode(account []byte, format uint16) string {
	var data []byte
	if format < 64 {
		data = []byte{byte(format)}
	} else {
		data = []byte{
			byte((format&0xfc)>>2) | 0x40,
			byte(format>>8) | byte(format&0x03)<<6,
		}
	}
	data = append(data, account...)
	return base58.Encode(append(data, ss58Checksum(data)...))
}

// SS58Decode decodes an SS58 address into its network format and account id.
func SS58Decode(address string) (uint16, []byte, error) {
	data, err := base58.Decode(address)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid ss58 address: %w", err)
	}
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("invalid ss58 address: too short")
	}

	var format uint16
	prefixLen := 1
	switch {
	case data[0] < 64:
		format = uint16(data[0])
	case data[0] < 128:
		lower := (data[0] << 2) | (data[1] >> 6)
		upper := data[1] & 0x3f
		format = uint16(lower) | uint16(upper)<<8
		prefixLen = 2
	default:
		return 0, nil, fmt.Errorf("invalid ss58 address: reserved prefix %d", data[0])
	}

	payloadLen := len(data) - prefixLen - 2
	if payloadLen != 32 && payloadLen != 33 {
		return 0, nil, fmt.Errorf("invalid ss58 address: unsupported payload length %d", payloadLen)
	}
	body := data[:len(data)-2]
	if !bytes.Equal(ss58Checksum(body), data[len(data)-2:]) {
		return 0, nil, fmt.Errorf("invalid ss58 address: bad checksum")
	}
	return format, body[prefixLen:], nil
}
