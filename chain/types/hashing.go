package types

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Blake2_128 returns the 16-byte blake2b digest of data.
func Blake2_128(data []byte) []byte {
	h, err := blake2b.New(16, nil)
	if err != nil {
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

// Blake2_64 returns the 8-byte blake2b digest of data.
func Blake2_64(data []byte) []byte {
	h, err := blake2b.New(8, nil)
	if err != nil {
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

// Blake2_256 returns the 32-byte blake2b digest of data.
func Blake2_256(data []byte) Hash {
	return blake2b.Sum256(data)
}

// Keccak256 returns the legacy keccak-256 digest of data.
func Keccak256(data []byte) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return BytesToHash(h.Sum(nil))
}

// Keccak512 returns the legacy keccak-512 digest of data.
func Keccak512(data []byte) []byte {
	h := sha3.NewLegacyKeccak512()
	h.Write(data)
	return h.Sum(nil)
}

// Twox64 returns the 8-byte xxhash64 digest of data with seed 0, encoded little-endian.
func Twox64(data []byte) []byte {
	return twox(data, 1)
}

// Twox128 returns two concatenated xxhash64 digests of data using seeds 0 and 1.
func Twox128(data []byte) []byte {
	return twox(data, 2)
}

// Twox256 returns four concatenated xxhash64 digests of data using seeds 0 through 3.
func Twox256(data []byte) []byte {
	return twox(data, 4)
}

func twox(data []byte, rounds int) []byte {
	out := make([]byte, 8*rounds)
	for seed := 0; seed < rounds; seed++ {
		d := xxhash.NewWithSeed(uint64(seed))
		_, _ = d.Write(data)
		binary.LittleEndian.PutUint64(out[seed*8:], d.Sum64())
	}
	return out
}
