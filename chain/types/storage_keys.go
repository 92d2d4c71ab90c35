package types

import "encoding/binary"

var (
	// CodeKey is the well-known storage key holding the runtime wasm blob.
	CodeKey = []byte(":code")

	// HeapPagesKey is the well-known storage key holding the number of extra heap pages (u64 LE).
	HeapPagesKey = []byte(":heappages")

	// DefaultChildStoragePrefix prefixes every key that lives in a default child trie.
	DefaultChildStoragePrefix = []byte(":child_storage:default:")
)

// PlainStorageKey returns the key of a storage value item: twox128(pallet) ++ twox128(item).
func PlainStorageKey(pallet string, item string) []byte {
	key := make([]byte, 0, 32)
	key = append(key, Twox128([]byte(pallet))...)
	key = append(key, Twox128([]byte(item))...)
	return key
}

// Blake2_128ConcatKey returns the key of a storage map entry hashed with Blake2_128Concat.
func Blake2_128ConcatKey(pallet string, item string, mapKey []byte) []byte {
	key := PlainStorageKey(pallet, item)
	key = append(key, Blake2_128(mapKey)...)
	return append(key, mapKey...)
}

// Twox64ConcatKey returns the key of a storage map entry hashed with Twox64Concat.
func Twox64ConcatKey(pallet string, item string, mapKey []byte) []byte {
	key := PlainStorageKey(pallet, item)
	key = append(key, Twox64(mapKey)...)
	return append(key, mapKey...)
}

// ChildStorageKey maps a key of a default child trie into the flat main key space.
func ChildStorageKey(childKey []byte, key []byte) []byte {
	out := make([]byte, 0, len(DefaultChildStoragePrefix)+len(childKey)+len(key))
	out = append(out, DefaultChildStoragePrefix...)
	out = append(out, childKey...)
	return append(out, key...)
}

// U32Key returns the SCALE (little-endian) encoding of a u32 map key.
func U32Key(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
