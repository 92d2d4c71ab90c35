package trie

// keyToNibbles expands a byte key into its nibble sequence, high nibble first.
func keyToNibbles(key []byte) []byte {
	nibbles := make([]byte, len(key)*2)
	for i, b := range key {
		nibbles[i*2] = b >> 4
		nibbles[i*2+1] = b & 0x0f
	}
	return nibbles
}

// nibblesToKey packs an even-length nibble sequence back into bytes.
func nibblesToKey(nibbles []byte) []byte {
	key := make([]byte, len(nibbles)/2)
	for i := range key {
		key[i] = nibbles[i*2]<<4 | nibbles[i*2+1]
	}
	return key
}

// encodePartial packs a partial key. An odd nibble count stores the first nibble alone in the low half of the first
// byte.
func encodePartial(nibbles []byte) []byte {
	out := make([]byte, 0, (len(nibbles)+1)/2)
	if len(nibbles)%2 == 1 {
		out = append(out, nibbles[0])
		nibbles = nibbles[1:]
	}
	for i := 0; i < len(nibbles); i += 2 {
		out = append(out, nibbles[i]<<4|nibbles[i+1])
	}
	return out
}

// decodePartial unpacks count nibbles previously packed by encodePartial.
func decodePartial(packed []byte, count int) []byte {
	nibbles := make([]byte, 0, count)
	if count%2 == 1 {
		nibbles = append(nibbles, packed[0]&0x0f)
		packed = packed[1:]
	}
	for _, b := range packed {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	return nibbles
}

// commonPrefix returns the length of the common prefix of a and b.
func commonPrefix(a, b []byte) int {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	return i
}

func copyNibbles(n []byte) []byte {
	out := make([]byte, len(n))
	copy(out, n)
	return out
}
