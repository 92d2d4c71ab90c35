package trie

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/crytic/subfork/chain/types"
)

// Node header prefixes. The remaining bits of the first header byte carry the partial key length.
const (
	prefixLeaf             = 0b01 << 6
	prefixBranchNoValue    = 0b10 << 6
	prefixBranchWithValue  = 0b11 << 6
	prefixLeafHashed       = 0b001 << 5
	prefixBranchHashed     = 0b0001 << 4
	emptyNodeByte          = 0x00
	maxInlineValueV1       = 32
	branchChildrenCount    = 16
	maxPartialNibbleLength = 65535
)

// node is an in-memory trie node. A node with a non-nil ref is a subtree that is only known by its hash.
type node struct {
	partial  []byte
	branch   bool
	children [branchChildrenCount]*node

	hasValue bool
	value    []byte
	// valueHash is set when the value was stored hashed and the preimage is unknown.
	valueHash *types.Hash

	ref *types.Hash
}

func (n *node) childCount() int {
	count := 0
	for _, child := range n.children {
		if child != nil {
			count++
		}
	}
	return count
}

// hashValue reports whether the value of n must be stored as a hash under the given layout.
func (n *node) hashValue(l layout) bool {
	if n.valueHash != nil {
		return true
	}
	return l.version == V1 && len(n.value) > maxInlineValueV1
}

// encodeHeader writes the header byte(s) of a node.
func encodeHeader(prefix byte, prefixBits uint, nibbleCount int) []byte {
	maxValue := int(byte(0xff) >> prefixBits)
	if nibbleCount < maxValue {
		return []byte{prefix | byte(nibbleCount)}
	}
	out := []byte{prefix | byte(maxValue)}
	remaining := nibbleCount - (maxValue - 1)
	for {
		if remaining < 256 {
			out = append(out, byte(remaining-1))
			return out
		}
		out = append(out, 0xff)
		remaining -= 255
	}
}

// encode returns the encoding of n. Opaque nodes cannot be encoded.
func (n *node) encode(l layout) ([]byte, error) {
	if n.ref != nil {
		return nil, fmt.Errorf("cannot encode opaque node %s", n.ref)
	}
	if len(n.partial) > maxPartialNibbleLength {
		return nil, fmt.Errorf("partial key of %d nibbles exceeds the maximum", len(n.partial))
	}
	var buf bytes.Buffer
	hashed := n.hasValue && n.hashValue(l)
	switch {
	case !n.branch && hashed:
		buf.Write(encodeHeader(prefixLeafHashed, 3, len(n.partial)))
	case !n.branch:
		buf.Write(encodeHeader(prefixLeaf, 2, len(n.partial)))
	case hashed:
		buf.Write(encodeHeader(prefixBranchHashed, 4, len(n.partial)))
	case n.hasValue:
		buf.Write(encodeHeader(prefixBranchWithValue, 2, len(n.partial)))
	default:
		buf.Write(encodeHeader(prefixBranchNoValue, 2, len(n.partial)))
	}
	buf.Write(encodePartial(n.partial))

	if n.branch {
		var bitmap uint16
		for i, child := range n.children {
			if child != nil {
				bitmap |= 1 << uint(i)
			}
		}
		var bm [2]byte
		binary.LittleEndian.PutUint16(bm[:], bitmap)
		buf.Write(bm[:])
	}

	if n.hasValue {
		if hashed {
			h := n.storedValueHash(l.hasher)
			buf.Write(h[:])
		} else {
			buf.Write(types.EncodeBytes(n.value))
		}
	}

	if n.branch {
		for _, child := range n.children {
			if child == nil {
				continue
			}
			ref, err := child.reference(l)
			if err != nil {
				return nil, err
			}
			buf.Write(types.EncodeBytes(ref))
		}
	}
	return buf.Bytes(), nil
}

func (n *node) storedValueHash(hasher Hasher) types.Hash {
	if n.valueHash != nil {
		return *n.valueHash
	}
	return hasher(n.value)
}

// reference returns how a parent refers to n: the encoding itself if it is shorter than a hash, else its hash.
func (n *node) reference(l layout) ([]byte, error) {
	if n.ref != nil {
		return n.ref.Bytes(), nil
	}
	enc, err := n.encode(l)
	if err != nil {
		return nil, err
	}
	if len(enc) < types.HashLength {
		return enc, nil
	}
	h := l.hasher(enc)
	return h[:], nil
}

// nodeResolver returns the encoding of the node with the given hash, if known.
type nodeResolver func(types.Hash) ([]byte, bool)

// decodeNode decodes an encoded node. Hash references to children are looked up through resolve and become opaque
// nodes when unknown.
func decodeNode(enc []byte, resolve nodeResolver) (*node, error) {
	if len(enc) == 0 {
		return nil, fmt.Errorf("empty node encoding")
	}
	if len(enc) == 1 && enc[0] == emptyNodeByte {
		return nil, nil
	}
	r := bytes.NewReader(enc)
	first, _ := r.ReadByte()

	n := &node{}
	var prefixBits uint
	hashed := false
	switch {
	case first&0xc0 == prefixLeaf:
		prefixBits = 2
	case first&0xc0 == prefixBranchNoValue:
		prefixBits, n.branch = 2, true
	case first&0xc0 == prefixBranchWithValue:
		prefixBits, n.branch, n.hasValue = 2, true, true
	case first&0xe0 == prefixLeafHashed:
		prefixBits, hashed = 3, true
	case first&0xf0 == prefixBranchHashed:
		prefixBits, n.branch, n.hasValue, hashed = 4, true, true, true
	default:
		return nil, fmt.Errorf("unsupported node header 0x%02x", first)
	}
	if !n.branch {
		n.hasValue = true
	}

	count, err := decodeNibbleCount(first, prefixBits, r)
	if err != nil {
		return nil, err
	}
	packed := make([]byte, (count+1)/2)
	if _, err := readFull(r, packed); err != nil {
		return nil, fmt.Errorf("failed to read partial key: %w", err)
	}
	if count%2 == 1 && packed[0]&0xf0 != 0 {
		return nil, fmt.Errorf("bad partial key padding")
	}
	n.partial = decodePartial(packed, count)

	var bitmap uint16
	if n.branch {
		var bm [2]byte
		if _, err := readFull(r, bm[:]); err != nil {
			return nil, fmt.Errorf("failed to read children bitmap: %w", err)
		}
		bitmap = binary.LittleEndian.Uint16(bm[:])
	}

	if n.hasValue {
		if hashed {
			var h types.Hash
			if _, err := readFull(r, h[:]); err != nil {
				return nil, fmt.Errorf("failed to read value hash: %w", err)
			}
			if value, ok := resolve(h); ok {
				n.value = value
			} else {
				n.valueHash = &h
			}
		} else {
			rest := enc[len(enc)-r.Len():]
			dec := types.NewDecoder(rest)
			value, err := types.DecodeBytes(dec)
			if err != nil {
				return nil, fmt.Errorf("failed to read value: %w", err)
			}
			n.value = value
			if _, err := r.Seek(int64(len(types.EncodeBytes(value))), io.SeekCurrent); err != nil {
				return nil, err
			}
		}
	}

	if n.branch {
		for i := 0; i < branchChildrenCount; i++ {
			if bitmap&(1<<uint(i)) == 0 {
				continue
			}
			rest := enc[len(enc)-r.Len():]
			ref, err := types.DecodeBytes(types.NewDecoder(rest))
			if err != nil {
				return nil, fmt.Errorf("failed to read child %d: %w", i, err)
			}
			if _, err := r.Seek(int64(len(types.EncodeBytes(ref))), io.SeekCurrent); err != nil {
				return nil, err
			}
			child, err := decodeChild(ref, resolve)
			if err != nil {
				return nil, fmt.Errorf("child %d: %w", i, err)
			}
			n.children[i] = child
		}
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after node", r.Len())
	}
	return n, nil
}

func decodeChild(ref []byte, resolve nodeResolver) (*node, error) {
	if len(ref) == types.HashLength {
		h := types.BytesToHash(ref)
		if enc, ok := resolve(h); ok {
			return decodeNode(enc, resolve)
		}
		return &node{ref: &h}, nil
	}
	child, err := decodeNode(ref, resolve)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, fmt.Errorf("inline empty child")
	}
	return child, nil
}

func decodeNibbleCount(first byte, prefixBits uint, r *bytes.Reader) (int, error) {
	maxValue := int(byte(0xff) >> prefixBits)
	result := int(first) & maxValue
	if result < maxValue {
		return result, nil
	}
	result--
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("truncated partial key length")
		}
		if b < 255 {
			return result + int(b) + 1, nil
		}
		result += 255
		if result > maxPartialNibbleLength {
			return 0, fmt.Errorf("partial key length overflow")
		}
	}
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	if r.Len() < len(b) {
		return 0, fmt.Errorf("need %d bytes, have %d", len(b), r.Len())
	}
	return r.Read(b)
}
