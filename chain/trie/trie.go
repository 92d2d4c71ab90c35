package trie

import (
	"errors"
	"fmt"
	"sort"

	"github.com/crytic/subfork/chain/types"
)

// Version selects the trie layout. V1 stores values longer than 32 bytes as separate nodes referenced by hash.
type Version byte

const (
	V0 Version = 0
	V1 Version = 1
)

var (
	// ErrIncompleteTrie is returned when an operation needs a subtree that is only known by its hash.
	ErrIncompleteTrie = errors.New("trie: subtree is not available")

	// EmptyRoot is the root hash of a trie without entries.
	EmptyRoot = types.Blake2_256([]byte{emptyNodeByte})
)

// Hasher computes the hash of an encoded node or value.
type Hasher func([]byte) types.Hash

var (
	Blake2Hasher Hasher = types.Blake2_256
	KeccakHasher Hasher = types.Keccak256
)

type layout struct {
	version Version
	hasher  Hasher
}

// Trie is an in-memory base-16 Patricia-Merkle trie using the Substrate node codec. Nodes are hashed with blake2-256
// unless another Hasher is given. It is not safe for concurrent use.
type Trie struct {
	root    *node
	version Version
	hasher  Hasher
}

// New creates an empty trie using the given layout.
func New(version Version) *Trie {
	return NewWithHasher(version, Blake2Hasher)
}

// NewWithHasher creates an empty trie using the given layout and node hasher.
func NewWithHasher(version Version, hasher Hasher) *Trie {
	return &Trie{version: version, hasher: hasher}
}

// FromEntries builds a trie from a set of key/value pairs.
func FromEntries(version Version, entries map[string][]byte) *Trie {
	return FromEntriesWithHasher(version, Blake2Hasher, entries)
}

// FromEntriesWithHasher builds a trie from a set of key/value pairs using the given node hasher.
func FromEntriesWithHasher(version Version, hasher Hasher, entries map[string][]byte) *Trie {
	t := NewWithHasher(version, hasher)
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// A trie without opaque nodes never fails to insert.
		_ = t.Put([]byte(k), entries[k])
	}
	return t
}

// Version returns the layout used by the trie.
func (t *Trie) Version() Version {
	return t.version
}

func (t *Trie) layout() layout {
	return layout{version: t.version, hasher: t.hasher}
}

// Put inserts or replaces the value stored at key.
func (t *Trie) Put(key []byte, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	root, err := insert(t.root, keyToNibbles(key), v)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

func insert(n *node, key []byte, value []byte) (*node, error) {
	if n == nil {
		return &node{partial: copyNibbles(key), hasValue: true, value: value}, nil
	}
	if n.ref != nil {
		return nil, ErrIncompleteTrie
	}
	common := commonPrefix(n.partial, key)

	// The new key diverges inside this node's partial key: split it under a new branch.
	if common < len(n.partial) {
		split := &node{partial: copyNibbles(key[:common]), branch: true}
		existing := *n
		existing.partial = copyNibbles(n.partial[common+1:])
		split.children[n.partial[common]] = &existing
		if common == len(key) {
			split.hasValue, split.value = true, value
		} else {
			split.children[key[common]] = &node{partial: copyNibbles(key[common+1:]), hasValue: true, value: value}
		}
		return split, nil
	}

	if common == len(key) {
		n.hasValue, n.value, n.valueHash = true, value, nil
		return n, nil
	}

	// The key continues below this node.
	n.branch = true
	idx := key[common]
	child, err := insert(n.children[idx], key[common+1:], value)
	if err != nil {
		return nil, err
	}
	n.children[idx] = child
	return n, nil
}

// Get returns the value stored at key.
func (t *Trie) Get(key []byte) ([]byte, bool, error) {
	n := t.root
	nibbles := keyToNibbles(key)
	for n != nil {
		if n.ref != nil {
			return nil, false, ErrIncompleteTrie
		}
		common := commonPrefix(n.partial, nibbles)
		if common < len(n.partial) {
			return nil, false, nil
		}
		nibbles = nibbles[common:]
		if len(nibbles) == 0 {
			if !n.hasValue {
				return nil, false, nil
			}
			if n.valueHash != nil {
				return nil, false, fmt.Errorf("%w: value %s", ErrIncompleteTrie, n.valueHash)
			}
			return n.value, true, nil
		}
		if !n.branch {
			return nil, false, nil
		}
		n = n.children[nibbles[0]]
		nibbles = nibbles[1:]
	}
	return nil, false, nil
}

// Hash returns the root hash of the trie.
func (t *Trie) Hash() (types.Hash, error) {
	if t.root == nil {
		return t.hasher([]byte{emptyNodeByte}), nil
	}
	if t.root.ref != nil {
		return *t.root.ref, nil
	}
	enc, err := t.root.encode(t.layout())
	if err != nil {
		return types.Hash{}, err
	}
	return t.hasher(enc), nil
}

// Entries returns every key/value pair that is fully known to the trie. Entries below opaque subtrees are skipped.
func (t *Trie) Entries() map[string][]byte {
	out := make(map[string][]byte)
	var walk func(n *node, prefix []byte)
	walk = func(n *node, prefix []byte) {
		if n == nil || n.ref != nil {
			return
		}
		path := append(copyNibbles(prefix), n.partial...)
		if n.hasValue && n.valueHash == nil && len(path)%2 == 0 {
			out[string(nibblesToKey(path))] = n.value
		}
		for i, child := range n.children {
			walk(child, append(copyNibbles(path), byte(i)))
		}
	}
	walk(t.root, nil)
	return out
}

// OrderedRoot returns the root of a trie keyed by the compact encoded index of each item, as used for extrinsics
// roots.
func OrderedRoot(version Version, items [][]byte) (types.Hash, error) {
	return OrderedRootWithHasher(version, Blake2Hasher, items)
}

// OrderedRootWithHasher is OrderedRoot using the given node hasher.
func OrderedRootWithHasher(version Version, hasher Hasher, items [][]byte) (types.Hash, error) {
	t := NewWithHasher(version, hasher)
	for i, item := range items {
		if err := t.Put(types.EncodeCompact(uint64(i)), item); err != nil {
			return types.Hash{}, err
		}
	}
	return t.Hash()
}
